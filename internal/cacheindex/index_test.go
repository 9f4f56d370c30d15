package cacheindex

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/PlayeRom/photoscenery/internal/geodesy"
)

func fakePNGBytes(width, height int) []byte {
	b := make([]byte, 24)
	copy(b[12:16], []byte("IHDR"))
	binary.BigEndian.PutUint32(b[16:20], uint32(width))
	binary.BigEndian.PutUint32(b[20:24], uint32(height))
	return b
}

func TestPutGetRemove(t *testing.T) {
	dir := t.TempDir()
	idx := New(filepath.Join(dir, "index.json"), "v1", nil)

	r := CacheRecord{Path: "/tiles/0000001.dds", ID: 1, Size: 1000, LastModified: time.Now(), SizeID: 3, Width: 4096, Height: 4096}
	idx.Put(r)
	got, ok := idx.Get(r.Path)
	require.True(t, ok)
	require.Equal(t, r.ID, got.ID)

	idx.Remove(r.Path)
	_, ok = idx.Get(r.Path)
	require.False(t, ok)
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	indexPath := filepath.Join(dir, "index.json")
	finalRoot := filepath.Join(dir, "final")
	backupRoot := filepath.Join(dir, "backup")
	require.NoError(t, os.MkdirAll(finalRoot, 0o755))

	idx := New(indexPath, "v1", nil)
	idx.Put(CacheRecord{Path: filepath.Join(finalRoot, "e010n40/e011n47/0001234.dds"), ID: 1234, Size: 500, LastModified: time.Now(), SizeID: 2, Width: 2048, Height: 2048})
	require.NoError(t, idx.Save(finalRoot, backupRoot))

	require.FileExists(t, indexPath)
	require.FileExists(t, filepath.Join(dir, "coverage.json"))

	idx2 := New(indexPath, "v1", nil)
	needsRebuild, err := idx2.Load(nil)
	require.NoError(t, err)
	require.False(t, needsRebuild)
	recs := idx2.ByID(1234)
	require.Len(t, recs, 1)
}

func TestByID(t *testing.T) {
	dir := t.TempDir()
	idx := New(filepath.Join(dir, "index.json"), "v1", nil)
	idx.Put(CacheRecord{Path: "/a/0000005.dds", ID: 5, SizeID: 1})
	idx.Put(CacheRecord{Path: "/b/0000005.dds", ID: 5, SizeID: 3})
	idx.Put(CacheRecord{Path: "/b/0000006.dds", ID: 6, SizeID: 3})

	recs := idx.ByID(5)
	require.Len(t, recs, 2)
}

func TestRebuildSkipsFileUnderWrongDirectory(t *testing.T) {
	dir := t.TempDir()
	idx := New(filepath.Join(dir, "index.json"), "v1", nil)

	id := 1234
	coord := geodesy.CoordFromIndex(id)
	name := fmt.Sprintf("%07d.png", id)

	correctDir := filepath.Join(dir, coord.Dir10, coord.Dir1)
	require.NoError(t, os.MkdirAll(correctDir, 0o755))
	correctPath := filepath.Join(correctDir, name)
	require.NoError(t, os.WriteFile(correctPath, fakePNGBytes(512, 512), 0o644))

	wrongDir := filepath.Join(dir, "e999n99", "e999n99")
	require.NoError(t, os.MkdirAll(wrongDir, 0o755))
	wrongPath := filepath.Join(wrongDir, name)
	require.NoError(t, os.WriteFile(wrongPath, fakePNGBytes(512, 512), 0o644))

	require.NoError(t, idx.Rebuild([]string{dir}))

	recs := idx.ByID(id)
	require.Len(t, recs, 1)
	require.Equal(t, correctPath, recs[0].Path)
}
