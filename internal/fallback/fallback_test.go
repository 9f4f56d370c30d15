package fallback

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/PlayeRom/photoscenery/internal/cacheindex"
	"github.com/PlayeRom/photoscenery/internal/geodesy"
	"github.com/PlayeRom/photoscenery/internal/jobs"
)

type fakeEnqueuer struct {
	jobs []jobs.ChunkJob
}

func (f *fakeEnqueuer) Enqueue(job jobs.ChunkJob) { f.jobs = append(f.jobs, job) }

func newManager(t *testing.T) (*Manager, *fakeEnqueuer, *cacheindex.Index) {
	dir := t.TempDir()
	idx := cacheindex.New(filepath.Join(dir, "index.json"), "v1", nil)
	fe := &fakeEnqueuer{}
	cfg := Config{
		StagingDir:   filepath.Join(dir, "staging"),
		FinalRoot:    filepath.Join(dir, "final"),
		BackupRoot:   filepath.Join(dir, "backup"),
		Retries:      2,
		CoarsestSize: 0,
	}
	return New(cfg, idx, fe, nil), fe, idx
}

func TestPermanentFailureDowngradesWhenNoCacheHit(t *testing.T) {
	m, fe, _ := newManager(t)
	tm := geodesy.NewTileMetadata(geodesy.Index(47.25, 11.31), 3)

	m.PermanentFailure(tm.ID, tm.SizeID)

	require.NotEmpty(t, fe.jobs)
	for _, j := range fe.jobs {
		require.Equal(t, tm.SizeID-1, j.SizeID)
		require.Equal(t, jobs.Low, j.Priority)
	}
}

func TestPermanentFailureDeduplicates(t *testing.T) {
	m, fe, _ := newManager(t)
	tm := geodesy.NewTileMetadata(geodesy.Index(47.25, 11.31), 3)

	m.PermanentFailure(tm.ID, tm.SizeID)
	first := len(fe.jobs)
	m.PermanentFailure(tm.ID, tm.SizeID)
	require.Equal(t, first, len(fe.jobs))
}

func TestPermanentFailureRestoresFromCacheInsteadOfDowngrading(t *testing.T) {
	m, fe, idx := newManager(t)
	tm := geodesy.NewTileMetadata(geodesy.Index(47.25, 11.31), 3)
	restoredSizeID := tm.SizeID - 2

	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, fmt.Sprintf("%07d.dds", tm.ID))
	require.NoError(t, os.WriteFile(srcPath, []byte("fake-dds-bytes"), 0o644))
	idx.Put(cacheindex.CacheRecord{
		Path: srcPath, ID: tm.ID, SizeID: restoredSizeID,
		Size: 14, LastModified: time.Now(), Width: 2048, Height: 2048,
	})

	m.PermanentFailure(tm.ID, tm.SizeID)
	require.Empty(t, fe.jobs)

	restoredTM := geodesy.NewTileMetadata(tm.ID, restoredSizeID)
	destPath := filepath.Join(m.finalRoot, restoredTM.Dir10(), restoredTM.Dir1(), fmt.Sprintf("%07d.dds", tm.ID))
	_, err := os.Stat(destPath)
	require.NoError(t, err, "restored tile should have been moved into the final tree")
	_, err = os.Stat(srcPath)
	require.True(t, os.IsNotExist(err), "source should no longer exist after the move")

	rec, ok := idx.Get(destPath)
	require.True(t, ok)
	require.Equal(t, restoredSizeID, rec.SizeID)
}

func TestPermanentFailureAbandonsAtCoarsestSize(t *testing.T) {
	dir := t.TempDir()
	idx := cacheindex.New(filepath.Join(dir, "index.json"), "v1", nil)
	fe := &fakeEnqueuer{}
	cfg := Config{
		StagingDir: filepath.Join(dir, "staging"), FinalRoot: filepath.Join(dir, "final"),
		BackupRoot: filepath.Join(dir, "backup"), Retries: 1, CoarsestSize: 2,
	}
	m := New(cfg, idx, fe, nil)
	tm := geodesy.NewTileMetadata(geodesy.Index(47.25, 11.31), 2)

	m.PermanentFailure(tm.ID, tm.SizeID)
	require.Empty(t, fe.jobs)
}
