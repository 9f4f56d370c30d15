package assembly

import (
	"bytes"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/PlayeRom/photoscenery/internal/cacheindex"
	"github.com/PlayeRom/photoscenery/internal/dxt1"
	"github.com/PlayeRom/photoscenery/internal/geodesy"
	"github.com/PlayeRom/photoscenery/internal/jobs"
	"github.com/PlayeRom/photoscenery/internal/placement"
)

// writeSolidPNG writes a width x height solid-color PNG to path, padded
// on disk (past the IEND chunk, which png.Decode ignores) to at least
// minChunkBytes — a uniform test image compresses well below that floor
// on its own, and the padding keeps these tests exercising the same
// staging-completeness check real chunk downloads hit.
func writeSolidPNG(t *testing.T, path string, width, height int, c byte) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for i := range img.Pix {
		img.Pix[i] = c
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	data := buf.Bytes()
	if len(data) < minChunkBytes {
		data = append(data, make([]byte, minChunkBytes-len(data))...)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func newTestMonitor(t *testing.T) (*Monitor, string) {
	dir := t.TempDir()
	stagingDir := filepath.Join(dir, "staging")
	require.NoError(t, os.MkdirAll(stagingDir, 0o755))
	idx := cacheindex.New(filepath.Join(dir, "index.json"), "v1", nil)
	mon, err := New(stagingDir, filepath.Join(dir, "final"), filepath.Join(dir, "backup"),
		placement.OverwriteAlways, idx, filepath.Join(dir, "claims.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { mon.Close() })
	return mon, stagingDir
}

func TestScanAssemblesSingleChunkTile(t *testing.T) {
	mon, stagingDir := newTestMonitor(t)
	tm := geodesy.NewTileMetadata(geodesy.Index(47.25, 11.31), 2) // cols == 1

	name := jobs.StagingFileName(tm.ID, tm.SizeID, 1, 1, 1)
	writeSolidPNG(t, filepath.Join(stagingDir, name), tm.WidthPx, tm.WidthPx, 128)

	results, err := mon.Scan()
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, tm.ID, results[0].TileID)
	require.NoFileExists(t, filepath.Join(stagingDir, name))

	// Re-scanning after the chunk files are gone must not reprocess.
	results2, err := mon.Scan()
	require.NoError(t, err)
	require.Empty(t, results2)
}

func TestScanWaitsForAllChunks(t *testing.T) {
	mon, stagingDir := newTestMonitor(t)
	tm := geodesy.NewTileMetadata(geodesy.Index(47.25, 11.31), 3) // cols == 2, total == 4
	chunkW := tm.WidthPx / tm.Cols

	for y := 1; y <= tm.Cols; y++ {
		for x := 1; x <= tm.Cols; x++ {
			if y == tm.Cols && x == tm.Cols {
				continue // leave one chunk missing
			}
			yFlipped := tm.Cols - y + 1
			name := jobs.StagingFileName(tm.ID, tm.SizeID, tm.Cols*tm.Cols, yFlipped, x)
			writeSolidPNG(t, filepath.Join(stagingDir, name), chunkW, chunkW, 64)
		}
	}

	results, err := mon.Scan()
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestScanAssemblesCompleteGrid(t *testing.T) {
	mon, stagingDir := newTestMonitor(t)
	tm := geodesy.NewTileMetadata(geodesy.Index(47.25, 11.31), 3)
	chunkW := tm.WidthPx / tm.Cols
	total := tm.Cols * tm.Cols

	for y := 1; y <= tm.Cols; y++ {
		for x := 1; x <= tm.Cols; x++ {
			yFlipped := tm.Cols - y + 1
			name := jobs.StagingFileName(tm.ID, tm.SizeID, total, yFlipped, x)
			writeSolidPNG(t, filepath.Join(stagingDir, name), chunkW, chunkW, 64)
		}
	}

	results, err := mon.Scan()
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, placement.DecisionPlace, results[0].Decision)
}

func TestScanAssemblesNonSquareChunks(t *testing.T) {
	mon, stagingDir := newTestMonitor(t)
	tm := geodesy.NewTileMetadata(geodesy.Index(65.0, 11.31), 3) // outside the equatorial band: aspect != 1
	chunkJobs := jobs.Generate(tm, stagingDir, 1, jobs.High)
	require.NotEmpty(t, chunkJobs)
	require.NotEqual(t, chunkJobs[0].PixelSize.W, chunkJobs[0].PixelSize.H, "fixture should exercise a non-square chunk")

	total := tm.Cols * tm.Cols
	for _, j := range chunkJobs {
		yFlipped := tm.Cols - j.ChunkY + 1
		name := jobs.StagingFileName(j.TileID, j.SizeID, total, yFlipped, j.ChunkX)
		writeSolidPNG(t, filepath.Join(stagingDir, name), j.PixelSize.W, j.PixelSize.H, 200)
	}

	results, err := mon.Scan()
	require.NoError(t, err)
	require.Len(t, results, 1)

	img, err := dxt1.DecodeFile(results[0].Path)
	require.NoError(t, err)
	b := img.Bounds()
	require.Equal(t, chunkJobs[0].PixelSize.W*tm.Cols, b.Dx())
	require.Equal(t, chunkJobs[0].PixelSize.H*tm.Cols, b.Dy())
}

func TestScanIgnoresGroupBelowMinChunkBytes(t *testing.T) {
	mon, stagingDir := newTestMonitor(t)
	tm := geodesy.NewTileMetadata(geodesy.Index(47.25, 11.31), 2) // cols == 1

	name := jobs.StagingFileName(tm.ID, tm.SizeID, 1, 1, 1)
	// A real, decodable but tiny PNG: well under minChunkBytes regardless
	// of compression, so the size check — not a decode failure — is what
	// this test exercises.
	img := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.Less(t, buf.Len(), minChunkBytes)
	require.NoError(t, os.WriteFile(filepath.Join(stagingDir, name), buf.Bytes(), 0o644))

	results, err := mon.Scan()
	require.NoError(t, err)
	require.Empty(t, results)
}
