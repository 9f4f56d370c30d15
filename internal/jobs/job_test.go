package jobs

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/PlayeRom/photoscenery/internal/geodesy"
	"github.com/stretchr/testify/require"
)

func TestGeneratePartitionsExactly(t *testing.T) {
	dir := t.TempDir()
	tm := geodesy.NewTileMetadata(geodesy.Index(47.25, 11.31), 4) // size_id 4 -> cols 4
	jobsOut := Generate(tm, dir, 3, High)
	require.Len(t, jobsOut, tm.Cols*tm.Cols)

	var minLon, minLat = math.MaxFloat64, math.MaxFloat64
	var maxLon, maxLat = -math.MaxFloat64, -math.MaxFloat64
	for _, j := range jobsOut {
		if j.BBox.LonLL < minLon {
			minLon = j.BBox.LonLL
		}
		if j.BBox.LatLL < minLat {
			minLat = j.BBox.LatLL
		}
		if j.BBox.LonUR > maxLon {
			maxLon = j.BBox.LonUR
		}
		if j.BBox.LatUR > maxLat {
			maxLat = j.BBox.LatUR
		}
	}
	require.InDelta(t, tm.LonLL, minLon, 1e-9)
	require.InDelta(t, tm.LatLL, minLat, 1e-9)
	require.InDelta(t, tm.LonUR, maxLon, 1e-9)
	require.InDelta(t, tm.LatUR, maxLat, 1e-9)
}

func TestGenerateSkipsCompletedStaging(t *testing.T) {
	dir := t.TempDir()
	tm := geodesy.NewTileMetadata(geodesy.Index(0.05, 0.05), 0) // cols 1
	total := tm.Cols * tm.Cols
	name := StagingFileName(tm.ID, tm.SizeID, total, 1, 1)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, make([]byte, 2048), 0o644))

	out := Generate(tm, dir, 3, Low)
	require.Empty(t, out)
}

func TestGeneratePreCoverage(t *testing.T) {
	dir := t.TempDir()
	tm := geodesy.NewTileMetadata(geodesy.Index(47.25, 11.31), 4)
	job := GeneratePreCoverage(tm, 1, dir, 3, High)
	require.NotNil(t, job)
	require.Equal(t, 1, job.Total)
	require.Equal(t, 1, job.ChunkX)
	require.Equal(t, 1, job.ChunkY)
}
