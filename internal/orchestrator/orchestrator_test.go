package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/PlayeRom/photoscenery/internal/assembly"
	"github.com/PlayeRom/photoscenery/internal/cacheindex"
	"github.com/PlayeRom/photoscenery/internal/jobs"
)

func TestEnumerateOrdersByDistanceWhenOmnidirectional(t *testing.T) {
	dir := t.TempDir()
	idx := cacheindex.New(filepath.Join(dir, "index.json"), "v1", nil)
	o := New(Config{
		CenterLat: 47.25, CenterLon: 11.31, RadiusNM: 40,
		BaseSizeID: 4, FloorSizeID: 1, PreCoverageSizeID: 1, StagingDir: dir,
	}, idx, nil)

	cands := o.Enumerate()
	require.NotEmpty(t, cands)
	for i := 1; i < len(cands); i++ {
		require.LessOrEqual(t, cands[i-1].metric, cands[i].metric)
	}
	require.LessOrEqual(t, cands[0].distNM, 40.0)
}

func TestAssignPriorityWithoutHeadingPromotesNearField(t *testing.T) {
	dir := t.TempDir()
	idx := cacheindex.New(filepath.Join(dir, "index.json"), "v1", nil)
	o := New(Config{
		CenterLat: 47.25, CenterLon: 11.31, RadiusNM: 60,
		BaseSizeID: 4, FloorSizeID: 1, NearFieldFraction: 0.25,
	}, idx, nil)

	cands := o.Enumerate()
	require.NotEmpty(t, cands)
	require.Equal(t, jobs.High, cands[0].priority)
	require.Equal(t, jobs.Low, cands[len(cands)-1].priority)
}

func TestAssignPriorityWithHeadingUsesDirectionalCone(t *testing.T) {
	dir := t.TempDir()
	idx := cacheindex.New(filepath.Join(dir, "index.json"), "v1", nil)
	heading := 0.0 // due north
	o := New(Config{
		CenterLat: 47.25, CenterLon: 11.31, RadiusNM: 60,
		BaseSizeID: 4, FloorSizeID: 1, HeadingDeg: &heading,
		DirectionalHalfAngleDeg: 45,
	}, idx, nil)

	cands := o.Enumerate()
	require.NotEmpty(t, cands)
	for _, c := range cands {
		if angularDelta(c.bearing, heading) <= 45 {
			require.Equal(t, jobs.High, c.priority)
		} else {
			require.Equal(t, jobs.Low, c.priority)
		}
	}
}

type stubEnqueuer struct {
	jobs    []jobs.ChunkJob
	pending int64
}

func (s *stubEnqueuer) Enqueue(job jobs.ChunkJob) { s.jobs = append(s.jobs, job) }
func (s *stubEnqueuer) Pending() int64            { return s.pending }

type stubScanner struct{}

func (stubScanner) Scan() ([]assembly.AssembledTile, error) { return nil, nil }

func TestEnumerateBoundsCoversRectangle(t *testing.T) {
	tiles := EnumerateBounds(Bounds{North: 47.5, South: 47.0, East: 11.6, West: 11.0}, 2)
	require.NotEmpty(t, tiles)
	for _, tm := range tiles {
		require.Equal(t, 2, tm.SizeID)
		require.GreaterOrEqual(t, tm.LatC, 47.0)
		require.LessOrEqual(t, tm.LatC, 47.5)
	}
}

func TestFillHolesDispatchesJobsWhenNothingIsCached(t *testing.T) {
	dir := t.TempDir()
	idx := cacheindex.New(filepath.Join(dir, "index.json"), "v1", nil)

	enq := &stubEnqueuer{}
	n, err := FillHoles(context.Background(), FillHolesConfig{
		Bounds:      Bounds{North: 47.3, South: 47.2, East: 11.4, West: 11.3},
		SizeID:      1,
		StagingDir:  dir,
		GraceWindow: 20 * time.Millisecond,
		HardTimeout: time.Second,
	}, idx, enq, stubScanner{}, nil)

	require.NoError(t, err)
	require.Greater(t, n, 0)
	require.Len(t, enq.jobs, n)
}

func TestRunSettlesWhenPendingStaysZero(t *testing.T) {
	dir := t.TempDir()
	idx := cacheindex.New(filepath.Join(dir, "index.json"), "v1", nil)
	o := New(Config{
		CenterLat: 47.25, CenterLon: 11.31, RadiusNM: 5,
		BaseSizeID: 1, FloorSizeID: 1, PreCoverageSizeID: 1, StagingDir: dir,
		AssemblyInterval: 20 * time.Millisecond,
		GraceWindow:      50 * time.Millisecond,
		HardTimeout:      2 * time.Second,
	}, idx, nil)

	enq := &stubEnqueuer{}
	ctx := context.Background()
	err := o.Run(ctx, enq, stubScanner{})
	require.NoError(t, err)
	require.NotEmpty(t, enq.jobs)
}
