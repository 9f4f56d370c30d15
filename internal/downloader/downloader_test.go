package downloader

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/PlayeRom/photoscenery/internal/jobs"
	"github.com/PlayeRom/photoscenery/internal/mapserver"
)

type fakeStatus struct {
	done, failed int
	bytes        int64
	states       []string
}

func (f *fakeStatus) ChunkState(tileID, sizeID, x, y int, state string) { f.states = append(f.states, state) }
func (f *fakeStatus) AddBytes(n int64)                                  { f.bytes += n }
func (f *fakeStatus) IncDone()                                          { f.done++ }
func (f *fakeStatus) IncFailed()                                        { f.failed++ }

type fakeFallback struct {
	calls int
}

func (f *fakeFallback) PermanentFailure(tileID, sizeID int) { f.calls++ }

func tinyPNG() []byte {
	// 1x1 transparent PNG: valid signature + IHDR, and fully decodable.
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 1, 1))); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func TestValidatePNGSignature(t *testing.T) {
	require.True(t, validatePNGSignature(tinyPNG()))
	require.False(t, validatePNGSignature([]byte("not a png")))
}

func TestEscalatedTimeoutGrows(t *testing.T) {
	base := 10 * time.Second
	cap_ := 60 * time.Second
	t0 := escalatedTimeout(base, 1.5, cap_, 0)
	t1 := escalatedTimeout(base, 1.5, cap_, 3)
	require.Equal(t, base, t0)
	require.Greater(t, t1, t0)
	require.LessOrEqual(t, t1, cap_)
}

func TestBackoffSleepCaps(t *testing.T) {
	max := 5 * time.Second
	s := backoffSleep(2.0, max, 10)
	require.Equal(t, max, s)
}

func TestPoolDownloadsAndPlaces(t *testing.T) {
	png := tinyPNG()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(png)
	}))
	defer srv.Close()

	dir := t.TempDir()
	stagingPath := filepath.Join(dir, "staging.png")

	server := mapserver.Server{ID: 1, URLBase: srv.URL, URLTemplate: "/tile"}
	status := &fakeStatus{}
	fb := &fakeFallback{}
	cfg := DefaultConfig()
	cfg.Workers = 1
	pool := NewPool(cfg, server, status, fb, nil)

	job := jobs.ChunkJob{
		TileID: 1, SizeID: 2, ChunkX: 1, ChunkY: 1, Total: 1,
		BBox:        jobs.BBox{LonLL: 11, LatLL: 47, LonUR: 11.1, LatUR: 47.1},
		PixelSize:   jobs.PixelSize{W: 256, H: 256},
		StagingPath: stagingPath,
		RetriesLeft: 2,
		Priority:    jobs.High,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pool.Start(ctx)
	pool.Enqueue(job)

	deadline := time.Now().Add(3 * time.Second)
	for pool.Done() == 0 && pool.Failed() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	pool.Wait()

	require.EqualValues(t, 1, status.done)
	require.FileExists(t, stagingPath)
	data, err := os.ReadFile(stagingPath)
	require.NoError(t, err)
	require.Equal(t, png, data)
}

func TestPoolRoutesPermanentFailureToFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	server := mapserver.Server{ID: 1, URLBase: srv.URL, URLTemplate: "/missing"}
	status := &fakeStatus{}
	fb := &fakeFallback{}
	cfg := DefaultConfig()
	cfg.Workers = 1
	pool := NewPool(cfg, server, status, fb, nil)

	job := jobs.ChunkJob{
		TileID: 9, SizeID: 1, ChunkX: 1, ChunkY: 1, Total: 1,
		BBox:        jobs.BBox{LonLL: 11, LatLL: 47, LonUR: 11.1, LatUR: 47.1},
		PixelSize:   jobs.PixelSize{W: 256, H: 256},
		StagingPath: filepath.Join(dir, "x.png"),
		RetriesLeft: 1,
		Priority:    jobs.Low,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pool.Start(ctx)
	pool.Enqueue(job)

	deadline := time.Now().Add(3 * time.Second)
	for fb.calls == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	pool.Wait()

	require.Equal(t, 1, fb.calls)
	require.EqualValues(t, 1, status.failed)
}
