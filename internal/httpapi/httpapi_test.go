package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/PlayeRom/photoscenery/internal/assembly"
	"github.com/PlayeRom/photoscenery/internal/cacheindex"
	"github.com/PlayeRom/photoscenery/internal/fgfs"
	"github.com/PlayeRom/photoscenery/internal/icao"
	"github.com/PlayeRom/photoscenery/internal/jobs"
	"github.com/PlayeRom/photoscenery/internal/orchestrator"
	"github.com/PlayeRom/photoscenery/internal/statusbus"
)

type stubEnqueuer struct{ pending int64 }

func (s *stubEnqueuer) Enqueue(job jobs.ChunkJob) {}
func (s *stubEnqueuer) Pending() int64            { return s.pending }

type stubScanner struct{}

func (stubScanner) Scan() ([]assembly.AssembledTile, error) { return nil, nil }

type stubRunner struct{ err error }

func (r stubRunner) Run(ctx context.Context, e orchestrator.Enqueuer, s orchestrator.Scanner) error {
	return r.err
}

type stubFGFS struct {
	state string
	snap  *fgfs.Snapshot
}

func (f *stubFGFS) Run(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }
func (f *stubFGFS) State() string                  { return f.state }
func (f *stubFGFS) Latest() *fgfs.Snapshot         { return f.snap }

func newTestServer(t *testing.T) *Server {
	dir := t.TempDir()
	idx := cacheindex.New(filepath.Join(dir, "index.json"), "v1", nil)
	bus := statusbus.New(nil)
	resolver := icao.New(func(code string) (icao.Coord, error) {
		if code == "LOWI" {
			return icao.Coord{Lat: 47.26, Lon: 11.34}, nil
		}
		return icao.Coord{}, icao.ErrNotFound
	})
	return New(Deps{
		Index: idx, Bus: bus,
		Enqueuer: &stubEnqueuer{}, Scanner: stubScanner{},
		ICAO:       resolver,
		FinalRoot:  filepath.Join(dir, "final"),
		StagingDir: filepath.Join(dir, "staging"),
		NewFGFS: func(port int) FGFSDialer {
			return &stubFGFS{state: fgfs.StateConnected}
		},
	})
}

func TestSessionInfoReturnsStartTime(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/session-info", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp sessionInfoResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.False(t, resp.StartTime.IsZero())
}

func TestConnectionStateDefaultsDisconnected(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/connection-state", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "disconnected", body["state"])
}

func TestConnectSwitchesConnectionStateToConnected(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/connect", strings.NewReader(`{"port":5500}`))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/api/connection-state", nil)
	w2 := httptest.NewRecorder()
	s.Router().ServeHTTP(w2, req2)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &body))
	require.Equal(t, "connected", body["state"])
}

func TestResolveICAOReturnsCoordForKnownCode(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/resolve-icao?icao=LOWI", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]float64
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 47.26, body["lat"])
	require.Equal(t, 11.34, body["lon"])
}

func TestResolveICAOReturns404ForUnknownCode(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/resolve-icao?icao=ZZZZ", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestStartJobWithLatLonReturnsJobID(t *testing.T) {
	s := newTestServer(t)
	body := `{"lat":47.25,"lon":11.31,"radius":5,"size":1,"sdwn":1,"mode":"manual"}`
	req := httptest.NewRequest(http.MethodPost, "/api/start-job", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp startJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.JobID)
	require.Equal(t, 47.25, resp.Lat)
}

func TestStartJobWithUnknownICAOReturns404(t *testing.T) {
	s := newTestServer(t)
	body := `{"icao":"ZZZZ","radius":5,"size":1}`
	req := httptest.NewRequest(http.MethodPost, "/api/start-job", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestCompletedJobsDrainsOnRead(t *testing.T) {
	s := newTestServer(t)
	id := s.runOrchestrator(stubRunner{})

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.completed) == 1 && s.completed[0] == id
	}, 2*time.Second, time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/api/completed-jobs", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	var ids []string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ids))
	require.Equal(t, []string{id}, ids)

	w2 := httptest.NewRecorder()
	s.Router().ServeHTTP(w2, req)
	var ids2 []string
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &ids2))
	require.Empty(t, ids2)
}

func TestQueueSizeReturnsEnqueuerPending(t *testing.T) {
	dir := t.TempDir()
	idx := cacheindex.New(filepath.Join(dir, "index.json"), "v1", nil)
	s := New(Deps{Index: idx, Bus: statusbus.New(nil), Enqueuer: &stubEnqueuer{pending: 7}})

	req := httptest.NewRequest(http.MethodGet, "/api/queue-size", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, "7", strings.TrimSpace(w.Body.String()))
}

func TestFillHolesAcceptsAndReturnsJobID(t *testing.T) {
	s := newTestServer(t)
	body := `{"bounds":{"north":47.3,"south":47.2,"east":11.4,"west":11.3},"settings":{"size":1}}`
	req := httptest.NewRequest(http.MethodPost, "/api/fill-holes", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp fillHolesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.JobID)
}

func TestStatusReturnsSnapshotJSON(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var snap statusbus.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
}
