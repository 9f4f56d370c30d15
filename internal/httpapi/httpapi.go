// Package httpapi implements the control-plane HTTP server: the
// live-position bridge to the FlightGear client, session/job
// lifecycle, the fill-holes and ICAO-resolution endpoints, a preview
// transcode endpoint, and the catch-all static file server for the
// (out-of-scope) web UI.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
	xdraw "golang.org/x/image/draw"

	"github.com/PlayeRom/photoscenery/internal/cacheindex"
	"github.com/PlayeRom/photoscenery/internal/dxt1"
	"github.com/PlayeRom/photoscenery/internal/fgfs"
	"github.com/PlayeRom/photoscenery/internal/icao"
	"github.com/PlayeRom/photoscenery/internal/orchestrator"
	"github.com/PlayeRom/photoscenery/internal/statusbus"
)

// SessionRunner starts one acquisition run and blocks until it
// settles, fails, or ctx is canceled. The orchestrator itself
// implements this for /api/start-job.
type SessionRunner interface {
	Run(ctx context.Context, enqueuer orchestrator.Enqueuer, scanner orchestrator.Scanner) error
}

// FGFSDialer starts a live-position client against a given TCP port
// and runs it until ctx is canceled. *fgfs.Client satisfies this.
type FGFSDialer interface {
	Run(ctx context.Context) error
	State() string
	Latest() *fgfs.Snapshot
}

// Deps bundles everything the control plane needs to serve requests.
type Deps struct {
	Index      *cacheindex.Index
	Bus        *statusbus.Bus
	Enqueuer   orchestrator.Enqueuer
	Scanner    orchestrator.Scanner
	ICAO       *icao.Resolver
	FinalRoot  string
	StagingDir string
	WebDir     string
	Retries    int
	Shutdown   context.CancelFunc
	Log        *logrus.Entry

	// NewFGFS constructs a live-position client for a given port. It is
	// a factory rather than a fixed Deps field because /api/connect may
	// be called more than once against different ports.
	NewFGFS func(port int) FGFSDialer
}

type jobState struct {
	ID        string
	StartedAt time.Time
	Status    string // "running", "done", "error", "canceled"
	Err       string
	cancel    context.CancelFunc
}

// Server wraps the gorilla/mux router and job/connection bookkeeping
// for the control plane.
type Server struct {
	deps      Deps
	log       *logrus.Entry
	startedAt time.Time

	mu        sync.Mutex
	jobs      map[string]*jobState
	completed []string

	fgfsMu     sync.Mutex
	fgfs       FGFSDialer
	fgfsCancel context.CancelFunc
}

// New constructs the control-plane Server.
func New(deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{
		deps:      deps,
		log:       log.WithField("component", "httpapi"),
		startedAt: time.Now(),
		jobs:      make(map[string]*jobState),
	}
}

// Router builds the full mux.Router: the named JSON endpoints under
// /api, /preview, and a catch-all static file server for everything
// else.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter().StrictSlash(false)
	router.Use(loggingMiddleware)

	api := router.NewRoute().Subrouter()
	api.Use(corsMiddleware)

	api.Path("/api/session-info").HandlerFunc(s.handleSessionInfo).Methods(http.MethodGet)
	api.Path("/api/connection-state").HandlerFunc(s.handleConnectionState).Methods(http.MethodGet)
	api.Path("/api/connect").HandlerFunc(s.handleConnect).Methods(http.MethodPost)
	api.Path("/api/disconnect").HandlerFunc(s.handleDisconnect).Methods(http.MethodPost)
	api.Path("/api/fgfs-status").HandlerFunc(s.handleFGFSStatus).Methods(http.MethodGet)
	api.Path("/api/start-job").HandlerFunc(s.handleStartJob).Methods(http.MethodPost)
	api.Path("/api/fill-holes").HandlerFunc(s.handleFillHoles).Methods(http.MethodPost)
	api.Path("/api/completed-jobs").HandlerFunc(s.handleCompletedJobs).Methods(http.MethodGet)
	api.Path("/api/queue-size").HandlerFunc(s.handleQueueSize).Methods(http.MethodGet)
	api.Path("/api/shutdown").HandlerFunc(s.handleShutdown).Methods(http.MethodPost)
	api.Path("/api/resolve-icao").HandlerFunc(s.handleResolveICAO).Methods(http.MethodGet)
	api.Path("/status").HandlerFunc(s.handleStatus).Methods(http.MethodGet)
	api.Path("/status/ws").HandlerFunc(s.handleStatusWS)
	api.Path("/preview").HandlerFunc(s.handlePreview).Methods(http.MethodGet)

	router.PathPrefix("/").Handler(corsMiddleware(http.HandlerFunc(s.handleStatic)))
	return router
}

type sessionInfoResponse struct {
	StartTime  time.Time `json:"startTime"`
	UptimeSec  float64   `json:"uptimeSec"`
	CPUPercent float64   `json:"cpuPercent"`
	MemUsedMB  float64   `json:"memUsedMB"`
}

func (s *Server) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	resp := sessionInfoResponse{
		StartTime: s.startedAt,
		UptimeSec: time.Since(s.startedAt).Seconds(),
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		resp.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp.MemUsedMB = float64(vm.Used) / (1024 * 1024)
	}
	writeJSON(w, resp)
}

func (s *Server) handleConnectionState(w http.ResponseWriter, r *http.Request) {
	s.fgfsMu.Lock()
	client := s.fgfs
	s.fgfsMu.Unlock()

	state := fgfs.StateDisconnected
	if client != nil {
		state = client.State()
	}
	writeJSON(w, map[string]string{"state": state})
}

type connectRequest struct {
	Port int `json:"port"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Port <= 0 {
		http.Error(w, "invalid port", http.StatusBadRequest)
		return
	}
	if s.deps.NewFGFS == nil {
		http.Error(w, "live position client not configured", http.StatusInternalServerError)
		return
	}

	s.fgfsMu.Lock()
	if s.fgfsCancel != nil {
		s.fgfsCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	client := s.deps.NewFGFS(req.Port)
	s.fgfs, s.fgfsCancel = client, cancel
	s.fgfsMu.Unlock()

	go func() {
		if err := client.Run(ctx); err != nil && ctx.Err() == nil {
			s.log.WithError(err).Warn("flightgear client exited")
		}
	}()

	deadline := time.Now().Add(3 * time.Second)
	for client.State() != fgfs.StateConnected {
		if time.Now().After(deadline) {
			http.Error(w, "timed out waiting for flightgear connection", http.StatusInternalServerError)
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.fgfsMu.Lock()
	if s.fgfsCancel != nil {
		s.fgfsCancel()
	}
	s.fgfs, s.fgfsCancel = nil, nil
	s.fgfsMu.Unlock()
	w.WriteHeader(http.StatusOK)
}

type fgfsStatusResponse struct {
	Active   bool    `json:"active"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Heading  float64 `json:"heading"`
	Altitude float64 `json:"altitude"`
	Speed    float64 `json:"speed"`
}

func (s *Server) handleFGFSStatus(w http.ResponseWriter, r *http.Request) {
	s.fgfsMu.Lock()
	client := s.fgfs
	s.fgfsMu.Unlock()

	resp := fgfsStatusResponse{}
	if client != nil {
		if snap := client.Latest(); snap != nil {
			resp = fgfsStatusResponse{
				Active:   true,
				Lat:      snap.LatDeg,
				Lon:      snap.LonDeg,
				Heading:  snap.HeadingDeg,
				Altitude: snap.AltitudeMSLFt,
				Speed:    snap.SpeedMPH,
			}
		}
	}
	writeJSON(w, resp)
}

type startJobRequest struct {
	Lat    *float64 `json:"lat"`
	Lon    *float64 `json:"lon"`
	ICAO   string   `json:"icao"`
	Radius float64  `json:"radius"`
	Size   int      `json:"size"`
	Over   int      `json:"over"`
	Sdwn   int      `json:"sdwn"`
	Mode   string   `json:"mode"`
}

type startJobResponse struct {
	JobID  string  `json:"jobId"`
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	Radius float64 `json:"radius"`
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	var req startJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	lat, lon, err := s.resolveOrigin(req.Lat, req.Lon, req.ICAO)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	heading := s.directionalHeading(req.Mode)
	cfg := orchestrator.Config{
		CenterLat: lat, CenterLon: lon, RadiusNM: req.Radius,
		BaseSizeID: req.Size, FloorSizeID: req.Sdwn, HeadingDeg: heading,
		StagingDir: s.deps.StagingDir, Retries: s.deps.Retries,
	}

	id := s.runOrchestrator(orchestrator.New(cfg, s.deps.Index, s.log))

	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, startJobResponse{JobID: id, Lat: lat, Lon: lon, Radius: req.Radius})
}

// directionalHeading returns nil (omnidirectional) for "manual" mode
// and callers that don't supply a heading; "daa" (direct-ahead-of-aircraft)
// mode needs the live FlightGear heading, which is only available once
// /api/connect has been called.
func (s *Server) directionalHeading(mode string) *float64 {
	if mode != "daa" {
		return nil
	}
	s.fgfsMu.Lock()
	client := s.fgfs
	s.fgfsMu.Unlock()
	if client == nil {
		return nil
	}
	snap := client.Latest()
	if snap == nil {
		return nil
	}
	h := snap.HeadingDeg
	return &h
}

func (s *Server) resolveOrigin(lat, lon *float64, code string) (float64, float64, error) {
	if lat != nil && lon != nil {
		return *lat, *lon, nil
	}
	if code == "" {
		return 0, 0, fmt.Errorf("must supply either lat/lon or icao")
	}
	if s.deps.ICAO == nil {
		return 0, 0, fmt.Errorf("icao resolution not configured")
	}
	coord, err := s.deps.ICAO.Resolve(code)
	if err != nil {
		return 0, 0, err
	}
	return coord.Lat, coord.Lon, nil
}

// runOrchestrator launches runner in the background under a uuid job
// ID, tracking it in s.jobs and appending to s.completed once it
// settles, for /api/completed-jobs to drain.
func (s *Server) runOrchestrator(runner SessionRunner) string {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	st := &jobState{ID: id, StartedAt: time.Now(), Status: "running", cancel: cancel}

	s.mu.Lock()
	s.jobs[id] = st
	s.mu.Unlock()

	go func() {
		err := runner.Run(ctx, s.deps.Enqueuer, s.deps.Scanner)
		s.mu.Lock()
		switch {
		case ctx.Err() != nil && err != nil:
			st.Status = "canceled"
		case err != nil:
			st.Status = "error"
			st.Err = err.Error()
		default:
			st.Status = "done"
		}
		s.completed = append(s.completed, id)
		s.mu.Unlock()
	}()
	return id
}

type fillHolesRequest struct {
	Bounds struct {
		North, South, East, West float64
	} `json:"bounds"`
	Settings struct {
		Size int `json:"size"`
		Over int `json:"over"`
		Sdwn int `json:"sdwn"`
	} `json:"settings"`
}

type fillHolesResponse struct {
	Status string `json:"status"`
	JobID  string `json:"jobId"`
}

func (s *Server) handleFillHoles(w http.ResponseWriter, r *http.Request) {
	var req fillHolesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	id := uuid.NewString()
	bounds := orchestrator.Bounds{North: req.Bounds.North, South: req.Bounds.South, East: req.Bounds.East, West: req.Bounds.West}
	cfg := orchestrator.FillHolesConfig{
		Bounds: bounds, SizeID: req.Settings.Size, FloorSizeID: req.Settings.Sdwn,
		StagingDir: s.deps.StagingDir, Retries: s.deps.Retries,
	}

	s.mu.Lock()
	s.jobs[id] = &jobState{ID: id, StartedAt: time.Now(), Status: "running"}
	s.mu.Unlock()

	go func() {
		_, err := orchestrator.FillHoles(context.Background(), cfg, s.deps.Index, s.deps.Enqueuer, s.deps.Scanner, s.log)
		s.mu.Lock()
		st := s.jobs[id]
		if err != nil {
			st.Status, st.Err = "error", err.Error()
		} else {
			st.Status = "done"
		}
		s.completed = append(s.completed, id)
		s.mu.Unlock()
	}()

	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, fillHolesResponse{Status: "queued", JobID: id})
}

// handleCompletedJobs drains and returns the completed-job ID queue as
// a JSON array, emptying it on every read.
func (s *Server) handleCompletedJobs(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	ids := s.completed
	s.completed = nil
	s.mu.Unlock()
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, ids)
}

func (s *Server) handleQueueSize(w http.ResponseWriter, r *http.Request) {
	var n int64
	if s.deps.Enqueuer != nil {
		n = s.deps.Enqueuer.Pending()
	}
	writeJSON(w, n)
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	go func() {
		time.Sleep(100 * time.Millisecond)
		if s.deps.Shutdown != nil {
			s.deps.Shutdown()
		}
		os.Exit(0)
	}()
}

func (s *Server) handleResolveICAO(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("icao")
	if code == "" || s.deps.ICAO == nil {
		http.Error(w, "unknown icao code", http.StatusNotFound)
		return
	}
	coord, err := s.deps.ICAO.Resolve(code)
	if err != nil {
		http.Error(w, "unknown icao code", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]float64{"lat": coord.Lat, "lon": coord.Lon})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.deps.Bus.Snapshot())
}

func (s *Server) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Bus.HandleWebsocket(w, r); err != nil {
		s.log.WithError(err).Warn("status websocket upgrade failed")
	}
}

// handlePreview transcodes a cached DDS tile to PNG, resolved by tile
// ID through the cache index, optionally resized via ?w=, using
// x/image/draw's quality scaler the way other_examples/stadia_tiles.go
// composites map backgrounds.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	idStr := r.URL.Query().Get("id")
	tileID, err := strconv.Atoi(idStr)
	if err != nil {
		http.Error(w, "missing or invalid id parameter", http.StatusBadRequest)
		return
	}

	records := s.deps.Index.ByID(tileID)
	if len(records) == 0 {
		http.Error(w, "tile not cached", http.StatusNotFound)
		return
	}
	best := records[0]
	for _, r := range records[1:] {
		if r.SizeID > best.SizeID {
			best = r
		}
	}

	img, err := dxt1.DecodeFile(best.Path)
	if err != nil {
		http.Error(w, fmt.Sprintf("decode failed: %v", err), http.StatusInternalServerError)
		return
	}

	width := 0
	fmt.Sscanf(r.URL.Query().Get("w"), "%d", &width)
	if width > 0 && width != img.Bounds().Dx() {
		dst := image.NewNRGBA(image.Rect(0, 0, width, width))
		xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
		img = dst
	}

	w.Header().Set("Content-Type", "image/png")
	if err := png.Encode(w, img); err != nil {
		s.log.WithError(err).Warn("preview encode failed")
	}
}

// handleStatic serves the bundled web UI's static files, setting the
// content type from the file extension. The UI itself is an
// out-of-scope external collaborator; this only serves whatever WebDir
// is configured.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if s.deps.WebDir == "" {
		http.NotFound(w, r)
		return
	}
	path := filepath.Clean(r.URL.Path)
	if path == "/" || path == "." {
		path = "/index.html"
	}
	full := filepath.Join(s.deps.WebDir, path)
	if ct := mime.TypeByExtension(filepath.Ext(full)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	http.ServeFile(w, r, full)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}
