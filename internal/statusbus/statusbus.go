// Package statusbus implements the acquisition-session status feed:
// atomic progress counters, a per-tile chunk-state grid, a bounded
// log-line channel, and a websocket broadcast of snapshots to
// connected control-plane clients.
package statusbus

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/montanaflynn/stats"
	"github.com/olahol/melody"
	"github.com/sirupsen/logrus"
)

const defaultLogCapacity = 512
const maxChunkSizeSamples = 4096

// ChunkGridEntry is one chunk's last-known state, exposed in Snapshot.
type ChunkGridEntry struct {
	X, Y  int
	State string
}

// ChunkSizeStats mirrors the Mean/Median/Min/Max summary idiom used
// elsewhere in this ecosystem for per-item numeric distributions.
type ChunkSizeStats struct {
	Mean, Median, Min, Max float64
}

// Snapshot is the JSON document broadcast to websocket clients and
// served from the HTTP status endpoint.
type Snapshot struct {
	StartedAt      time.Time                    `json:"started_at"`
	Uptime         string                        `json:"uptime"`
	TilesPlanned   int64                         `json:"tiles_planned"`
	TilesDone      int64                         `json:"tiles_done"`
	TilesFailed    int64                         `json:"tiles_failed"`
	BytesTotal     int64                         `json:"bytes_total"`
	BytesHuman     string                        `json:"bytes_human"`
	ChunkSize      ChunkSizeStats                `json:"chunk_size_bytes"`
	Grid           map[string][]ChunkGridEntry   `json:"grid"`
	RecentLogLines []string                      `json:"recent_log_lines"`
}

// Bus is the process-wide status sink for one acquisition session. It
// implements downloader.StatusSink.
type Bus struct {
	mu      sync.Mutex
	grid    map[int]map[string]string // tileID -> "x:y" -> state
	samples []float64                 // recent downloaded-chunk byte sizes

	started time.Time
	planned int64
	done    int64
	failed  int64
	bytes   int64

	logs     chan string
	recent   []string
	melodyIn *melody.Melody
	log      *logrus.Entry
}

// New constructs a Bus with a bounded log-line backlog.
func New(log *logrus.Entry) *Bus {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	b := &Bus{
		grid:     make(map[int]map[string]string),
		started:  time.Now(),
		logs:     make(chan string, defaultLogCapacity),
		melodyIn: melody.New(),
		log:      log.WithField("component", "statusbus"),
	}
	b.melodyIn.HandleConnect(func(s *melody.Session) {
		clientID := uuid.NewString()
		s.Set("client_id", clientID)
		b.log.WithField("client_id", clientID).Debug("status websocket client connected")
		if body, err := json.Marshal(b.Snapshot()); err == nil {
			s.Write(body)
		}
	})
	return b
}

// SetPlanned records the total tile count an orchestrator session
// intends to acquire, for progress-fraction reporting.
func (b *Bus) SetPlanned(n int64) { atomic.StoreInt64(&b.planned, n) }

// ChunkState implements downloader.StatusSink: records the chunk's new
// state in the grid and emits a log line.
func (b *Bus) ChunkState(tileID, sizeID, x, y int, state string) {
	b.mu.Lock()
	row, ok := b.grid[tileID]
	if !ok {
		row = make(map[string]string)
		b.grid[tileID] = row
	}
	row[fmt.Sprintf("%d:%d", x, y)] = state
	b.mu.Unlock()

	b.logLine(fmt.Sprintf("tile=%d size=%d chunk=(%d,%d) -> %s", tileID, sizeID, x, y, state))
}

// AddBytes implements downloader.StatusSink, recording the size of one
// completed chunk download both as a running total and as a sample for
// the chunk-size distribution summary.
func (b *Bus) AddBytes(n int64) {
	atomic.AddInt64(&b.bytes, n)
	b.mu.Lock()
	b.samples = append(b.samples, float64(n))
	if len(b.samples) > maxChunkSizeSamples {
		b.samples = b.samples[len(b.samples)-maxChunkSizeSamples:]
	}
	b.mu.Unlock()
}

// IncDone implements downloader.StatusSink.
func (b *Bus) IncDone() { atomic.AddInt64(&b.done, 1) }

// IncFailed implements downloader.StatusSink.
func (b *Bus) IncFailed() { atomic.AddInt64(&b.failed, 1) }

func (b *Bus) logLine(line string) {
	stamped := time.Now().Format("15:04:05.000") + " " + line
	select {
	case b.logs <- stamped:
	default:
		// Backlog full; drop the oldest entry to make room rather than
		// block the caller (a download worker).
		select {
		case <-b.logs:
			b.logs <- stamped
		default:
		}
	}
	b.mu.Lock()
	b.recent = append(b.recent, stamped)
	if len(b.recent) > 50 {
		b.recent = b.recent[len(b.recent)-50:]
	}
	b.mu.Unlock()

	b.broadcast()
}

// Logs returns the channel log lines are published on, for a consumer
// that wants to tail the session (e.g. a CLI progress view).
func (b *Bus) Logs() <-chan string { return b.logs }

// Snapshot renders the current session state, including the
// Mean/Median/Min/Max chunk-size distribution computed with
// montanaflynn/stats.
func (b *Bus) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	grid := make(map[string][]ChunkGridEntry, len(b.grid))
	for tileID, row := range b.grid {
		entries := make([]ChunkGridEntry, 0, len(row))
		for key, state := range row {
			var x, y int
			fmt.Sscanf(key, "%d:%d", &x, &y)
			entries = append(entries, ChunkGridEntry{X: x, Y: y, State: state})
		}
		grid[fmt.Sprintf("%d", tileID)] = entries
	}

	recent := append([]string(nil), b.recent...)

	bytesTotal := atomic.LoadInt64(&b.bytes)
	return Snapshot{
		StartedAt:      b.started,
		Uptime:         time.Since(b.started).Round(time.Second).String(),
		TilesPlanned:   atomic.LoadInt64(&b.planned),
		TilesDone:      atomic.LoadInt64(&b.done),
		TilesFailed:    atomic.LoadInt64(&b.failed),
		BytesTotal:     bytesTotal,
		BytesHuman:     humanize.Bytes(uint64(bytesTotal)),
		ChunkSize:      chunkSizeStats(b.samples),
		Grid:           grid,
		RecentLogLines: recent,
	}
}

func chunkSizeStats(samples []float64) ChunkSizeStats {
	if len(samples) == 0 {
		return ChunkSizeStats{}
	}
	data := stats.Float64Data(samples)
	mean, _ := data.Mean()
	median, _ := data.Median()
	min, _ := data.Min()
	max, _ := data.Max()
	return ChunkSizeStats{Mean: mean, Median: median, Min: min, Max: max}
}

// broadcast publishes the current snapshot to every connected websocket
// client, best-effort.
func (b *Bus) broadcast() {
	snap := b.Snapshot()
	body, err := json.Marshal(snap)
	if err != nil {
		b.log.WithError(err).Debug("snapshot marshal failed")
		return
	}
	if err := b.melodyIn.Broadcast(body); err != nil {
		b.log.WithError(err).Debug("websocket broadcast failed")
	}
}

// HandleWebsocket upgrades r to a websocket connection and registers it
// for snapshot broadcasts, pushing the current snapshot immediately on
// connect.
func (b *Bus) HandleWebsocket(w http.ResponseWriter, r *http.Request) error {
	return b.melodyIn.HandleRequest(w, r)
}

// Melody exposes the underlying *melody.Melody for callers (the HTTP
// control plane) that need to register connect/disconnect hooks.
func (b *Bus) Melody() *melody.Melody { return b.melodyIn }
