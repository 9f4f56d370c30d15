// Package sessionsummary persists a small JSON record of one
// acquisition session once the orchestrator settles: tiles requested,
// completed, and failed, elapsed duration, and bytes downloaded. It is
// written alongside the cache index, independent of the coverage
// snapshot, for post-hoc session review.
package sessionsummary

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Summary is one completed (or timed-out) session's outcome.
// TilesCompleted and TilesFailed are the status bus's done/failed
// counters, which the download pool advances once per chunk, so they
// count chunk downloads rather than whole tiles. For a fill-holes
// session TilesRequested is the number of chunk jobs dispatched.
type Summary struct {
	RunID           string    `json:"run_id"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	DurationSeconds float64   `json:"duration_seconds"`
	TilesRequested  int       `json:"tiles_requested"`
	TilesCompleted  int64     `json:"tiles_completed"`
	TilesFailed     int64     `json:"tiles_failed"`
	BytesDownloaded int64     `json:"bytes_downloaded"`
	Err             string    `json:"error,omitempty"`
}

// fileName is fixed rather than configurable: one summary file lives
// next to the index, overwritten by the most recent session.
const fileName = "session-summary.json"

// Write renders s to <indexDir>/session-summary.json, where indexDir is
// the directory containing the cache index file.
func Write(indexPath string, s Summary) error {
	dir := filepath.Dir(indexPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, fileName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, fileName))
}
