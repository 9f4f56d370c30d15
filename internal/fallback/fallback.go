// Package fallback implements the fallback manager: when a chunk
// permanently fails, first try to serve the tile from a smaller cached
// size already on disk, and failing that, downgrade the request to a
// coarser size and requeue it.
package fallback

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mitchellh/hashstructure/v2"
	"github.com/sirupsen/logrus"

	"github.com/PlayeRom/photoscenery/internal/cacheindex"
	"github.com/PlayeRom/photoscenery/internal/geodesy"
	"github.com/PlayeRom/photoscenery/internal/jobs"
	"github.com/PlayeRom/photoscenery/internal/placement"
)

// Enqueuer resubmits a downgraded job to the download pool, implemented
// by downloader.Pool.
type Enqueuer interface {
	Enqueue(job jobs.ChunkJob)
}

// dedupeEntrySize bounds the failure-event LRU the same way catd bounds
// its cell-indexer caches: a fixed small budget, not a per-tile map.
const dedupeEntrySize = 4096

// Manager tracks permanent-failure events per tile/size, deduplicating
// repeat notifications from different chunk workers of the same tile and
// driving the restore-or-downgrade decision.
type Manager struct {
	idx          *cacheindex.Index
	stagingDir   string
	finalRoot    string
	backupRoot   string
	retries      int
	coarsestSize int
	enqueuer     Enqueuer
	seen         *lru.Cache[string, bool]
	log          *logrus.Entry
}

// Config bundles the directories and policy knobs the manager needs to
// act on a failure.
type Config struct {
	StagingDir   string
	FinalRoot    string
	BackupRoot   string
	Retries      int
	CoarsestSize int // size_id floor; abandon once downgraded below this
}

// New constructs a Manager backed by idx, requeuing downgraded jobs
// through enqueuer.
func New(cfg Config, idx *cacheindex.Index, enqueuer Enqueuer, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	cache, _ := lru.New[string, bool](dedupeEntrySize)
	return &Manager{
		idx:          idx,
		stagingDir:   cfg.StagingDir,
		finalRoot:    cfg.FinalRoot,
		backupRoot:   cfg.BackupRoot,
		retries:      cfg.Retries,
		coarsestSize: cfg.CoarsestSize,
		enqueuer:     enqueuer,
		seen:         cache,
		log:          log.WithField("component", "fallback"),
	}
}

func dedupeKey(tileID, sizeID int) string {
	h, err := hashstructure.Hash(struct{ T, S int }{tileID, sizeID}, hashstructure.FormatV2, nil)
	if err != nil {
		return fmt.Sprintf("%d:%d", tileID, sizeID)
	}
	return fmt.Sprintf("%d", h)
}

// PermanentFailure implements downloader.FallbackSink. Every chunk of
// the same tile/size that fails permanently calls this; only the first
// such call per tile/size triggers a restore-or-downgrade action, the
// rest are deduplicated the way catd's LRU dedupe filters repeat events.
func (m *Manager) PermanentFailure(tileID, sizeID int) {
	key := dedupeKey(tileID, sizeID)
	if _, ok := m.seen.Get(key); ok {
		return
	}
	m.seen.Add(key, true)

	log := m.log.WithField("tile_id", tileID).WithField("size_id", sizeID)

	if m.restoreFromCache(tileID, sizeID, log) {
		return
	}
	m.downgrade(tileID, sizeID, log)
}

// restoreFromCache looks for any cached record of tileID at a size
// smaller than sizeID and, if found, moves the best one (highest
// size_id below sizeID) into the final tree via the placement policy,
// with overwrite disabled so an existing final-tree copy is left alone.
// No re-encode happens here — it is the existing smaller artifact that
// ends up occupying (or already occupying) the final tree's slot.
func (m *Manager) restoreFromCache(tileID, sizeID int, log *logrus.Entry) bool {
	recs := m.idx.ByID(tileID)
	best := -1
	var bestRec cacheindex.CacheRecord
	for _, r := range recs {
		if r.SizeID >= sizeID {
			continue
		}
		if r.SizeID > best {
			best = r.SizeID
			bestRec = r
		}
	}
	if best < 0 {
		return false
	}

	tm := geodesy.NewTileMetadata(tileID, best)
	decision, err := PlaceRestored(bestRec.Path, tm, m.finalRoot, m.backupRoot, m.idx, log)
	if err != nil {
		log.WithError(err).WithField("path", bestRec.Path).Warn("failed to restore cached tile into final tree")
		return false
	}
	log.WithField("restored_size_id", best).WithField("path", bestRec.Path).WithField("decision", decision).
		Info("restored smaller cached tile into final tree after permanent failure")
	return true
}

// downgrade requeues the tile one size step coarser, on the LOW
// priority class, unless it has already reached the coarsest
// configured size, in which case the tile is abandoned.
func (m *Manager) downgrade(tileID, sizeID int, log *logrus.Entry) {
	next := sizeID - 1
	if next < m.coarsestSize {
		log.Warn("abandoning tile, already at coarsest size")
		return
	}

	tm := geodesy.NewTileMetadata(tileID, next)

	newJobs := jobs.Generate(tm, m.stagingDir, m.retries, jobs.Low)
	if len(newJobs) == 0 {
		log.Warn("downgrade produced no jobs, tile may be polar or already staged")
		return
	}
	log.WithField("new_size_id", next).WithField("jobs", len(newJobs)).Info("downgrading tile and requeuing")
	for _, j := range newJobs {
		m.enqueuer.Enqueue(j)
	}
}

// PlaceRestored moves a cached artifact into the final tree using the
// same placement policy as any freshly assembled tile, with overwrite
// disabled. restoreFromCache is its main caller; it is exported for any
// other code path that needs to promote a cached size into the final
// tree without re-encoding it.
func PlaceRestored(source string, tm geodesy.TileMetadata, finalRoot, backupRoot string, idx *cacheindex.Index, log *logrus.Entry) (placement.Decision, error) {
	return placement.Place(source, tm, finalRoot, backupRoot, placement.OverwriteSkip, "dds", idx, log)
}
