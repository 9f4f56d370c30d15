// Package backupgc reclaims the backup tree the placement policy spills
// into whenever an overwrite preserves the previous tile. A periodic
// sweep drops backup copies a tile no longer needs: any backup whose
// size_id is already covered in the final tree, beyond a configurable
// number of retained backups per tile.
package backupgc

import (
	"os"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/PlayeRom/photoscenery/internal/cacheindex"
)

// Config controls sweep cadence and how many backups a tile may keep.
type Config struct {
	Interval  time.Duration
	Retention int // backups to keep per tile id, beyond the final-tree copy
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 1
	}
	return c
}

// Sweeper runs Sweep on a ticker until its done channel is closed.
type Sweeper struct {
	cfg        Config
	idx        *cacheindex.Index
	finalRoot  string
	backupRoot string
	log        *logrus.Entry
}

// New constructs a Sweeper over idx, distinguishing the final and
// backup trees by root path.
func New(cfg Config, idx *cacheindex.Index, finalRoot, backupRoot string, log *logrus.Entry) *Sweeper {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Sweeper{cfg: cfg.withDefaults(), idx: idx, finalRoot: finalRoot, backupRoot: backupRoot, log: log.WithField("component", "backupgc")}
}

// Run blocks, sweeping on every tick until done is closed.
func (s *Sweeper) Run(done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			n, err := s.Sweep()
			if err != nil {
				s.log.WithError(err).Warn("backup sweep failed")
				continue
			}
			if n > 0 {
				s.log.WithField("removed", n).Info("backup sweep reclaimed tiles")
			}
		}
	}
}

// Sweep performs one pass: group backup records by tile id, newest
// first. A backup whose size_id the final tree does not cover at an
// equal or finer size_id is always kept; a covered backup is kept only
// while fewer than Retention backups of that tile have been kept so far.
// Every other backup is deleted from disk and the index.
func (s *Sweeper) Sweep() (removed int, err error) {
	records := s.idx.All()

	finalBySize := make(map[int]int) // tile id -> best size_id present in the final tree
	backupsByID := make(map[int][]cacheindex.CacheRecord)

	for _, r := range records {
		if underRoot(r.Path, s.finalRoot) {
			if best, ok := finalBySize[r.ID]; !ok || r.SizeID > best {
				finalBySize[r.ID] = r.SizeID
			}
			continue
		}
		if underRoot(r.Path, s.backupRoot) {
			backupsByID[r.ID] = append(backupsByID[r.ID], r)
		}
	}

	for id, backups := range backupsByID {
		sort.Slice(backups, func(i, j int) bool {
			return backups[i].LastModified.After(backups[j].LastModified)
		})

		finalSize, hasFinal := finalBySize[id]
		kept := 0
		for _, b := range backups {
			coveredByFinal := hasFinal && finalSize >= b.SizeID
			if !coveredByFinal || kept < s.cfg.Retention {
				kept++
				continue
			}
			if err := os.Remove(b.Path); err != nil && !os.IsNotExist(err) {
				return removed, err
			}
			s.idx.Remove(b.Path)
			removed++
		}
	}
	return removed, nil
}

func underRoot(path, root string) bool {
	if root == "" {
		return false
	}
	if len(path) < len(root) {
		return false
	}
	return path[:len(root)] == root
}
