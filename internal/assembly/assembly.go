// Package assembly implements the assembly monitor: it watches the
// staging directory for a tile's complete set of chunks, composes them
// into a single canvas, encodes the canvas to DXT1, and hands the
// result to the placement policy.
package assembly

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	bbolt "go.etcd.io/bbolt"
	xdraw "golang.org/x/image/draw"

	"github.com/PlayeRom/photoscenery/internal/cacheindex"
	"github.com/PlayeRom/photoscenery/internal/dxt1"
	"github.com/PlayeRom/photoscenery/internal/geodesy"
	"github.com/PlayeRom/photoscenery/internal/placement"
)

// chunkNamePattern matches the staging filename encoding:
// "{id}_{size_id}_{total}_{y_flipped}_{x}.png".
var chunkNamePattern = regexp.MustCompile(`^(\d+)_(\d+)_(\d+)_(\d+)_(\d+)\.png$`)

var completedBucket = []byte("completed")

type chunkFile struct {
	path     string
	yFlipped int
	x        int
	size     int64
}

// minChunkBytes mirrors the staging-completeness floor jobs.Generate
// uses when deciding a chunk is already downloaded: a group isn't a
// candidate for assembly until every one of its files clears it.
const minChunkBytes = 1024

type groupKey struct {
	tileID, sizeID, total int
}

func (g groupKey) String() string {
	return fmt.Sprintf("%d_%d_%d", g.tileID, g.sizeID, g.total)
}

// AssembledTile describes one tile the monitor finished composing and
// placing during a Scan.
type AssembledTile struct {
	TileID   int
	SizeID   int
	Decision placement.Decision
	Path     string
}

// Monitor periodically scans a staging directory for complete chunk
// sets and assembles them.
type Monitor struct {
	stagingDir string
	finalRoot  string
	backupRoot string
	overwrite  placement.Overwrite
	idx        *cacheindex.Index
	db         *bbolt.DB
	log        *logrus.Entry
}

// New opens (or creates) the claims database at dbPath and returns a
// Monitor watching stagingDir.
func New(stagingDir, finalRoot, backupRoot string, overwrite placement.Overwrite, idx *cacheindex.Index, dbPath string, log *logrus.Entry) (*Monitor, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("assembly: open claims db: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(completedBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Monitor{
		stagingDir: stagingDir,
		finalRoot:  finalRoot,
		backupRoot: backupRoot,
		overwrite:  overwrite,
		idx:        idx,
		db:         db,
		log:        log.WithField("component", "assembly"),
	}, nil
}

// Close releases the claims database.
func (m *Monitor) Close() error { return m.db.Close() }

// Scan performs one pass over the staging directory: groups chunk files
// by (tile_id, size_id, total), assembles and places any group that is
// complete, and deletes that group's staging files. It is safe to call
// repeatedly; a group already recorded as completed is skipped even if
// its staging files are (for any reason) still present.
func (m *Monitor) Scan() ([]AssembledTile, error) {
	entries, err := os.ReadDir(m.stagingDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	groups := make(map[groupKey][]chunkFile)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		match := chunkNamePattern.FindStringSubmatch(e.Name())
		if match == nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		tileID := atoiMust(match[1])
		sizeID := atoiMust(match[2])
		total := atoiMust(match[3])
		yFlipped := atoiMust(match[4])
		x := atoiMust(match[5])
		key := groupKey{tileID, sizeID, total}
		groups[key] = append(groups[key], chunkFile{
			path:     filepath.Join(m.stagingDir, e.Name()),
			yFlipped: yFlipped,
			x:        x,
			size:     info.Size(),
		})
	}

	var out []AssembledTile
	for key, chunks := range groups {
		if len(chunks) != key.total {
			continue
		}
		if !allChunksLargeEnough(chunks) {
			continue
		}
		if m.isCompleted(key) {
			continue
		}
		tile, err := m.assembleGroup(key, chunks)
		if err != nil {
			m.log.WithError(err).WithField("group", key.String()).Warn("assembly failed, will retry next scan")
			continue
		}
		m.markCompleted(key)
		out = append(out, tile)
	}
	return out, nil
}

func (m *Monitor) assembleGroup(key groupKey, chunks []chunkFile) (AssembledTile, error) {
	log := m.log.WithField("tile_id", key.tileID).WithField("size_id", key.sizeID)

	tm := geodesy.NewTileMetadata(key.tileID, key.sizeID)

	sort.Slice(chunks, func(i, j int) bool {
		if chunks[i].yFlipped != chunks[j].yFlipped {
			return chunks[i].yFlipped < chunks[j].yFlipped
		}
		return chunks[i].x < chunks[j].x
	})

	cols := tm.Cols
	if cols <= 0 {
		cols = 1
	}

	// Chunks are not necessarily square (jobs.Generate derives chunk
	// height from each tile's lat/lon aspect ratio), so the canvas is
	// sized from the first chunk's real decoded dimensions rather than
	// from the tile's nominal, always-square WidthPx.
	firstImg, err := decodeChunkPNG(chunks[0].path)
	if err != nil {
		return AssembledTile{}, err
	}
	chunkW, chunkH := firstImg.Bounds().Dx(), firstImg.Bounds().Dy()
	canvas := image.NewNRGBA(image.Rect(0, 0, chunkW*cols, chunkH*cols))

	for _, c := range chunks {
		img, err := decodeChunkPNG(c.path)
		if err != nil {
			return AssembledTile{}, err
		}
		destRect := image.Rect((c.x-1)*chunkW, (c.yFlipped-1)*chunkH, c.x*chunkW, c.yFlipped*chunkH)
		if img.Bounds().Dx() == chunkW && img.Bounds().Dy() == chunkH {
			draw.Draw(canvas, destRect, img, img.Bounds().Min, draw.Src)
		} else {
			xdraw.ApproxBiLinear.Scale(canvas, destRect, img, img.Bounds(), draw.Src, nil)
		}
	}

	destPath := filepath.Join(filepath.Dir(m.stagingDir), fmt.Sprintf("%d_%d_assembled.dds", key.tileID, key.sizeID))
	if err := dxt1.ConvertImage(canvas, destPath); err != nil {
		return AssembledTile{}, fmt.Errorf("assembly: encode dxt1: %w", err)
	}

	decision, err := placement.Place(destPath, tm, m.finalRoot, m.backupRoot, m.overwrite, "dds", m.idx, log)
	if err != nil {
		return AssembledTile{}, fmt.Errorf("assembly: place: %w", err)
	}

	for _, c := range chunks {
		os.Remove(c.path)
	}

	placedPath := filepath.Join(m.finalRoot, tm.Dir10(), tm.Dir1(), fmt.Sprintf("%07d.dds", tm.ID))
	log.WithField("decision", decision).Info("tile assembled and placed")
	return AssembledTile{TileID: key.tileID, SizeID: key.sizeID, Decision: decision, Path: placedPath}, nil
}

func (m *Monitor) isCompleted(key groupKey) bool {
	var found bool
	m.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(completedBucket)
		found = b.Get([]byte(key.String())) != nil
		return nil
	})
	return found
}

func (m *Monitor) markCompleted(key groupKey) {
	m.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(completedBucket)
		return b.Put([]byte(key.String()), []byte(time.Now().UTC().Format(time.RFC3339)))
	})
}

func decodeChunkPNG(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("assembly: decode %s: %w", path, err)
	}
	return img, nil
}

func allChunksLargeEnough(chunks []chunkFile) bool {
	for _, c := range chunks {
		if c.size < minChunkBytes {
			return false
		}
	}
	return true
}

func atoiMust(s string) int {
	n := 0
	for _, c := range s {
		n = n*10 + int(c-'0')
	}
	return n
}
