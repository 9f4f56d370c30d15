// Package orchestrator implements the acquisition-session supervisor:
// it enumerates the tiles within the acquisition radius, orders them,
// drives the pre-coverage and high-resolution phases, and supervises
// the download/assembly goroutines until the session settles.
package orchestrator

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/teris-io/shortid"
	pb "gopkg.in/cheggaaa/pb.v1"

	"golang.org/x/sync/errgroup"

	"github.com/PlayeRom/photoscenery/internal/assembly"
	"github.com/PlayeRom/photoscenery/internal/cacheindex"
	"github.com/PlayeRom/photoscenery/internal/geodesy"
	"github.com/PlayeRom/photoscenery/internal/jobs"
)

// Enqueuer submits a chunk job to the download pool.
type Enqueuer interface {
	Enqueue(job jobs.ChunkJob)
	Pending() int64
}

// Scanner performs one assembly pass, returning the tiles it finished.
type Scanner interface {
	Scan() ([]assembly.AssembledTile, error)
}

// Config is one acquisition session's parameters.
type Config struct {
	CenterLat, CenterLon float64
	RadiusNM             float64
	BaseSizeID           int
	FloorSizeID          int
	HeadingDeg           *float64 // nil => omnidirectional
	PreCoverageSizeID    int
	StagingDir           string
	Retries              int

	AssemblyInterval time.Duration
	GraceWindow      time.Duration
	HardTimeout      time.Duration

	// NearFieldFraction is the share (by ordering rank) of tiles promoted
	// to HIGH priority when no heading is set.
	NearFieldFraction float64
	// DirectionalHalfAngleDeg is how far either side of the heading a
	// tile's bearing may fall and still be dispatched HIGH.
	DirectionalHalfAngleDeg float64
}

func (c Config) withDefaults() Config {
	if c.AssemblyInterval == 0 {
		c.AssemblyInterval = 2 * time.Second
	}
	if c.GraceWindow == 0 {
		c.GraceWindow = 5 * time.Second
	}
	if c.HardTimeout == 0 {
		c.HardTimeout = 30 * time.Minute
	}
	if c.NearFieldFraction == 0 {
		c.NearFieldFraction = 0.3
	}
	if c.DirectionalHalfAngleDeg == 0 {
		c.DirectionalHalfAngleDeg = 60
	}
	return c
}

// candidate is one tile under consideration, carrying the ordering
// metric and the resolution the adaptive-LOD rule assigned it.
type candidate struct {
	tm       geodesy.TileMetadata
	distNM   float64
	metric   float64
	bearing  float64
	priority jobs.Priority
}

// Orchestrator runs one acquisition session end to end.
type Orchestrator struct {
	cfg Config
	idx *cacheindex.Index
	log *logrus.Entry
}

// New builds an Orchestrator for cfg, consulting idx for cache-skip
// decisions.
func New(cfg Config, idx *cacheindex.Index, log *logrus.Entry) *Orchestrator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Orchestrator{cfg: cfg.withDefaults(), idx: idx, log: log.WithField("component", "orchestrator")}
}

// Enumerate walks the latitude-banded grid inside the acquisition
// circle, deduplicating by tile ID, and returns every tile whose center
// lies within RadiusNM of the session center.
func (o *Orchestrator) Enumerate() []candidate {
	radiusDeg := o.cfg.RadiusNM / 60.0
	latMin := o.cfg.CenterLat - radiusDeg
	latMax := o.cfg.CenterLat + radiusDeg

	seen := make(map[int]bool)
	var out []candidate

	for lat := math.Floor(latMin/geodesy.LatStep) * geodesy.LatStep; lat <= latMax; lat += geodesy.LatStep {
		width := geodesy.TileWidth(lat)
		cosLat := cosDeg(lat)
		if cosLat < 0.05 {
			cosLat = 0.05
		}
		lonRadiusDeg := radiusDeg / cosLat
		lonMin := o.cfg.CenterLon - lonRadiusDeg
		lonMax := o.cfg.CenterLon + lonRadiusDeg

		for lon := math.Floor(lonMin/width) * width; lon <= lonMax; lon += width {
			id := geodesy.Index(lat, lon)
			if seen[id] {
				continue
			}
			seen[id] = true

			coord := geodesy.CoordFromIndex(id)
			dist := geodesy.SurfaceDistanceNM(o.cfg.CenterLon, o.cfg.CenterLat, coord.LonC, coord.LatC)
			if dist > o.cfg.RadiusNM {
				continue
			}

			sizeID := geodesy.AdaptiveSizeID(o.cfg.BaseSizeID, 0, dist, 0, o.cfg.RadiusNM, o.cfg.FloorSizeID)
			tm := geodesy.NewTileMetadata(id, sizeID)

			metric := dist
			bearing := 0.0
			if o.cfg.HeadingDeg != nil {
				metric = geodesy.EllipseMetric(o.cfg.CenterLon, o.cfg.CenterLat, coord.LonC, coord.LatC, *o.cfg.HeadingDeg, o.cfg.RadiusNM)
				bearing = bearingBetween(o.cfg.CenterLon, o.cfg.CenterLat, coord.LonC, coord.LatC)
			}

			out = append(out, candidate{tm: tm, distNM: dist, metric: metric, bearing: bearing})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].metric != out[j].metric {
			return out[i].metric < out[j].metric
		}
		return out[i].distNM < out[j].distNM
	})

	o.assignPriority(out)
	return out
}

// assignPriority implements the HIGH/LOW split: in direction-aware
// mode, tiles within DirectionalHalfAngleDeg of the
// heading are HIGH; otherwise the nearest NearFieldFraction of the
// ordered list is HIGH.
func (o *Orchestrator) assignPriority(cands []candidate) {
	if o.cfg.HeadingDeg != nil {
		for i := range cands {
			delta := angularDelta(cands[i].bearing, *o.cfg.HeadingDeg)
			if delta <= o.cfg.DirectionalHalfAngleDeg {
				cands[i].priority = jobs.High
			} else {
				cands[i].priority = jobs.Low
			}
		}
		return
	}
	cutoff := int(float64(len(cands)) * o.cfg.NearFieldFraction)
	for i := range cands {
		if i < cutoff {
			cands[i].priority = jobs.High
		} else {
			cands[i].priority = jobs.Low
		}
	}
}

// skipCached reports whether idx already holds an artifact for tm's
// tile ID at a resolution at least as fine as tm.SizeID.
func (o *Orchestrator) skipCached(tm geodesy.TileMetadata) bool {
	return skipCachedAt(o.idx, tm.ID, tm.SizeID)
}

func skipCachedAt(idx *cacheindex.Index, tileID, sizeID int) bool {
	for _, r := range idx.ByID(tileID) {
		if r.SizeID >= sizeID {
			return true
		}
	}
	return false
}

// Bounds is a rectangular request area, as accepted by the fill-holes
// HTTP endpoint.
type Bounds struct {
	North, South, East, West float64
}

// EnumerateBounds walks the latitude-banded grid over a rectangular
// area instead of a radius, for the fill-holes workflow: every tile
// that overlaps bounds is returned at sizeID. A tile that only shares
// an edge with bounds is not included.
func EnumerateBounds(bounds Bounds, sizeID int) []geodesy.TileMetadata {
	var out []geodesy.TileMetadata
	seen := make(map[int]bool)
	for lat := math.Floor(bounds.South/geodesy.LatStep) * geodesy.LatStep; lat < bounds.North; lat += geodesy.LatStep {
		width := geodesy.TileWidth(lat)
		for lon := math.Floor(bounds.West/width) * width; lon < bounds.East; lon += width {
			id := geodesy.Index(lat, lon)
			if seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, geodesy.NewTileMetadata(id, sizeID))
		}
	}
	return out
}

// FillHolesConfig parameterizes one fill-holes request.
type FillHolesConfig struct {
	Bounds      Bounds
	SizeID      int
	FloorSizeID int
	StagingDir  string
	Retries     int
	GraceWindow time.Duration
	HardTimeout time.Duration
}

func (c FillHolesConfig) withDefaults() FillHolesConfig {
	if c.GraceWindow == 0 {
		c.GraceWindow = 5 * time.Second
	}
	if c.HardTimeout == 0 {
		c.HardTimeout = 30 * time.Minute
	}
	if c.SizeID < c.FloorSizeID {
		c.SizeID = c.FloorSizeID
	}
	return c
}

// FillHoles dispatches chunk jobs for every tile in cfg.Bounds not
// already covered in idx at cfg.SizeID or finer, then blocks until the
// download pool settles, the way Run does for a radius-based session.
// Tile selection works by diffing requested coverage against the
// cache index rather than re-deriving priority from aircraft position.
func FillHoles(ctx context.Context, cfg FillHolesConfig, idx *cacheindex.Index, enqueuer Enqueuer, scanner Scanner, log *logrus.Entry) (dispatched int, err error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "fill-holes")

	ctx, cancel := context.WithTimeout(ctx, cfg.HardTimeout)
	defer cancel()

	for _, tm := range EnumerateBounds(cfg.Bounds, cfg.SizeID) {
		if skipCachedAt(idx, tm.ID, tm.SizeID) {
			continue
		}
		for _, j := range jobs.Generate(tm, cfg.StagingDir, cfg.Retries, jobs.Low) {
			enqueuer.Enqueue(j)
			dispatched++
		}
	}
	log.WithField("jobs", dispatched).Info("fill-holes jobs dispatched")
	if dispatched == 0 {
		return 0, nil
	}

	o := &Orchestrator{cfg: Config{GraceWindow: cfg.GraceWindow}.withDefaults(), idx: idx, log: log}
	bar := pb.New64(int64(dispatched)).Prefix("fill-holes: ")
	bar.Start()
	defer bar.FinishPrint("fill-holes settled")

	eg, egCtx := errgroup.WithContext(ctx)
	assemblyCtx, stopAssembly := context.WithCancel(egCtx)
	defer stopAssembly()
	eg.Go(func() error { return o.superviseAssembly(assemblyCtx, scanner, log) })
	eg.Go(func() error {
		defer stopAssembly()
		return o.waitForSettle(egCtx, enqueuer, bar, int64(dispatched))
	})
	return dispatched, eg.Wait()
}

// Run drives one full acquisition session: pre-coverage pass, then the
// high-resolution pass, then supervises the assembly scanner until the
// download pool has been idle for GraceWindow or HardTimeout elapses.
func (o *Orchestrator) Run(ctx context.Context, enqueuer Enqueuer, scanner Scanner) error {
	runID, err := shortid.Generate()
	if err != nil {
		runID = "run"
	}
	log := o.log.WithField("run", runID)

	ctx, cancel := context.WithTimeout(ctx, o.cfg.HardTimeout)
	defer cancel()

	cands := o.Enumerate()
	log.WithField("candidates", len(cands)).Info("enumerated acquisition area")

	var dispatched int
	for _, c := range cands {
		if o.skipCached(c.tm) {
			continue
		}
		if pc := jobs.GeneratePreCoverage(c.tm, o.cfg.PreCoverageSizeID, o.cfg.StagingDir, o.cfg.Retries, jobs.High); pc != nil {
			enqueuer.Enqueue(*pc)
			dispatched++
		}
	}
	log.WithField("jobs", dispatched).Info("pre-coverage phase dispatched")

	dispatched = 0
	for _, c := range cands {
		if o.skipCached(c.tm) {
			continue
		}
		for _, j := range jobs.Generate(c.tm, o.cfg.StagingDir, o.cfg.Retries, c.priority) {
			enqueuer.Enqueue(j)
			dispatched++
		}
	}
	log.WithField("jobs", dispatched).Info("high-resolution phase dispatched")

	bar := pb.New64(int64(dispatched)).Prefix(fmt.Sprintf("session %s: ", runID))
	bar.Start()
	defer bar.FinishPrint(fmt.Sprintf("session %s settled", runID))

	eg, egCtx := errgroup.WithContext(ctx)
	assemblyCtx, stopAssembly := context.WithCancel(egCtx)
	defer stopAssembly()
	eg.Go(func() error { return o.superviseAssembly(assemblyCtx, scanner, log) })
	eg.Go(func() error {
		defer stopAssembly()
		return o.waitForSettle(egCtx, enqueuer, bar, int64(dispatched))
	})
	return eg.Wait()
}

func (o *Orchestrator) superviseAssembly(ctx context.Context, scanner Scanner, log *logrus.Entry) error {
	ticker := time.NewTicker(o.cfg.AssemblyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tiles, err := scanner.Scan()
			if err != nil {
				log.WithError(err).Warn("assembly scan error")
				continue
			}
			if len(tiles) > 0 {
				log.WithField("count", len(tiles)).Debug("tiles assembled this pass")
			}
		}
	}
}

// waitForSettle blocks until the download pool has reported zero
// pending work continuously for GraceWindow, guarding against a single
// instant of pending==0 between a worker finishing one job and picking
// up the next. It drives bar's progress from total down to zero as the
// queues drain, the way task.Download advances its pb.ProgressBar.
func (o *Orchestrator) waitForSettle(ctx context.Context, enqueuer Enqueuer, bar *pb.ProgressBar, total int64) error {
	poll := 250 * time.Millisecond
	idleSince := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
		pending := enqueuer.Pending()
		if done := total - pending; done >= 0 {
			bar.Set64(done)
		}
		if pending == 0 {
			if idleSince.IsZero() {
				idleSince = time.Now()
			} else if time.Since(idleSince) >= o.cfg.GraceWindow {
				return nil
			}
		} else {
			idleSince = time.Time{}
		}
	}
}

func cosDeg(deg float64) float64 {
	return math.Cos(deg * math.Pi / 180)
}

// bearingBetween returns the initial great-circle bearing in degrees
// from (lon1,lat1) to (lon2,lat2).
func bearingBetween(lon1, lat1, lon2, lat2 float64) float64 {
	p1Lat, p1Lon := lat1*math.Pi/180, lon1*math.Pi/180
	p2Lat, p2Lon := lat2*math.Pi/180, lon2*math.Pi/180
	y := math.Sin(p2Lon-p1Lon) * math.Cos(p2Lat)
	x := math.Cos(p1Lat)*math.Sin(p2Lat) - math.Sin(p1Lat)*math.Cos(p2Lat)*math.Cos(p2Lon-p1Lon)
	brg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(brg+360, 360)
}

// angularDelta returns the absolute angular difference between two
// compass bearings, in [0,180].
func angularDelta(a, b float64) float64 {
	d := math.Mod(math.Abs(a-b), 360)
	if d > 180 {
		d = 360 - d
	}
	return d
}
