// Package cacheindex implements the process-wide, mutex-protected
// path->CacheRecord mapping, persisted as JSON and rescanned on startup
// or on version/root mismatch.
package cacheindex

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"github.com/PlayeRom/photoscenery/internal/dxt1"
	"github.com/PlayeRom/photoscenery/internal/geodesy"
)

// CacheRecord is one indexed tile file.
type CacheRecord struct {
	Path         string    `json:"-"`
	ID           int       `json:"id"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	SizeID       int       `json:"sizeId"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
}

type metadata struct {
	ProgramVersion string    `json:"program_version"`
	ScannedPaths   []string  `json:"scanned_paths"`
	LastScan       time.Time `json:"last_scan"`
}

type onDisk struct {
	Metadata metadata                  `json:"metadata"`
	Files    map[string]onDiskRecord   `json:"files"`
}

type onDiskRecord struct {
	ID           int       `json:"id"`
	Size         int64     `json:"size"`
	LastModified string    `json:"last_modified"`
	SizeID       int       `json:"sizeId"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
}

const timeLayout = "2006-01-02 15:04:05"

// filenamePattern matches the required "<7-digit id>.(dds|png)" layout.
var filenamePattern = regexp.MustCompile(`^\d{7}\.(dds|png)$`)

// Index is the mutex-guarded in-memory cache index.
type Index struct {
	mu             sync.Mutex
	programVersion string
	scannedPaths   []string
	lastScan       time.Time
	files          map[string]CacheRecord
	indexPath      string
	dirty          bool
	log            *logrus.Entry
}

// New creates an empty index bound to the given index file path.
func New(indexPath, programVersion string, log *logrus.Entry) *Index {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Index{
		files:          make(map[string]CacheRecord),
		indexPath:      indexPath,
		programVersion: programVersion,
		log:            log.WithField("component", "cacheindex"),
	}
}

// Load reads the on-disk JSON index. If it is missing, unreadable, or
// records a different program version/scanned-path set than roots, the
// caller should follow up with Rebuild.
func (idx *Index) Load(roots []string) (needsRebuild bool, err error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	data, err := os.ReadFile(idx.indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return true, nil
	}

	var d onDisk
	if err := json.Unmarshal(data, &d); err != nil {
		idx.log.WithError(err).Warn("cache index parse failure, will rebuild")
		return true, nil
	}

	loadedVersion := d.Metadata.ProgramVersion
	idx.scannedPaths = d.Metadata.ScannedPaths
	idx.lastScan = d.Metadata.LastScan
	idx.files = make(map[string]CacheRecord, len(d.Files))
	for p, r := range d.Files {
		t, _ := time.Parse(timeLayout, r.LastModified)
		idx.files[p] = CacheRecord{
			Path: p, ID: r.ID, Size: r.Size, LastModified: t,
			SizeID: r.SizeID, Width: r.Width, Height: r.Height,
		}
	}

	if loadedVersion != idx.programVersion || !samePaths(idx.scannedPaths, roots) {
		return true, nil
	}
	return false, nil
}

func samePaths(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]bool, len(a))
	for _, p := range a {
		seen[p] = true
	}
	for _, p := range b {
		if !seen[p] {
			return false
		}
	}
	return true
}

// Rebuild rescans roots from scratch, reading width/height from every
// tile file that matches the required filename pattern.
func (idx *Index) Rebuild(roots []string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.files = make(map[string]CacheRecord)
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			idx.indexFileLocked(path)
			return nil
		})
		if err != nil && !os.IsNotExist(err) {
			idx.log.WithError(err).WithField("root", root).Warn("rebuild scan error")
		}
	}
	idx.scannedPaths = append([]string(nil), roots...)
	idx.lastScan = time.Now()
	idx.dirty = true
	return nil
}

// indexFileLocked validates and reads one file into the index. Callers
// must hold idx.mu.
func (idx *Index) indexFileLocked(path string) {
	base := filepath.Base(path)
	if !filenamePattern.MatchString(base) {
		return
	}
	idStr := base[:7]
	id, err := strconv.Atoi(idStr)
	if err != nil {
		return
	}

	dir1 := filepath.Base(filepath.Dir(path))
	dir10 := filepath.Base(filepath.Dir(filepath.Dir(path)))
	coord := geodesy.CoordFromIndex(id)
	if dir1 != coord.Dir1 || dir10 != coord.Dir10 {
		idx.log.WithField("path", path).
			WithField("expected_dir10", coord.Dir10).WithField("expected_dir1", coord.Dir1).
			WithField("actual_dir10", dir10).WithField("actual_dir1", dir1).
			Warn("tile file's directory does not match the id encoded in its filename, skipping")
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		return
	}

	width, height, sizeID, ok := measureTile(path)
	if !ok {
		idx.log.WithField("path", path).Warn("unreadable tile file, skipping index entry")
		return
	}

	idx.files[path] = CacheRecord{
		Path: path, ID: id, Size: info.Size(), LastModified: info.ModTime(),
		SizeID: sizeID, Width: width, Height: height,
	}
}

// measureTile reads width/height from a tile file: via the DXT1 header
// for .dds, via a PNG structural query for .png.
func measureTile(path string) (width, height, sizeID int, ok bool) {
	switch filepath.Ext(path) {
	case ".dds":
		w, h, err := ddsDimensions(path)
		if err != nil {
			return 0, 0, 0, false
		}
		return w, h, sizeIDForWidth(w), true
	case ".png":
		w, h, err := pngDimensions(path)
		if err != nil {
			return 0, 0, 0, false
		}
		return w, h, sizeIDForWidth(w), true
	default:
		return 0, 0, 0, false
	}
}

func ddsDimensions(path string) (int, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, err
	}
	if !dxt1.ValidateBytes(data) {
		return 0, 0, fmt.Errorf("invalid dds: %s", path)
	}
	img, err := dxt1.Decode(data)
	if err != nil {
		return 0, 0, err
	}
	b := img.Bounds()
	return b.Dx(), b.Dy(), nil
}

func pngDimensions(path string) (int, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, err
	}
	if len(data) < 24 {
		return 0, 0, fmt.Errorf("png too short: %s", path)
	}
	if string(data[12:16]) != "IHDR" {
		return 0, 0, fmt.Errorf("missing IHDR: %s", path)
	}
	width := int(data[16])<<24 | int(data[17])<<16 | int(data[18])<<8 | int(data[19])
	height := int(data[20])<<24 | int(data[21])<<16 | int(data[22])<<8 | int(data[23])
	return width, height, nil
}

func sizeIDForWidth(w int) int {
	sizes := [7]int{512, 1024, 2048, 4096, 8192, 16384, 32768}
	for i, s := range sizes {
		if s == w {
			return i
		}
	}
	return 0
}

// Put inserts or updates a record and marks the index dirty.
func (idx *Index) Put(r CacheRecord) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.files[r.Path] = r
	idx.dirty = true
}

// Remove deletes a record (e.g. after a file is moved or deleted).
func (idx *Index) Remove(path string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, ok := idx.files[path]; ok {
		delete(idx.files, path)
		idx.dirty = true
	}
}

// Get returns the record for path, if any.
func (idx *Index) Get(path string) (CacheRecord, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	r, ok := idx.files[path]
	return r, ok
}

// ByID returns every record for the given tile ID, regardless of tree or
// resolution.
func (idx *Index) ByID(id int) []CacheRecord {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	var out []CacheRecord
	for _, r := range idx.files {
		if r.ID == id {
			out = append(out, r)
		}
	}
	return out
}

// All returns a snapshot of every record currently indexed, across both
// the final and backup trees. Callers that need to sweep the backup
// tree (rather than look up one path or ID) use this instead of adding
// bespoke iteration to Index itself.
func (idx *Index) All() []CacheRecord {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := make([]CacheRecord, 0, len(idx.files))
	for _, r := range idx.files {
		out = append(out, r)
	}
	return out
}

// Save persists the index to JSON (write-temp-then-rename) and then
// regenerates the coverage snapshot. If there have been no
// additions/updates/removals since the last Save it does neither.
func (idx *Index) Save(finalRoot, backupRoot string) error {
	idx.mu.Lock()
	dirty := idx.dirty
	idx.mu.Unlock()
	if !dirty {
		return nil
	}
	if err := idx.writeJSON(); err != nil {
		return err
	}
	idx.mu.Lock()
	idx.dirty = false
	idx.mu.Unlock()
	return idx.writeCoverage(finalRoot, backupRoot)
}

func (idx *Index) writeJSON() error {
	idx.mu.Lock()
	d := onDisk{
		Metadata: metadata{
			ProgramVersion: idx.programVersion,
			ScannedPaths:   idx.scannedPaths,
			LastScan:       idx.lastScan,
		},
		Files: make(map[string]onDiskRecord, len(idx.files)),
	}
	for p, r := range idx.files {
		d.Files[p] = onDiskRecord{
			ID: r.ID, Size: r.Size, LastModified: r.LastModified.Format(timeLayout),
			SizeID: r.SizeID, Width: r.Width, Height: r.Height,
		}
	}
	idx.mu.Unlock()

	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(idx.indexPath), 0o755); err != nil {
		return err
	}
	tmp := idx.indexPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, idx.indexPath); err != nil {
		return err
	}
	idx.gzipBackup(data)
	return nil
}

// gzipBackup writes a timestamped gzip copy of the index alongside it,
// best-effort, so a corrupted live index can be recovered from history.
func (idx *Index) gzipBackup(data []byte) {
	backupPath := idx.indexPath + "." + time.Now().UTC().Format("20060102T150405") + ".gz"
	f, err := os.Create(backupPath)
	if err != nil {
		idx.log.WithError(err).Debug("skip index gzip backup")
		return
	}
	defer f.Close()
	gw := gzip.NewWriter(f)
	defer gw.Close()
	if _, err := gw.Write(data); err != nil {
		idx.log.WithError(err).Debug("index gzip backup write failed")
	}
}

// CoverageEntry is one row of coverage.json.
type CoverageEntry struct {
	ID           int    `json:"id"`
	BBox         bboxJS `json:"bbox"`
	SizeID       int    `json:"sizeId"`
	LastModified string `json:"last_modified,omitempty"`
}

type bboxJS struct {
	LatLL float64 `json:"latLL"`
	LonLL float64 `json:"lonLL"`
	LatUR float64 `json:"latUR"`
	LonUR float64 `json:"lonUR"`
}

// writeCoverage picks, for each tile_id, the winning record by
// (final-tree-outranks-backup-tree, then-highest-size_id), and writes
// coverage.json alongside the index.
func (idx *Index) writeCoverage(finalRoot, backupRoot string) error {
	idx.mu.Lock()
	byID := make(map[int]CacheRecord)
	for _, r := range idx.files {
		cur, ok := byID[r.ID]
		if !ok || rankBetter(r, cur, finalRoot, backupRoot) {
			byID[r.ID] = r
		}
	}
	idx.mu.Unlock()

	entries := make([]CoverageEntry, 0, len(byID))
	for id, r := range byID {
		c := tileBoundsFromID(id)
		entries = append(entries, CoverageEntry{
			ID:           id,
			BBox:         c,
			SizeID:       r.SizeID,
			LastModified: r.LastModified.Format(timeLayout),
		})
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(filepath.Dir(idx.indexPath), "coverage.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// rankBetter reports whether candidate outranks incumbent: final tree
// beats backup tree; within the same tree, highest size_id wins.
func rankBetter(candidate, incumbent CacheRecord, finalRoot, backupRoot string) bool {
	cFinal := underRoot(candidate.Path, finalRoot)
	iFinal := underRoot(incumbent.Path, finalRoot)
	if cFinal != iFinal {
		return cFinal
	}
	return candidate.SizeID > incumbent.SizeID
}

func underRoot(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !hasDotDotPrefix(rel)
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 2 && rel[0] == '.' && rel[1] == '.'
}

func tileBoundsFromID(id int) bboxJS {
	c := geodesy.CoordFromIndex(id)
	return bboxJS{
		LatLL: c.LatBase,
		LonLL: c.LonBase,
		LatUR: c.LatBase + geodesy.LatStep,
		LonUR: c.LonBase + c.LonStep,
	}
}
