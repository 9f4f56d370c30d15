// Package jobs turns TileMetadata into the ChunkJob descriptors the
// download workers consume.
package jobs

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/PlayeRom/photoscenery/internal/geodesy"
)

// Priority distinguishes tiles near the aircraft from background fill.
type Priority int

const (
	Low Priority = iota
	High
)

func (p Priority) String() string {
	if p == High {
		return "high"
	}
	return "low"
}

// PixelSize is a chunk's requested width/height in pixels.
type PixelSize struct {
	W, H int
}

// BBox mirrors the bbox fields carried by a ChunkJob.
type BBox struct {
	LonLL, LatLL, LonUR, LatUR float64
}

// ChunkJob is one downloadable sub-image of a tile.
type ChunkJob struct {
	TileID      int
	SizeID      int
	ChunkX      int
	ChunkY      int
	Total       int
	BBox        BBox
	PixelSize   PixelSize
	StagingPath string
	RetriesLeft int
	Priority    Priority
}

// StagingFileName renders the "{id}_{size_id}_{total}_{y_flipped}_{x}.png"
// pattern. y in the filename is the flipped (top-first) row:
// y_flipped = cols - y + 1.
func StagingFileName(tileID, sizeID, total, yFlipped, x int) string {
	return fmt.Sprintf("%d_%d_%d_%d_%d.png", tileID, sizeID, total, yFlipped, x)
}

const minHighResChunkBytes = 1024
const minPreCoverageChunkBytes = 64

// Generate produces the cols*cols ChunkJobs that exactly partition tm's
// bbox. A staging file already present with size >= 1024 bytes is
// treated as already completed and skipped.
func Generate(tm geodesy.TileMetadata, stagingDir string, retries int, prio Priority) []ChunkJob {
	dLon := (tm.LonUR - tm.LonLL) / float64(tm.Cols)
	dLat := (tm.LatUR - tm.LatLL) / float64(tm.Cols)
	if math.Abs(tm.LonUR-tm.LonLL) < 1e-12 {
		// A tile at a pole has no usable longitudinal extent.
		return nil
	}

	total := tm.Cols * tm.Cols
	chunkW := tm.WidthPx / tm.Cols
	aspect := math.Abs((tm.LatUR - tm.LatLL) / (tm.LonUR - tm.LonLL))
	chunkH := int(math.Round(float64(chunkW) * aspect))

	var out []ChunkJob
	for y := 1; y <= tm.Cols; y++ {
		for x := 1; x <= tm.Cols; x++ {
			yFlipped := tm.Cols - y + 1
			name := StagingFileName(tm.ID, tm.SizeID, total, yFlipped, x)
			path := filepath.Join(stagingDir, name)
			if alreadyStaged(path, minHighResChunkBytes) {
				continue
			}
			job := ChunkJob{
				TileID: tm.ID,
				SizeID: tm.SizeID,
				ChunkX: x,
				ChunkY: y,
				Total:  total,
				BBox: BBox{
					LonLL: tm.LonLL + float64(x-1)*dLon,
					LatLL: tm.LatLL + float64(y-1)*dLat,
					LonUR: tm.LonLL + float64(x)*dLon,
					LatUR: tm.LatLL + float64(y)*dLat,
				},
				PixelSize:   PixelSize{W: chunkW, H: chunkH},
				StagingPath: path,
				RetriesLeft: retries,
				Priority:    prio,
			}
			out = append(out, job)
		}
	}
	return out
}

// GeneratePreCoverage produces the single coarse chunk used for the
// orchestrator's pre-coverage pass: total=1, y_flipped=1, x=1, sized for
// coarseSizeID but shaped by tm's aspect ratio.
func GeneratePreCoverage(tm geodesy.TileMetadata, coarseSizeID int, stagingDir string, retries int, prio Priority) *ChunkJob {
	if math.Abs(tm.LonUR-tm.LonLL) < 1e-12 {
		return nil
	}
	width := geodesy.WidthPx(coarseSizeID) / geodesy.Cols(coarseSizeID)
	aspect := math.Abs((tm.LatUR - tm.LatLL) / (tm.LonUR - tm.LonLL))
	height := int(math.Round(float64(width) * aspect))

	name := StagingFileName(tm.ID, coarseSizeID, 1, 1, 1)
	path := filepath.Join(stagingDir, name)
	if alreadyStaged(path, minPreCoverageChunkBytes) {
		return nil
	}
	return &ChunkJob{
		TileID: tm.ID,
		SizeID: coarseSizeID,
		ChunkX: 1,
		ChunkY: 1,
		Total:  1,
		BBox: BBox{
			LonLL: tm.LonLL,
			LatLL: tm.LatLL,
			LonUR: tm.LonUR,
			LatUR: tm.LatUR,
		},
		PixelSize:   PixelSize{W: width, H: height},
		StagingPath: path,
		RetriesLeft: retries,
		Priority:    prio,
	}
}

func alreadyStaged(path string, minBytes int64) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Size() >= minBytes
}
