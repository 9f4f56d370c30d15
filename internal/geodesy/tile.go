package geodesy

import "github.com/paulmach/orb"

// TileMetadata describes one scenery tile at a chosen resolution class.
// It is produced by the orchestrator and is immutable for the life of a
// job.
type TileMetadata struct {
	ID       int
	SizeID   int
	LonLL    float64
	LatLL    float64
	LonUR    float64
	LatUR    float64
	X, Y     int
	LonC     float64
	LatC     float64
	LonStep  float64
	WidthPx  int
	Cols     int
}

// NewTileMetadata builds the TileMetadata for tile id at the given
// resolution class.
func NewTileMetadata(id, sizeID int) TileMetadata {
	c := CoordFromIndex(id)
	return TileMetadata{
		ID:      id,
		SizeID:  sizeID,
		LonLL:   c.LonBase,
		LatLL:   c.LatBase,
		LonUR:   c.LonBase + c.LonStep,
		LatUR:   c.LatBase + LatStep,
		X:       c.X,
		Y:       c.Y,
		LonC:    c.LonC,
		LatC:    c.LatC,
		LonStep: c.LonStep,
		WidthPx: WidthPx(sizeID),
		Cols:    Cols(sizeID),
	}
}

// Bound returns the tile's bounding box as an orb.Bound, the representation
// used by the job factory and map-server profile for URL templating.
func (tm TileMetadata) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{tm.LonLL, tm.LatLL},
		Max: orb.Point{tm.LonUR, tm.LatUR},
	}
}

// Dir10 and Dir1 are the placement directory labels for this tile.
func (tm TileMetadata) Dir10() string {
	return dirLabel(tm.LonLL, tm.LatLL, 10)
}

func (tm TileMetadata) Dir1() string {
	return dirLabel(tm.LonLL, tm.LatLL, 1)
}
