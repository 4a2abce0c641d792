// Package grid implements the quantized tile pyramid: a named resolution
// ladder over a bounding box in some SRS, with tile addressing and
// bbox<->tile conversions.
//
// Grounded on the teacher's internal/coord/mercator.go tiling math
// (LonLatToTile, TileBounds, TilesInBounds, ResolutionAtLat), generalized
// from a single hardwired Web Mercator grid into a parameterized Grid that
// can carry any coord.Projection, an explicit resolution ladder, tile size,
// and origin.
package grid

import (
	"fmt"
	"math"

	"github.com/mapproxy-go/mapproxy/internal/coord"
)

// Origin selects which corner of the grid bbox tile (0,0) sits at.
type Origin string

const (
	OriginNW Origin = "nw"
	OriginSW Origin = "sw"
)

// BBox is an axis-aligned box in the grid's SRS units.
type BBox struct {
	MinX, MinY, MaxX, MaxY float64
}

// Intersects reports whether b and o overlap.
func (b BBox) Intersects(o BBox) bool {
	return b.MinX < o.MaxX && o.MinX < b.MaxX && b.MinY < o.MaxY && o.MinY < b.MaxY
}

// Contains reports whether o lies entirely within b.
func (b BBox) Contains(o BBox) bool {
	return b.MinX <= o.MinX && b.MinY <= o.MinY && b.MaxX >= o.MaxX && b.MaxY >= o.MaxY
}

// Intersection returns the overlapping region of b and o. ok is false if
// they do not overlap.
func (b BBox) Intersection(o BBox) (BBox, bool) {
	r := BBox{
		MinX: math.Max(b.MinX, o.MinX),
		MinY: math.Max(b.MinY, o.MinY),
		MaxX: math.Min(b.MaxX, o.MaxX),
		MaxY: math.Min(b.MaxY, o.MaxY),
	}
	if r.MinX >= r.MaxX || r.MinY >= r.MaxY {
		return BBox{}, false
	}
	return r, true
}

// Union returns the smallest box enclosing both b and o.
func (b BBox) Union(o BBox) BBox {
	return BBox{
		MinX: math.Min(b.MinX, o.MinX),
		MinY: math.Min(b.MinY, o.MinY),
		MaxX: math.Max(b.MaxX, o.MaxX),
		MaxY: math.Max(b.MaxY, o.MaxY),
	}
}

// Grow expands b by dx, dy on every side.
func (b BBox) Grow(dx, dy float64) BBox {
	return BBox{MinX: b.MinX - dx, MinY: b.MinY - dy, MaxX: b.MaxX + dx, MaxY: b.MaxY + dy}
}

// ResFactor describes how the resolution ladder steps between levels.
type ResFactor struct {
	// Numeric is used when Explicit is nil; 0 means "sqrt2".
	Numeric float64
	// Explicit, if non-nil, is the full resolution ladder and takes
	// precedence over Numeric/NumLevels derivation.
	Explicit []float64
}

// Config configures a Grid at construction time.
type Config struct {
	Name          string
	SRS           coord.Projection
	BBox          BBox
	TileSize      int // default 256
	Origin        Origin
	ResFactor     ResFactor
	MinRes        float64 // 0 = unset
	MaxRes        float64 // 0 = unset; not read by New
	NumLevels     int     // required unless ResFactor.Explicit is set; not derived from MinRes/MaxRes
	StretchFactor float64 // default 1.15, per mapproxy convention
}

// Grid is a named, immutable quantized tile pyramid.
type Grid struct {
	Name          string
	SRS           coord.Projection
	BBox          BBox
	TileSize      int
	Origin        Origin
	StretchFactor float64

	resolutions []float64 // strictly decreasing, r[0] > r[1] > ... > r[L-1]
}

// New builds a Grid from cfg, resolving the resolution ladder per the
// min_res/num_levels decision recorded in SPEC_FULL.md §9: when both are
// given, NumLevels fixes the ladder length and MinRes anchors the coarsest
// level, with the ladder built outward at the configured ResFactor.
func New(cfg Config) (*Grid, error) {
	if cfg.TileSize == 0 {
		cfg.TileSize = 256
	}
	if cfg.Origin == "" {
		cfg.Origin = OriginSW
	}
	if cfg.StretchFactor == 0 {
		cfg.StretchFactor = 1.15
	}
	if cfg.SRS == nil {
		return nil, fmt.Errorf("grid %q: SRS is required", cfg.Name)
	}

	g := &Grid{
		Name:          cfg.Name,
		SRS:           cfg.SRS,
		BBox:          cfg.BBox,
		TileSize:      cfg.TileSize,
		Origin:        cfg.Origin,
		StretchFactor: cfg.StretchFactor,
	}

	switch {
	case len(cfg.ResFactor.Explicit) > 0:
		g.resolutions = append([]float64(nil), cfg.ResFactor.Explicit...)
	case cfg.NumLevels > 0:
		factor := cfg.ResFactor.Numeric
		if factor == 0 {
			factor = math.Sqrt2
		}
		base := cfg.MinRes
		if base == 0 {
			base = defaultBaseResolution(cfg.BBox, cfg.TileSize)
		}
		res := make([]float64, cfg.NumLevels)
		// Ladder built outward from the coarsest (min_res) level.
		res[0] = base
		for i := 1; i < cfg.NumLevels; i++ {
			res[i] = res[i-1] / factor
		}
		g.resolutions = res
	default:
		return nil, fmt.Errorf("grid %q: must supply either an explicit resolution list or num_levels", cfg.Name)
	}

	for i := 1; i < len(g.resolutions); i++ {
		if g.resolutions[i] >= g.resolutions[i-1] {
			return nil, fmt.Errorf("grid %q: resolution ladder must be strictly decreasing", cfg.Name)
		}
	}
	return g, nil
}

func defaultBaseResolution(bbox BBox, tileSize int) float64 {
	width := bbox.MaxX - bbox.MinX
	if width <= 0 {
		width = 360
	}
	return width / float64(tileSize)
}

// NumLevels returns the number of resolution levels in the ladder.
func (g *Grid) NumLevels() int { return len(g.resolutions) }

// Resolution returns the ground resolution (SRS units/pixel) at level z.
func (g *Grid) Resolution(z int) (float64, error) {
	if z < 0 || z >= len(g.resolutions) {
		return 0, fmt.Errorf("grid %q: level %d out of range [0,%d)", g.Name, z, len(g.resolutions))
	}
	return g.resolutions[z], nil
}

// LevelForRes returns the finest level whose resolution, widened by
// StretchFactor, still covers r — the threshold-resolution rule: level k
// serves r iff r[k]*stretch >= r >= r[k+1]/stretch, ties toward the finer
// level. A resolution finer than the last level (beyond stretch) clamps to
// L-1 rather than synthesizing a new level.
func (g *Grid) LevelForRes(r float64) int {
	L := len(g.resolutions)
	for k := L - 1; k >= 0; k-- {
		upper := g.resolutions[k] * g.StretchFactor
		var lower float64
		if k+1 < L {
			lower = g.resolutions[k+1] / g.StretchFactor
		} else {
			lower = 0
		}
		if r <= upper && r >= lower {
			return k
		}
	}
	return 0
}

// gridDims returns the number of tile columns and rows across the grid
// bbox at level z.
func (g *Grid) gridDims(z int) (cols, rows int) {
	res := g.resolutions[z]
	tileSpan := res * float64(g.TileSize)
	cols = int(math.Ceil((g.BBox.MaxX - g.BBox.MinX) / tileSpan))
	rows = int(math.Ceil((g.BBox.MaxY - g.BBox.MinY) / tileSpan))
	if cols < 1 {
		cols = 1
	}
	if rows < 1 {
		rows = 1
	}
	return
}

// GridWidth returns grid_width(z) for the invariant 0 <= x < grid_width(z).
func (g *Grid) GridWidth(z int) int { c, _ := g.gridDims(z); return c }

// GridHeight returns grid_height(z).
func (g *Grid) GridHeight(z int) int { _, r := g.gridDims(z); return r }

// TileBBox returns the bbox of tile (z,x,y), honoring origin direction.
func (g *Grid) TileBBox(z, x, y int) (BBox, error) {
	if z < 0 || z >= len(g.resolutions) {
		return BBox{}, fmt.Errorf("grid %q: level %d out of range", g.Name, z)
	}
	res := g.resolutions[z]
	tileSpan := res * float64(g.TileSize)

	minx := g.BBox.MinX + float64(x)*tileSpan
	maxx := minx + tileSpan

	var miny, maxy float64
	if g.Origin == OriginNW {
		// y grows downward from the top (north) edge.
		maxy := g.BBox.MaxY - float64(y)*tileSpan
		miny := maxy - tileSpan
		return BBox{MinX: minx, MinY: miny, MaxX: maxx, MaxY: maxy}, nil
	}
	miny = g.BBox.MinY + float64(y)*tileSpan
	maxy = miny + tileSpan
	return BBox{MinX: minx, MinY: miny, MaxX: maxx, MaxY: maxy}, nil
}

// TilesForBBox iterates all tiles at level z whose bbox intersects in,
// clipped to the grid's own bbox so out-of-range requests never produce
// tiles beyond grid_width/grid_height (prevents e.g. +-180 wrap errors).
func (g *Grid) TilesForBBox(in BBox, z int) ([][2]int, error) {
	if z < 0 || z >= len(g.resolutions) {
		return nil, fmt.Errorf("grid %q: level %d out of range", g.Name, z)
	}
	clipped, ok := g.BBox.Intersection(in)
	if !ok {
		return nil, nil
	}
	res := g.resolutions[z]
	tileSpan := res * float64(g.TileSize)
	cols, rows := g.gridDims(z)

	minCol := int(math.Floor((clipped.MinX - g.BBox.MinX) / tileSpan))
	maxCol := int(math.Floor((clipped.MaxX - g.BBox.MinX) / tileSpan))
	minRow := int(math.Floor((clipped.MinY - g.BBox.MinY) / tileSpan))
	maxRow := int(math.Floor((clipped.MaxY - g.BBox.MinY) / tileSpan))

	if minCol < 0 {
		minCol = 0
	}
	if maxCol > cols-1 {
		maxCol = cols - 1
	}
	if minRow < 0 {
		minRow = 0
	}
	if maxRow > rows-1 {
		maxRow = rows - 1
	}

	var out [][2]int
	for row := minRow; row <= maxRow; row++ {
		for col := minCol; col <= maxCol; col++ {
			y := row
			if g.Origin == OriginNW {
				y = rows - 1 - row
			}
			out = append(out, [2]int{col, y})
		}
	}
	return out, nil
}

// AlignResolutionsWith picks this grid's ladder so resolutions coincide
// with other's ladder wherever both overlap, by snapping this grid's
// levels to the nearest level in other within StretchFactor tolerance.
// Configuration-time only; it does not change other.
func (g *Grid) AlignResolutionsWith(other *Grid) {
	if other == nil || len(other.resolutions) == 0 {
		return
	}
	for i, r := range g.resolutions {
		best := r
		bestDiff := math.MaxFloat64
		for _, or := range other.resolutions {
			diff := math.Abs(or - r)
			if diff < bestDiff {
				bestDiff = diff
				best = or
			}
		}
		if bestDiff/r < (g.StretchFactor - 1) {
			g.resolutions[i] = best
		}
	}
}

// Quadkey encodes (z,x,y) as a Microsoft-style quadkey string, for the
// quadkey cache layout (spec §6) and the TileURL source's %(quadkey)s
// template substitution. y is expected in NW (top-down) orientation; SW
// grids are flipped first.
func (g *Grid) Quadkey(z, x, y int) string {
	if g.Origin == OriginSW {
		y = g.GridHeight(z) - 1 - y
	}
	digits := make([]byte, z)
	for i := z; i > 0; i-- {
		mask := 1 << (i - 1)
		digit := byte('0')
		if x&mask != 0 {
			digit++
		}
		if y&mask != 0 {
			digit += 2
		}
		digits[z-i] = digit
	}
	return string(digits)
}
