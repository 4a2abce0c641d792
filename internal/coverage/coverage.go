// Package coverage implements the geometric region gating which areas a
// source or cache is authoritative for.
//
// Per the design note preserved in SPEC_FULL.md §9, the representation is
// deliberately small — a bbox plus optional polygon rings — behind a
// narrow predicate interface, so a heavy geometry engine stays optional.
// The polygon-clip math here is grounded on the same small-struct-geometry
// style the teacher uses for tile-local math (internal/coord and
// internal/tile/downsample.go), not on any external geometry library.
package coverage

import (
	"github.com/mapproxy-go/mapproxy/internal/grid"
)

// Point is a 2D point in some SRS.
type Point struct{ X, Y float64 }

// Ring is a closed polygon ring (first point == last point by convention,
// not enforced).
type Ring []Point

// Coverage is the predicate interface every region implementation
// satisfies.
type Coverage interface {
	// Contains reports whether b lies entirely within the coverage.
	Contains(b grid.BBox) bool
	// Intersects reports whether b overlaps the coverage at all.
	Intersects(b grid.BBox) bool
	// BBox returns the coverage's enclosing bounding box.
	BBox() grid.BBox
	// Empty reports whether this is the empty/no-op coverage.
	Empty() bool
}

// bboxCoverage is a coverage with no polygon restriction: a plain bbox.
type bboxCoverage struct {
	box   grid.BBox
	empty bool
}

// NewBBox builds a coverage that is exactly the given bbox.
func NewBBox(b grid.BBox) Coverage { return &bboxCoverage{box: b} }

// Empty returns the empty coverage, treated as a no-op by spec (never an
// error): Contains/Intersects always false.
func Empty() Coverage { return &bboxCoverage{empty: true} }

func (c *bboxCoverage) Contains(b grid.BBox) bool {
	if c.empty {
		return false
	}
	return c.box.MinX <= b.MinX && c.box.MinY <= b.MinY && c.box.MaxX >= b.MaxX && c.box.MaxY >= b.MaxY
}

func (c *bboxCoverage) Intersects(b grid.BBox) bool {
	if c.empty {
		return false
	}
	return c.box.Intersects(b)
}

func (c *bboxCoverage) BBox() grid.BBox { return c.box }
func (c *bboxCoverage) Empty() bool     { return c.empty }

// polygonCoverage restricts a bbox coverage further with one or more
// polygon rings (a multi-polygon). Contains/Intersects first reject via
// the bbox, then fall back to a ring-based point/edge test for the
// boundary case.
type polygonCoverage struct {
	box   grid.BBox
	rings []Ring
}

// NewPolygon builds a coverage from an enclosing bbox and a set of rings
// forming a (multi-)polygon. The bbox must enclose all rings; callers
// typically derive it once at load time.
func NewPolygon(box grid.BBox, rings []Ring) Coverage {
	return &polygonCoverage{box: box, rings: rings}
}

func (c *polygonCoverage) BBox() grid.BBox { return c.box }
func (c *polygonCoverage) Empty() bool     { return len(c.rings) == 0 }

func (c *polygonCoverage) Contains(b grid.BBox) bool {
	if !c.box.Contains(b) {
		return false
	}
	corners := []Point{{b.MinX, b.MinY}, {b.MinX, b.MaxY}, {b.MaxX, b.MinY}, {b.MaxX, b.MaxY}}
	for _, p := range corners {
		if !pointInRings(p, c.rings) {
			return false
		}
	}
	return true
}

func (c *polygonCoverage) Intersects(b grid.BBox) bool {
	if !c.box.Intersects(b) {
		return false
	}
	// True when any ring vertex lies inside b or any b corner lies inside a
	// ring. No edge-intersection test is made, so a ring edge that crosses b
	// with neither of those holding is not detected.
	for _, ring := range c.rings {
		for _, p := range ring {
			if p.X >= b.MinX && p.X <= b.MaxX && p.Y >= b.MinY && p.Y <= b.MaxY {
				return true
			}
		}
	}
	corners := []Point{{b.MinX, b.MinY}, {b.MinX, b.MaxY}, {b.MaxX, b.MinY}, {b.MaxX, b.MaxY}}
	for _, p := range corners {
		if pointInRings(p, c.rings) {
			return true
		}
	}
	return false
}

// pointInRings implements the standard ray-casting point-in-polygon test
// against the union of rings.
func pointInRings(p Point, rings []Ring) bool {
	for _, ring := range rings {
		if pointInRing(p, ring) {
			return true
		}
	}
	return false
}

func pointInRing(p Point, ring Ring) bool {
	inside := false
	n := len(ring)
	if n < 3 {
		return false
	}
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		pi, pj := ring[i], ring[j]
		if (pi.Y > p.Y) != (pj.Y > p.Y) &&
			p.X < (pj.X-pi.X)*(p.Y-pi.Y)/(pj.Y-pi.Y)+pi.X {
			inside = !inside
		}
	}
	return inside
}

// boolCoverage combines sub-coverages with a boolean operator.
type boolOp int

const (
	opUnion boolOp = iota
	opIntersection
	opDifference
)

type boolCoverage struct {
	op    boolOp
	parts []Coverage
}

// Union returns a coverage that is true wherever any part is true.
func Union(parts ...Coverage) Coverage { return &boolCoverage{op: opUnion, parts: parts} }

// Intersection returns a coverage that is true only where every part is true.
func Intersection(parts ...Coverage) Coverage {
	return &boolCoverage{op: opIntersection, parts: parts}
}

// Difference returns a coverage equal to parts[0] minus every other part.
func Difference(base Coverage, subtract ...Coverage) Coverage {
	return &boolCoverage{op: opDifference, parts: append([]Coverage{base}, subtract...)}
}

func (c *boolCoverage) Empty() bool {
	for _, p := range c.parts {
		if !p.Empty() {
			return false
		}
	}
	return true
}

func (c *boolCoverage) BBox() grid.BBox {
	if len(c.parts) == 0 {
		return grid.BBox{}
	}
	box := c.parts[0].BBox()
	for _, p := range c.parts[1:] {
		box = box.Union(p.BBox())
	}
	return box
}

func (c *boolCoverage) Contains(b grid.BBox) bool {
	switch c.op {
	case opUnion:
		for _, p := range c.parts {
			if p.Contains(b) {
				return true
			}
		}
		return false
	case opIntersection:
		for _, p := range c.parts {
			if !p.Contains(b) {
				return false
			}
		}
		return len(c.parts) > 0
	case opDifference:
		if len(c.parts) == 0 {
			return false
		}
		if !c.parts[0].Contains(b) {
			return false
		}
		for _, p := range c.parts[1:] {
			if p.Intersects(b) {
				return false
			}
		}
		return true
	}
	return false
}

func (c *boolCoverage) Intersects(b grid.BBox) bool {
	switch c.op {
	case opUnion:
		for _, p := range c.parts {
			if p.Intersects(b) {
				return true
			}
		}
		return false
	case opIntersection:
		for _, p := range c.parts {
			if !p.Intersects(b) {
				return false
			}
		}
		return len(c.parts) > 0
	case opDifference:
		if len(c.parts) == 0 {
			return false
		}
		if !c.parts[0].Intersects(b) {
			return false
		}
		// Approximation (narrow predicate interface, per design note):
		// intersects unless fully swallowed by every subtracted part.
		for _, p := range c.parts[1:] {
			if p.Contains(b) {
				return false
			}
		}
		return true
	}
	return false
}

// Clip crops img's bbox to the coverage's enclosing bbox; callers apply
// the resulting bbox to an image.Crop equivalent in internal/raster. A
// polygon coverage's clip may turn a single polygon into a multi-polygon
// (e.g. a bbox straddling a concave boundary); Coverage preserves this by
// never collapsing c.rings itself.
func Clip(c Coverage, b grid.BBox) (grid.BBox, bool) {
	return c.BBox().Intersection(b)
}
