package coverage

import (
	"testing"

	"github.com/mapproxy-go/mapproxy/internal/grid"
)

func box(minx, miny, maxx, maxy float64) grid.BBox {
	return grid.BBox{MinX: minx, MinY: miny, MaxX: maxx, MaxY: maxy}
}

func TestIntersectionCommutativeAndAssociative(t *testing.T) {
	a := NewBBox(box(0, 0, 10, 10))
	b := NewBBox(box(5, 5, 15, 15))
	c := NewBBox(box(-5, -5, 8, 8))

	ab := Intersection(a, b)
	ba := Intersection(b, a)
	test := box(6, 6, 9, 9)
	if ab.Intersects(test) != ba.Intersects(test) {
		t.Errorf("intersection not commutative at %+v", test)
	}

	abc := Intersection(Intersection(a, b), c)
	abc2 := Intersection(a, Intersection(b, c))
	if abc.Intersects(test) != abc2.Intersects(test) {
		t.Errorf("intersection not associative at %+v", test)
	}
}

func TestDifferenceOfSelfIsEmpty(t *testing.T) {
	a := NewBBox(box(0, 0, 10, 10))
	d := Difference(a, a)
	if d.Intersects(box(1, 1, 2, 2)) {
		t.Errorf("difference(A,A) should be empty but intersects a sub-region")
	}
}

func TestIntersectsOwnBBox(t *testing.T) {
	a := NewBBox(box(0, 0, 10, 10))
	if !a.Intersects(a.BBox()) {
		t.Errorf("non-empty coverage must intersect its own bbox")
	}
}

func TestEmptyCoverageIsNoOp(t *testing.T) {
	e := Empty()
	if e.Intersects(box(0, 0, 1, 1)) || e.Contains(box(0, 0, 1, 1)) {
		t.Errorf("empty coverage must never contain or intersect")
	}
}

func TestPolygonContainsRequiresAllCorners(t *testing.T) {
	ring := Ring{{0, 0}, {10, 0}, {10, 10}, {0, 10}}
	p := NewPolygon(box(0, 0, 10, 10), []Ring{ring})
	if !p.Contains(box(2, 2, 8, 8)) {
		t.Errorf("square fully inside ring should be contained")
	}
	if p.Contains(box(-5, -5, 5, 5)) {
		t.Errorf("bbox extending outside ring should not be contained")
	}
}
