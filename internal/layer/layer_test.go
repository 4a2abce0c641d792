package layer

import (
	"context"
	"image/color"
	"testing"

	"github.com/mapproxy-go/mapproxy/internal/coverage"
	"github.com/mapproxy-go/mapproxy/internal/grid"
	"github.com/mapproxy-go/mapproxy/internal/raster"
	"github.com/mapproxy-go/mapproxy/internal/source"
)

type uniformSource struct {
	c   color.RGBA
	cov coverage.Coverage
}

func (u *uniformSource) GetMap(ctx context.Context, q source.Query) (*raster.Buffer, error) {
	return raster.NewUniform(u.c, q.Width, q.Height, q.BBox, q.SRS), nil
}
func (u *uniformSource) Supports(srs int, format string, res float64) bool { return true }
func (u *uniformSource) Coverage() coverage.Coverage                       { return u.cov }
func (u *uniformSource) SeedOnly() bool                                   { return false }

func testBBox() grid.BBox {
	return grid.BBox{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10}
}

func TestGetMapComposesBottomToTop(t *testing.T) {
	bottom := &uniformSource{c: color.RGBA{R: 255, A: 255}}
	top := &uniformSource{c: color.RGBA{B: 255, A: 128}}
	l := New("base", []Entry{{Source: bottom}, {Source: top}})

	buf, err := l.GetMap(context.Background(), testBBox(), 3857, 4, 4, "image/png")
	if err != nil {
		t.Fatalf("GetMap: %v", err)
	}
	// top is semi-transparent blue over opaque red: result should not be
	// pure red nor pure blue.
	px := buf.ToRGBA().At(0, 0)
	r, _, b, _ := px.RGBA()
	if r == 0 || b == 0 {
		t.Fatalf("expected blended pixel, got %v", px)
	}
}

func TestGetMapResetsStackOnOpaqueEntry(t *testing.T) {
	bottom := &uniformSource{c: color.RGBA{R: 255, A: 255}}
	opaqueMiddle := &uniformSource{c: color.RGBA{G: 255, A: 255}}
	top := &uniformSource{c: color.RGBA{B: 255, A: 128}}
	l := New("base", []Entry{{Source: bottom}, {Source: opaqueMiddle}, {Source: top}})

	buf, err := l.GetMap(context.Background(), testBBox(), 3857, 4, 4, "image/png")
	if err != nil {
		t.Fatalf("GetMap: %v", err)
	}
	px := buf.ToRGBA().At(0, 0)
	r, g, _, _ := px.RGBA()
	// the opaque middle entry should hide the bottom red entirely.
	if r>>8 != 0 {
		t.Fatalf("expected bottom entry fully hidden by opaque middle, got r=%d", r>>8)
	}
	if g>>8 == 0 {
		t.Fatalf("expected middle entry's green to show through, got g=%d", g>>8)
	}
}

func TestGetMapDropsEntriesOutsideCoverage(t *testing.T) {
	farAway := coverage.NewBBox(grid.BBox{MinX: 1000, MinY: 1000, MaxX: 1001, MaxY: 1001})
	excluded := &uniformSource{c: color.RGBA{R: 255, A: 255}, cov: farAway}
	l := New("base", []Entry{{Source: excluded}})

	buf, err := l.GetMap(context.Background(), testBBox(), 3857, 4, 4, "image/png")
	if err != nil {
		t.Fatalf("GetMap: %v", err)
	}
	if !buf.IsUniform() || buf.Color().A != 0 {
		t.Fatalf("expected transparent fallback when all entries excluded, got %v", buf.Color())
	}
}

func TestGetMapClipsPartialCoverageToSubBBox(t *testing.T) {
	// right half of the 10x10 request bbox only.
	halfCov := coverage.NewBBox(grid.BBox{MinX: 5, MinY: 0, MaxX: 10, MaxY: 10})
	partial := &uniformSource{c: color.RGBA{R: 255, A: 255}, cov: halfCov}
	l := New("base", []Entry{{Source: partial}})

	buf, err := l.GetMap(context.Background(), testBBox(), 3857, 8, 8, "image/png")
	if err != nil {
		t.Fatalf("GetMap: %v", err)
	}
	img := buf.ToRGBA()
	if a := img.RGBAAt(1, 4).A; a != 0 {
		t.Fatalf("expected left half (outside coverage) transparent, got alpha=%d", a)
	}
	if a := img.RGBAAt(6, 4).A; a == 0 {
		t.Fatalf("expected right half (inside coverage) painted, got alpha=%d", a)
	}
}

func TestGetMapEmptyLayer(t *testing.T) {
	l := New("empty", nil)
	buf, err := l.GetMap(context.Background(), testBBox(), 3857, 2, 2, "image/png")
	if err != nil {
		t.Fatalf("GetMap: %v", err)
	}
	if buf.Color().A != 0 {
		t.Fatalf("expected transparent image for empty layer")
	}
}
