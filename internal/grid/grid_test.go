package grid

import (
	"testing"

	"github.com/mapproxy-go/mapproxy/internal/coord"
)

func webMercatorGlobal(t *testing.T) *Grid {
	t.Helper()
	g, err := New(Config{
		Name:     "GLOBAL_WEBMERCATOR",
		SRS:      coord.ForEPSG(3857),
		BBox:     BBox{MinX: -coord.OriginShift, MinY: -coord.OriginShift, MaxX: coord.OriginShift, MaxY: coord.OriginShift},
		TileSize: 256,
		Origin:   OriginNW,
		ResFactor: ResFactor{
			Explicit: []float64{
				2 * coord.OriginShift / 256,
				coord.OriginShift / 256,
				coord.OriginShift / 512,
			},
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func TestLevelForResRoundTrip(t *testing.T) {
	g := webMercatorGlobal(t)
	for z := 0; z < g.NumLevels(); z++ {
		r, err := g.Resolution(z)
		if err != nil {
			t.Fatalf("Resolution(%d): %v", z, err)
		}
		if got := g.LevelForRes(r); got != z {
			t.Errorf("LevelForRes(Resolution(%d)) = %d, want %d", z, got, z)
		}
	}
}

func TestTilesForBBoxCoversWithoutOverlap(t *testing.T) {
	g := webMercatorGlobal(t)
	full := g.BBox
	tiles, err := g.TilesForBBox(full, 1)
	if err != nil {
		t.Fatalf("TilesForBBox: %v", err)
	}
	cols, rows := g.gridDims(1)
	if len(tiles) != cols*rows {
		t.Errorf("got %d tiles, want %d (grid %dx%d)", len(tiles), cols*rows, cols, rows)
	}

	seen := make(map[[2]int]bool)
	var union BBox
	first := true
	for _, xy := range tiles {
		if seen[xy] {
			t.Fatalf("duplicate tile %v", xy)
		}
		seen[xy] = true
		b, err := g.TileBBox(1, xy[0], xy[1])
		if err != nil {
			t.Fatalf("TileBBox: %v", err)
		}
		if first {
			union = b
			first = false
		} else {
			union = union.Union(b)
		}
	}
	if union.MinX > full.MinX+1e-6 || union.MaxX < full.MaxX-1e-6 {
		t.Errorf("tile union %+v does not cover bbox %+v", union, full)
	}
}

func TestOutOfRangeBBoxClips(t *testing.T) {
	g := webMercatorGlobal(t)
	huge := BBox{MinX: -1e9, MinY: -1e9, MaxX: 1e9, MaxY: 1e9}
	tiles, err := g.TilesForBBox(huge, 0)
	if err != nil {
		t.Fatalf("TilesForBBox: %v", err)
	}
	cols, rows := g.gridDims(0)
	if len(tiles) != cols*rows {
		t.Errorf("clipped bbox should yield exactly the grid's tiles at z=0, got %d want %d", len(tiles), cols*rows)
	}
}

func TestLevelForResClampsToFinestLevel(t *testing.T) {
	g := webMercatorGlobal(t)
	finest, _ := g.Resolution(g.NumLevels() - 1)
	if got := g.LevelForRes(finest / 100); got != g.NumLevels()-1 {
		t.Errorf("LevelForRes of much finer resolution = %d, want clamp to %d", got, g.NumLevels()-1)
	}
}
