package manager

import (
	"context"
	"fmt"
	"image"
	"image/draw"

	"github.com/mapproxy-go/mapproxy/internal/cache"
	"github.com/mapproxy-go/mapproxy/internal/encode"
	"github.com/mapproxy-go/mapproxy/internal/grid"
	"github.com/mapproxy-go/mapproxy/internal/raster"
)

// metaTileMembers returns every (x,y) tile coordinate belonging to
// meta-tile (mx,my) at level z, clipped to the grid's own extent — a
// meta-tile never crosses the grid bbox, per spec.md §3.
func metaTileMembers(g *grid.Grid, z, mx, my int, metaSize [2]int) [][2]int {
	cols, rows := g.GridWidth(z), g.GridHeight(z)
	x0, y0 := mx*metaSize[0], my*metaSize[1]
	x1, y1 := x0+metaSize[0], y0+metaSize[1]
	if x1 > cols {
		x1 = cols
	}
	if y1 > rows {
		y1 = rows
	}
	var out [][2]int
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			out = append(out, [2]int{x, y})
		}
	}
	return out
}

func uniqueX(coords [][2]int) map[int]bool {
	m := make(map[int]bool)
	for _, c := range coords {
		m[c[0]] = true
	}
	return m
}

func uniqueY(coords [][2]int) map[int]bool {
	m := make(map[int]bool)
	for _, c := range coords {
		m[c[1]] = true
	}
	return m
}

// metaBounds computes the union bbox of coords' tiles, grown by bufferPx
// pixels on every side (converted to SRS units via the level's
// resolution), per spec §3's meta-tile definition.
func metaBounds(g *grid.Grid, z int, coords [][2]int, bufferPx int) (grid.BBox, error) {
	if len(coords) == 0 {
		return grid.BBox{}, fmt.Errorf("manager: empty meta-tile")
	}
	res, err := g.Resolution(z)
	if err != nil {
		return grid.BBox{}, err
	}
	var union grid.BBox
	for i, c := range coords {
		b, err := g.TileBBox(z, c[0], c[1])
		if err != nil {
			return grid.BBox{}, err
		}
		if i == 0 {
			union = b
		} else {
			union = union.Union(b)
		}
	}
	if bufferPx > 0 {
		union = union.Grow(float64(bufferPx)*res, float64(bufferPx)*res)
	}
	return union, nil
}

// storeMetaTile splits merged (covering metaBBox) back into grid-aligned
// tiles and stores each — spec §4.5.f. When LinkSingleColorImages is set,
// fully transparent tiles are marked Empty (and not encoded) so backends
// with BackendCapabilities.SupportsLinkIdentical can apply the single-color
// symlink optimization; otherwise every tile is encoded and stored.
func (m *Manager) storeMetaTile(ctx context.Context, z int, coords [][2]int, merged *raster.Buffer, metaBBox grid.BBox, format string) error {
	enc, err := encode.NewEncoder(format, 85)
	if err != nil {
		return err
	}
	var firstErr error
	for _, c := range coords {
		tileBBox, err := m.cfg.Grid.TileBBox(z, c[0], c[1])
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		tileImg := cropToRequest(merged, metaBBox, tileBBox, m.cfg.Grid.TileSize, m.cfg.Grid.TileSize)

		coord := cache.TileCoord{Grid: m.cfg.Grid.Name, Z: z, X: c[0], Y: c[1], Format: format}
		t := &cache.Tile{Coord: coord, ContentType: "image/" + format}
		if tileImg.IsUniform() && tileImg.Color().A == 0 && m.cfg.LinkSingleColorImages {
			t.Empty = true
		} else {
			data, err := enc.Encode(tileImg)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			t.Data = data
		}
		if err := m.cfg.Backend.Store(ctx, t); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// assembleCanvas stitches independently fetched tiles into one raster
// canvas covering the union of their bboxes, for the arbitrary-bbox
// GetMap assembly path (spec §4.5 step 7, "Assemble").
func assembleCanvas(g *grid.Grid, z int, coords [][2]int, tiles map[[2]int]*raster.Buffer, srs int) (*raster.Buffer, grid.BBox, error) {
	minX, maxX := coords[0][0], coords[0][0]
	minY, maxY := coords[0][1], coords[0][1]
	for _, c := range coords {
		if c[0] < minX {
			minX = c[0]
		}
		if c[0] > maxX {
			maxX = c[0]
		}
		if c[1] < minY {
			minY = c[1]
		}
		if c[1] > maxY {
			maxY = c[1]
		}
	}
	cols := maxX - minX + 1
	rows := maxY - minY + 1
	ts := g.TileSize
	canvas := raster.GetRGBA(cols*ts, rows*ts)

	minBBox, err := g.TileBBox(z, minX, minY)
	if err != nil {
		return nil, grid.BBox{}, err
	}
	maxBBox, err := g.TileBBox(z, maxX, maxY)
	if err != nil {
		return nil, grid.BBox{}, err
	}
	union := minBBox.Union(maxBBox)

	for c, buf := range tiles {
		if buf == nil {
			continue
		}
		col := c[0] - minX
		// Pixel row 0 is the northernmost tile. In SW grids y increases
		// northward (row shrinks as y grows); in NW grids y increases
		// southward (row grows with y).
		var row int
		if g.Origin == grid.OriginNW {
			row = c[1] - minY
		} else {
			row = maxY - c[1]
		}
		dstRect := canvas.Bounds().Intersect(image.Rect(col*ts, row*ts, col*ts+ts, row*ts+ts))
		draw.Draw(canvas, dstRect, buf, buf.Bounds().Min, draw.Src)
	}
	return raster.New(canvas, union, srs), union, nil
}

// cropToRequest extracts the pixel sub-rectangle of canvas (which covers
// canvasBBox) corresponding to reqBBox, resampling to w x h if the pixel
// rectangle doesn't already match exactly.
func cropToRequest(canvas *raster.Buffer, canvasBBox, reqBBox grid.BBox, w, h int) *raster.Buffer {
	cb := canvas.Bounds()
	cw, ch := cb.Dx(), cb.Dy()
	spanX := canvasBBox.MaxX - canvasBBox.MinX
	spanY := canvasBBox.MaxY - canvasBBox.MinY
	if spanX <= 0 || spanY <= 0 {
		return canvas
	}
	x0 := int((reqBBox.MinX - canvasBBox.MinX) / spanX * float64(cw))
	x1 := int((reqBBox.MaxX - canvasBBox.MinX) / spanX * float64(cw))
	y0 := int((canvasBBox.MaxY - reqBBox.MaxY) / spanY * float64(ch))
	y1 := int((canvasBBox.MaxY - reqBBox.MinY) / spanY * float64(ch))

	x0, y0 = clampInt(x0, 0, cw), clampInt(y0, 0, ch)
	x1, y1 = clampInt(x1, 0, cw), clampInt(y1, 0, ch)
	if x1 <= x0 || y1 <= y0 {
		return raster.NewUniform(raster.TransparentColor(), w, h, reqBBox, canvas.SRS)
	}
	cropped := raster.Crop(canvas, x0, y0, x1, y1, reqBBox)
	if cropped.Bounds().Dx() == w && cropped.Bounds().Dy() == h {
		return cropped
	}
	return raster.Resample(cropped, w, h, raster.ResamplingBicubic)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
