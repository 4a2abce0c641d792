package source

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/mapproxy-go/mapproxy/internal/raster"
)

// Debug draws the requested bbox and a grid outline onto a placeholder
// tile, useful for visualizing meta-tile boundaries and confirming which
// upstream requests the Tile Manager issues. Text rendering is grounded on
// gogpu-gg's text/draw usage (golang.org/x/image/font/basicfont is the
// lightest-weight face in that ecosystem, appropriate for debug overlays
// rather than production cartography).
type Debug struct {
	base

	GridName string
	Z, X, Y  int // set by the caller before GetMap, per-request
}

// NewDebug builds a Debug source; it supports every SRS/format since it
// never actually queries anything.
func NewDebug() *Debug {
	return &Debug{}
}

func (d *Debug) Supports(srs int, format string, res float64) bool { return true }

// GetMap renders a bordered tile labeled with the bbox and grid coordinate.
func (d *Debug) GetMap(ctx context.Context, q Query) (*raster.Buffer, error) {
	img := image.NewRGBA(image.Rect(0, 0, q.Width, q.Height))
	bg := color.RGBA{R: 255, G: 255, B: 200, A: 255}
	draw.Draw(img, img.Bounds(), &image.Uniform{C: bg}, image.Point{}, draw.Src)

	border := color.RGBA{R: 200, G: 0, B: 0, A: 255}
	w, h := q.Width, q.Height
	for x := 0; x < w; x++ {
		img.Set(x, 0, border)
		img.Set(x, h-1, border)
	}
	for y := 0; y < h; y++ {
		img.Set(0, y, border)
		img.Set(w-1, y, border)
	}

	label := fmt.Sprintf("%s %d/%d/%d", d.GridName, d.Z, d.X, d.Y)
	drawLabel(img, label, 4, 14)
	bboxLabel := fmt.Sprintf("%.1f,%.1f", q.BBox.MinX, q.BBox.MinY)
	drawLabel(img, bboxLabel, 4, 28)

	return raster.New(img, q.BBox, q.SRS), nil
}

func drawLabel(dst draw.Image, s string, x, y int) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(color.RGBA{A: 255}),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}
