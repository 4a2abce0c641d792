// Package raster implements the in-memory image buffer and the transform
// operations the core performs on it: reprojection, resampling, alpha
// compositing, transparent-color substitution, palette quantization, and
// dispatch to internal/encode for wire-format encoding.
//
// Grounded on the teacher's internal/tile/tiledata.go (uniform-tile fast
// path, implements image.Image) and internal/tile/rgbapool.go (dimension-
// keyed sync.Pool reuse), generalized here with a georeference (bbox + SRS)
// and an explicit Mode, matching the Image data model in the core design.
package raster

import (
	"image"
	"image/color"
	"sync"

	"github.com/mapproxy-go/mapproxy/internal/grid"
)

// Mode is the pixel storage mode of a Buffer.
type Mode string

const (
	ModeRGB   Mode = "RGB"
	ModeRGBA  Mode = "RGBA"
	ModeP     Mode = "P" // paletted
	ModeL     Mode = "L" // grayscale
)

// Buffer is the core's in-memory raster: pixel data, mode, size,
// georeference, and transparency metadata. Per the data model's lifecycle
// rule, a Buffer is created by a source or cache read and mutated only
// through functions in this package, each of which returns a new logical
// Buffer.
type Buffer struct {
	img      *image.RGBA // non-nil for normal (multi-color) buffers
	color    color.RGBA  // uniform color; meaningful when img == nil
	w, h     int
	mode     Mode
	BBox     grid.BBox
	SRS      int // EPSG code, 0 if unset/unknown
	HasAlpha bool
}

var _ image.Image = (*Buffer)(nil)

// New wraps img as a Buffer, auto-detecting uniform (single-color) data —
// the same fast path the teacher uses to avoid a 262KB allocation per
// uniform 256x256 tile.
func New(img *image.RGBA, bbox grid.BBox, srs int) *Buffer {
	b := &Buffer{w: img.Rect.Dx(), h: img.Rect.Dy(), mode: ModeRGBA, BBox: bbox, SRS: srs, HasAlpha: true}
	if c, ok := detectUniform(img); ok {
		b.color = c
		return b
	}
	b.img = img
	return b
}

// NewUniform creates a uniform (single-color) buffer of size w x h, used
// for blank/transparent substitutions and the coarsest-level shrink rule.
func NewUniform(c color.RGBA, w, h int, bbox grid.BBox, srs int) *Buffer {
	return &Buffer{color: c, w: w, h: h, mode: ModeRGBA, BBox: bbox, SRS: srs, HasAlpha: true}
}

// TransparentColor is the zero-alpha placeholder used for on_error
// substitutions and coverage-excluded regions.
func TransparentColor() color.RGBA { return color.RGBA{} }

// WhiteColor is the opaque placeholder used where a non-transparent blank
// is required (e.g. a mixed-format cache's opaque background).
func WhiteColor() color.RGBA { return color.RGBA{R: 255, G: 255, B: 255, A: 255} }

// IsUniform reports whether every pixel shares one color.
func (b *Buffer) IsUniform() bool { return b.img == nil }

// Opaque reports whether every pixel has alpha 255, the "first opaque
// entry resets the stack" test used by layer composition (spec §4.8).
func (b *Buffer) Opaque() bool {
	if b.img == nil {
		return b.color.A == 255
	}
	pix := b.img.Pix
	for i := 3; i < len(pix); i += 4 {
		if pix[i] != 255 {
			return false
		}
	}
	return true
}

// Color returns the uniform color; only meaningful when IsUniform().
func (b *Buffer) Color() color.RGBA { return b.color }

// ToRGBA materializes the full *image.RGBA, allocating for uniform buffers.
func (b *Buffer) ToRGBA() *image.RGBA {
	if b.img != nil {
		return b.img
	}
	img := GetRGBA(b.w, b.h)
	c := b.color
	pix := img.Pix
	for i := 0; i < len(pix); i += 4 {
		pix[i], pix[i+1], pix[i+2], pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func (b *Buffer) ColorModel() color.Model { return color.RGBAModel }
func (b *Buffer) Bounds() image.Rectangle { return image.Rect(0, 0, b.w, b.h) }
func (b *Buffer) At(x, y int) color.Color {
	if b.img != nil {
		return b.img.At(x, y)
	}
	return b.color
}

// detectUniform scans img's Pix slice sequentially, short-circuiting on
// the first mismatch.
func detectUniform(img *image.RGBA) (color.RGBA, bool) {
	pix := img.Pix
	if len(pix) < 4 {
		return color.RGBA{}, false
	}
	r, g, bb, a := pix[0], pix[1], pix[2], pix[3]
	for i := 4; i < len(pix); i += 4 {
		if pix[i] != r || pix[i+1] != g || pix[i+2] != bb || pix[i+3] != a {
			return color.RGBA{}, false
		}
	}
	return color.RGBA{R: r, G: g, B: bb, A: a}, true
}

// rgbaPoolKey identifies a pool by image dimensions.
type rgbaPoolKey struct{ w, h int }

var rgbaPools sync.Map

// GetRGBA returns a zeroed *image.RGBA of size w x h from the pool, or
// allocates a new one.
func GetRGBA(w, h int) *image.RGBA {
	key := rgbaPoolKey{w, h}
	if p, ok := rgbaPools.Load(key); ok {
		if v := p.(*sync.Pool).Get(); v != nil {
			img := v.(*image.RGBA)
			clear(img.Pix)
			return img
		}
	}
	return image.NewRGBA(image.Rect(0, 0, w, h))
}

// PutRGBA returns img to the pool for reuse.
func PutRGBA(img *image.RGBA) {
	if img == nil {
		return
	}
	key := rgbaPoolKey{img.Rect.Dx(), img.Rect.Dy()}
	p, _ := rgbaPools.LoadOrStore(key, &sync.Pool{})
	p.(*sync.Pool).Put(img)
}
