package raster

import (
	"image"
	"image/color"
	"testing"

	"github.com/mapproxy-go/mapproxy/internal/grid"
)

func TestUniformDetection(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for i := range img.Pix {
		img.Pix[i] = 0
	}
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.SetRGBA(x, y, color.RGBA{10, 20, 30, 255})
		}
	}
	b := New(img, grid.BBox{}, 3857)
	if !b.IsUniform() {
		t.Fatalf("expected uniform buffer")
	}
	if c := b.Color(); c != (color.RGBA{10, 20, 30, 255}) {
		t.Errorf("got color %+v", c)
	}
}

func TestNonUniformDetection(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.SetRGBA(0, 0, color.RGBA{1, 2, 3, 255})
	img.SetRGBA(1, 0, color.RGBA{4, 5, 6, 255})
	b := New(img, grid.BBox{}, 3857)
	if b.IsUniform() {
		t.Fatalf("expected non-uniform buffer")
	}
}

func TestComposeOverOpaqueTopWins(t *testing.T) {
	bottom := NewUniform(color.RGBA{255, 0, 0, 255}, 2, 2, grid.BBox{}, 3857)
	top := NewUniform(color.RGBA{0, 255, 0, 255}, 2, 2, grid.BBox{}, 3857)
	out := ComposeOver(bottom, top)
	c := out.ToRGBA().RGBAAt(0, 0)
	if c != (color.RGBA{0, 255, 0, 255}) {
		t.Errorf("expected opaque top to fully replace bottom, got %+v", c)
	}
}

func TestQuantizeReservesTransparentIndex(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.SetRGBA(0, 0, color.RGBA{0, 0, 0, 0})
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			if x == 0 && y == 0 {
				continue
			}
			img.SetRGBA(x, y, color.RGBA{200, 100, 50, 255})
		}
	}
	b := New(img, grid.BBox{}, 3857)
	pal := Quantize(b, 4, QuantizeMedianCut)
	if pal.Palette[0] != (color.RGBA{0, 0, 0, 0}) {
		t.Errorf("expected palette index 0 reserved for transparency, got %+v", pal.Palette[0])
	}
	if idx := pal.ColorIndexAt(0, 0); idx != 0 {
		t.Errorf("expected transparent pixel to map to index 0, got %d", idx)
	}
}
