package raster

import (
	"image"
	"image/color"
	"image/draw"

	ximage "golang.org/x/image/draw"

	"github.com/disintegration/imaging"
	"github.com/mapproxy-go/mapproxy/internal/grid"
)

// Resampling selects the filter used by Resample/Reproject.
type Resampling string

const (
	ResamplingNearest Resampling = "nearest"
	ResamplingBilinear Resampling = "bilinear"
	ResamplingBicubic Resampling = "bicubic" // default
)

// scaler maps a Resampling to the golang.org/x/image/draw interpolator,
// grounded on gogpu-gg's resampling code, which builds on
// golang.org/x/image/draw.
func scaler(r Resampling) ximage.Interpolator {
	switch r {
	case ResamplingNearest:
		return ximage.NearestNeighbor
	case ResamplingBilinear:
		return ximage.BiLinear
	default:
		return ximage.CatmullRom // bicubic-equivalent, the spec's default
	}
}

// Resample rescales src to width x height using the given filter. Per the
// rule "always convert paletted source to RGB(A) before non-nearest
// resampling", callers must pass nearest for already-paletted buffers.
func Resample(src *Buffer, width, height int, mode Resampling) *Buffer {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	scaler(mode).Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	out := New(dst, src.BBox, src.SRS)
	return out
}

// Reproject resamples src, whose pixels cover srcBBox in SRS srcSRS, onto
// a destination raster covering dstBBox in SRS dstSRS with the given pixel
// size, using proj to map one SRS to the other via their common WGS84
// intermediate (the same indirection internal/coord's Projection interface
// uses). Unmapped destination pixels are left transparent.
type ProjectFunc func(srs int, x, y float64) (lon, lat float64)
type UnprojectFunc func(srs int, lon, lat float64) (x, y float64)

func Reproject(src *Buffer, dstBBox grid.BBox, dstW, dstH, dstSRS int, toWGS84 ProjectFunc, fromWGS84 UnprojectFunc, mode Resampling) *Buffer {
	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	srcW, srcH := src.Bounds().Dx(), src.Bounds().Dy()
	srcBBox := src.BBox

	sx := (srcBBox.MaxX - srcBBox.MinX) / float64(srcW)
	sy := (srcBBox.MaxY - srcBBox.MinY) / float64(srcH)
	dstMinX, dstMinY, dstMaxX, dstMaxY := dstBBox.MinX, dstBBox.MinY, dstBBox.MaxX, dstBBox.MaxY
	dx := (dstMaxX - dstMinX) / float64(dstW)
	dy := (dstMaxY - dstMinY) / float64(dstH)

	nearest := mode == ResamplingNearest
	for py := 0; py < dstH; py++ {
		for px := 0; px < dstW; px++ {
			wx := dstMinX + (float64(px)+0.5)*dx
			wy := dstMaxY - (float64(py)+0.5)*dy
			lon, lat := toWGS84(dstSRS, wx, wy)
			sxw, syw := fromWGS84(src.SRS, lon, lat)

			fsx := (sxw - srcBBox.MinX) / sx
			fsy := (srcBBox.MaxY - syw) / sy
			if fsx < 0 || fsy < 0 || fsx >= float64(srcW) || fsy >= float64(srcH) {
				continue
			}
			var c color.RGBA
			if nearest {
				c = rgbaAt(src, int(fsx), int(fsy))
			} else {
				c = bilinearAt(src, fsx, fsy, srcW, srcH)
			}
			dst.SetRGBA(px, py, c)
		}
	}
	return New(dst, grid.BBox{MinX: dstMinX, MinY: dstMinY, MaxX: dstMaxX, MaxY: dstMaxY}, dstSRS)
}

func rgbaAt(b *Buffer, x, y int) color.RGBA {
	if b.img != nil {
		return b.img.RGBAAt(x, y)
	}
	return b.color
}

func bilinearAt(b *Buffer, fx, fy float64, w, h int) color.RGBA {
	x0, y0 := int(fx), int(fy)
	x1, y1 := x0+1, y0+1
	if x1 >= w {
		x1 = w - 1
	}
	if y1 >= h {
		y1 = h - 1
	}
	tx, ty := fx-float64(x0), fy-float64(y0)

	c00, c10 := rgbaAt(b, x0, y0), rgbaAt(b, x1, y0)
	c01, c11 := rgbaAt(b, x0, y1), rgbaAt(b, x1, y1)

	lerp := func(a, bch uint8, t float64) uint8 {
		return uint8(float64(a)*(1-t) + float64(bch)*t)
	}
	top := color.RGBA{lerp(c00.R, c10.R, tx), lerp(c00.G, c10.G, tx), lerp(c00.B, c10.B, tx), lerp(c00.A, c10.A, tx)}
	bot := color.RGBA{lerp(c01.R, c11.R, tx), lerp(c01.G, c11.G, tx), lerp(c01.B, c11.B, tx), lerp(c01.A, c11.A, tx)}
	return color.RGBA{lerp(top.R, bot.R, ty), lerp(top.G, bot.G, ty), lerp(top.B, bot.B, ty), lerp(top.A, bot.A, ty)}
}

// ComposeOver alpha-composites top over bottom using real alpha blending
// (not paste) — per spec: "compose (alpha-over with real alpha
// compositing, not paste)".
func ComposeOver(bottom, top *Buffer) *Buffer {
	w, h := bottom.Bounds().Dx(), bottom.Bounds().Dy()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), bottom, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), top, image.Point{}, draw.Over)
	return New(dst, bottom.BBox, bottom.SRS)
}

// ReplaceTransparentColor turns every pixel matching key into fully
// transparent, per the spec's "replace transparent-color with full
// transparency" rule.
func ReplaceTransparentColor(b *Buffer, key color.RGBA) *Buffer {
	src := b.ToRGBA()
	w, h := src.Rect.Dx(), src.Rect.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	copy(dst.Pix, src.Pix)
	for i := 0; i < len(dst.Pix); i += 4 {
		if dst.Pix[i] == key.R && dst.Pix[i+1] == key.G && dst.Pix[i+2] == key.B {
			dst.Pix[i+3] = 0
		}
	}
	return New(dst, b.BBox, b.SRS)
}

// ApplyOpacity blends b toward fully transparent by the given opacity in
// [0,1].
func ApplyOpacity(b *Buffer, opacity float64) *Buffer {
	if opacity >= 1 {
		return b
	}
	src := b.ToRGBA()
	w, h := src.Rect.Dx(), src.Rect.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	copy(dst.Pix, src.Pix)
	for i := 0; i < len(dst.Pix); i += 4 {
		dst.Pix[i+3] = uint8(float64(dst.Pix[i+3]) * opacity)
	}
	return New(dst, b.BBox, b.SRS)
}

// Watermark overlays the image mark onto b, its bottom-right corner inset 8
// pixels from b's, with opacityPct passed to imaging.Overlay as the opacity,
// using disintegration/imaging. No pack repo
// demonstrates direct use of this library; picked from the ecosystem since
// golang.org/x/image/draw has no direct equivalent (overlay compositing
// helper).
func Watermark(b *Buffer, mark image.Image, opacityPct float64) *Buffer {
	base := imaging.Clone(b.ToRGBA())
	out := imaging.Overlay(base, mark, image.Pt(base.Bounds().Dx()-mark.Bounds().Dx()-8, base.Bounds().Dy()-mark.Bounds().Dy()-8), opacityPct)
	rgba := imaging.Clone(out)
	return New(rgbaFrom(rgba), b.BBox, b.SRS)
}

func rgbaFrom(img *image.NRGBA) *image.RGBA {
	dst := image.NewRGBA(img.Bounds())
	draw.Draw(dst, dst.Bounds(), img, image.Point{}, draw.Src)
	return dst
}

// PasteAt draws sub into a copy of canvas at pixel offset (x0,y0), alpha-
// composited (draw.Over) rather than overwritten, leaving canvas pixels
// outside sub's footprint untouched. Used to reassemble a source queried
// for a coverage-clipped sub-bbox back into its entry's full-frame
// position before the layer stack is composed (spec §4.8/§9 decision 3).
func PasteAt(canvas *Buffer, sub *Buffer, x0, y0 int) *Buffer {
	w, h := canvas.Bounds().Dx(), canvas.Bounds().Dy()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), canvas, image.Point{}, draw.Src)
	draw.Draw(dst, image.Rect(x0, y0, x0+sub.Bounds().Dx(), y0+sub.Bounds().Dy()), sub, image.Point{}, draw.Over)
	return New(dst, canvas.BBox, canvas.SRS)
}

// Crop extracts the sub-rectangle [x0,y0)-[x1,y1) of b (pixel coordinates,
// origin top-left) into a new Buffer whose BBox is the corresponding
// sub-region of b.BBox — the "split merged image back into tiles at grid
// alignment" step of the Tile Manager's meta-tile assembly (spec §4.5.f).
func Crop(b *Buffer, x0, y0, x1, y1 int, tileBBox grid.BBox) *Buffer {
	src := b.ToRGBA()
	w, h := x1-x0, y1-y0
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), src, image.Point{X: x0, Y: y0}, draw.Src)
	return New(dst, tileBBox, b.SRS)
}
