package raster

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/mapproxy-go/mapproxy/internal/grid"
)

// QuantizeMethod selects the palette reduction algorithm.
type QuantizeMethod string

const (
	QuantizeMedianCut QuantizeMethod = "mediancut"
	QuantizeFastOctree QuantizeMethod = "fastoctree"
)

// Quantize reduces b to an 8-bit paletted image with numColors entries,
// reserving index 0 for full transparency when b carries any transparent
// pixel ("8-bit mode preserves an index reserved for transparent when
// paletted"). Both methods run bucketQuantize; they differ only in how the
// split channel is chosen (see there).
func Quantize(b *Buffer, numColors int, method QuantizeMethod) *image.Paletted {
	rgba := b.ToRGBA()
	hasTransparency := false
	for i := 3; i < len(rgba.Pix); i += 4 {
		if rgba.Pix[i] < 255 {
			hasTransparency = true
			break
		}
	}

	switch method {
	case QuantizeFastOctree:
		return bucketQuantize(rgba, numColors, hasTransparency, false)
	default:
		// disintegration/imaging has no built-in paletted quantizer, so the
		// median-cut bucket split is implemented directly here.
		return bucketQuantize(rgba, numColors, hasTransparency, true)
	}
}

// bucketQuantize implements a simple median-cut-style reduction: collect
// every pixel's color (duplicates included), repeatedly split the bucket
// with the largest channel range at its median until numColors buckets
// exist, average each bucket to a palette entry, then nearest-match every
// pixel. medianCut controls whether each bucket is measured on its widest
// channel (true, mediancut) or on a fixed channel picked by the bucket's
// index mod 3 (false, fastoctree).
func bucketQuantize(img *image.RGBA, numColors int, reserveTransparent, medianCut bool) *image.Paletted {
	if numColors < 2 {
		numColors = 2
	}
	type bucket []color.RGBA
	w, h := img.Rect.Dx(), img.Rect.Dy()
	colors := make([]color.RGBA, 0, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			colors = append(colors, img.RGBAAt(x+img.Rect.Min.X, y+img.Rect.Min.Y))
		}
	}

	target := numColors
	if reserveTransparent {
		target--
	}
	if target < 1 {
		target = 1
	}

	buckets := []bucket{colors}
	for len(buckets) < target {
		// split the bucket with the widest range on its widest channel
		splitIdx, channel, widest := -1, 0, -1
		for i, bk := range buckets {
			if len(bk) < 2 {
				continue
			}
			rng, ch := channelRange(bk, medianCut, i)
			if rng > widest {
				widest, splitIdx, channel = rng, i, ch
			}
		}
		if splitIdx < 0 {
			break
		}
		a, b := splitBucket(buckets[splitIdx], channel)
		buckets = append(buckets[:splitIdx], append([]bucket{a, b}, buckets[splitIdx+1:]...)...)
	}

	pal := make(color.Palette, 0, numColors)
	if reserveTransparent {
		pal = append(pal, color.RGBA{0, 0, 0, 0})
	}
	for _, bk := range buckets {
		pal = append(pal, averageColor(bk))
	}

	out := image.NewPaletted(img.Rect, pal)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := img.RGBAAt(x+img.Rect.Min.X, y+img.Rect.Min.Y)
			if reserveTransparent && c.A == 0 {
				out.SetColorIndex(x+img.Rect.Min.X, y+img.Rect.Min.Y, 0)
				continue
			}
			idx := pal.Index(c)
			out.SetColorIndex(x+img.Rect.Min.X, y+img.Rect.Min.Y, uint8(idx))
		}
	}
	return out
}

func channelRange(bk []color.RGBA, medianCut bool, seed int) (int, int) {
	var minV, maxV [3]int
	minV = [3]int{255, 255, 255}
	for _, c := range bk {
		v := [3]int{int(c.R), int(c.G), int(c.B)}
		for ch := 0; ch < 3; ch++ {
			if v[ch] < minV[ch] {
				minV[ch] = v[ch]
			}
			if v[ch] > maxV[ch] {
				maxV[ch] = v[ch]
			}
		}
	}
	if !medianCut {
		return maxV[seed%3] - minV[seed%3], seed % 3
	}
	bestCh, bestRange := 0, -1
	for ch := 0; ch < 3; ch++ {
		r := maxV[ch] - minV[ch]
		if r > bestRange {
			bestRange, bestCh = r, ch
		}
	}
	return bestRange, bestCh
}

func splitBucket(bk []color.RGBA, channel int) ([]color.RGBA, []color.RGBA) {
	sorted := append([]color.RGBA(nil), bk...)
	chVal := func(c color.RGBA) int {
		switch channel {
		case 0:
			return int(c.R)
		case 1:
			return int(c.G)
		default:
			return int(c.B)
		}
	}
	// simple insertion-free partition around the median for small buckets
	for i := 1; i < len(sorted); i++ {
		key := sorted[i]
		j := i - 1
		for j >= 0 && chVal(sorted[j]) > chVal(key) {
			sorted[j+1] = sorted[j]
			j--
		}
		sorted[j+1] = key
	}
	mid := len(sorted) / 2
	return sorted[:mid], sorted[mid:]
}

func averageColor(bk []color.RGBA) color.RGBA {
	var r, g, b, a, n int
	for _, c := range bk {
		r += int(c.R)
		g += int(c.G)
		b += int(c.B)
		a += int(c.A)
		n++
	}
	if n == 0 {
		return color.RGBA{}
	}
	return color.RGBA{uint8(r / n), uint8(g / n), uint8(b / n), uint8(a / n)}
}

// ConvertToRGB converts a paletted source to RGB(A) prior to non-nearest
// resampling, per the rule "Always convert paletted source to RGB(A)
// before non-nearest resampling." Uses imaging for the conversion to stay
// consistent with the rest of this package's disintegration/imaging usage.
func ConvertToRGB(p *image.Paletted) *Buffer {
	rgba := imaging.Clone(p)
	dst := image.NewRGBA(rgba.Bounds())
	for y := rgba.Bounds().Min.Y; y < rgba.Bounds().Max.Y; y++ {
		for x := rgba.Bounds().Min.X; x < rgba.Bounds().Max.X; x++ {
			dst.Set(x, y, rgba.At(x, y))
		}
	}
	return New(dst, grid.BBox{}, 0)
}
