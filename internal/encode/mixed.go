package encode

import "image"

// MixedEncoder implements the "mixed" cache format: PNG when any pixel has
// alpha < 255, JPEG otherwise, per spec: "mixed mode: PNG when any alpha <
// 255 else JPEG."
type MixedEncoder struct {
	PNG  *PNGEncoder
	JPEG *JPEGEncoder
}

func (e *MixedEncoder) Format() string        { return "mixed" }
func (e *MixedEncoder) PMTileType() uint8     { return TileTypeUnknown }
func (e *MixedEncoder) FileExtension() string { return "mixed" }

// Chosen reports which concrete format this image would be stored as,
// so the cache can record the matching content-type alongside the bytes
// (spec: "cache read returns the correct content-type").
func (e *MixedEncoder) Chosen(img image.Image) *Encoder {
	var enc Encoder
	if hasTransparency(img) {
		enc = e.PNG
	} else {
		enc = e.JPEG
	}
	return &enc
}

func (e *MixedEncoder) Encode(img image.Image) ([]byte, error) {
	if hasTransparency(img) {
		return e.PNG.Encode(img)
	}
	return e.JPEG.Encode(img)
}

func hasTransparency(img image.Image) bool {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			_, _, _, a := img.At(x, y).RGBA()
			if a < 0xffff {
				return true
			}
		}
	}
	return false
}
