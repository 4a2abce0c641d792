package source

import (
	"context"
	"fmt"
	"image"
	"image/color"

	"github.com/mapproxy-go/mapproxy/internal/mperror"
	"github.com/mapproxy-go/mapproxy/internal/raster"
)

// BandSpec picks one output channel from a sub-source's rendered image.
type BandSpec struct {
	Source  Source
	Channel byte // 'r', 'g', 'b', or 'a'
}

// BandMerge synthesizes an image by picking channels from multiple
// sub-sources — e.g. hillshade R channel plus orthophoto G/B — composing
// the result via internal/raster.
type BandMerge struct {
	base

	Bands [4]*BandSpec // index 0=R,1=G,2=B,3=A; nil leaves that channel at its default
}

// NewBandMerge builds a BandMerge source from up to four band specs.
func NewBandMerge(bands ...BandSpec) (*BandMerge, error) {
	if len(bands) == 0 || len(bands) > 4 {
		return nil, fmt.Errorf("bandmerge: need 1-4 band specs, got %d", len(bands))
	}
	bm := &BandMerge{}
	for _, b := range bands {
		b := b
		idx, err := channelIndex(b.Channel)
		if err != nil {
			return nil, err
		}
		bm.Bands[idx] = &b
	}
	return bm, nil
}

func channelIndex(ch byte) (int, error) {
	switch ch {
	case 'r':
		return 0, nil
	case 'g':
		return 1, nil
	case 'b':
		return 2, nil
	case 'a':
		return 3, nil
	default:
		return 0, fmt.Errorf("bandmerge: unknown channel %q", ch)
	}
}

// GetMap queries every distinct sub-source once, then assembles the output
// raster by copying each configured band's channel from its source image.
func (bm *BandMerge) GetMap(ctx context.Context, q Query) (*raster.Buffer, error) {
	rendered := make(map[Source]*raster.Buffer)
	for _, spec := range bm.Bands {
		if spec == nil || rendered[spec.Source] != nil {
			continue
		}
		buf, err := spec.Source.GetMap(ctx, q)
		if err != nil {
			return nil, mperror.Wrap(mperror.KindSource, err, "bandmerge: sub-source failed")
		}
		rendered[spec.Source] = buf
	}

	out := image.NewRGBA(image.Rect(0, 0, q.Width, q.Height))
	defaults := [4]uint8{0, 0, 0, 255}
	for y := 0; y < q.Height; y++ {
		for x := 0; x < q.Width; x++ {
			var px [4]uint8
			for ch := 0; ch < 4; ch++ {
				spec := bm.Bands[ch]
				if spec == nil {
					px[ch] = defaults[ch]
					continue
				}
				src := rendered[spec.Source]
				c := color.RGBAModel.Convert(src.At(x, y)).(color.RGBA)
				switch spec.Channel {
				case 'r':
					px[ch] = c.R
				case 'g':
					px[ch] = c.G
				case 'b':
					px[ch] = c.B
				case 'a':
					px[ch] = c.A
				}
			}
			out.SetRGBA(x, y, color.RGBA{R: px[0], G: px[1], B: px[2], A: px[3]})
		}
	}
	return raster.New(out, q.BBox, q.SRS), nil
}
