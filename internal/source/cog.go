package source

import (
	"context"
	"math"

	"github.com/mapproxy-go/mapproxy/internal/cog"
	"github.com/mapproxy-go/mapproxy/internal/coverage"
	"github.com/mapproxy-go/mapproxy/internal/grid"
	"github.com/mapproxy-go/mapproxy/internal/mperror"
	"github.com/mapproxy-go/mapproxy/internal/raster"
)

// COGSource serves map imagery straight out of a single Cloud-Optimized
// GeoTIFF, bypassing any network round trip for data the proxy already
// holds on local (or mounted network) storage. It picks the COG's closest
// built-in overview for the requested resolution and reads only the
// pixel window the request actually needs, via internal/cog's mmap'd
// random access reader.
//
// Grounded on the teacher's own domain: internal/cog.Reader is the
// teacher's COG decoder (IFD/geotag parsing, LZW/JPEG tile decode, mmap),
// used here as one concrete Source variant instead of the teacher's
// original one-shot "whole file to PMTiles" pipeline.
type COGSource struct {
	base

	reader *cog.Reader
}

// NewCOGSource opens path as a COG-backed Source. The coverage is derived
// from the file's own georeferenced bounds unless cov overrides it.
func NewCOGSource(path string, cov coverage.Coverage) (*COGSource, error) {
	r, err := cog.Open(path)
	if err != nil {
		return nil, mperror.Wrap(mperror.KindSource, err, "open cog %s", path)
	}
	if cov == nil {
		minX, minY, maxX, maxY := r.BoundsInCRS()
		cov = coverage.NewBBox(grid.BBox{MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY})
	}
	return &COGSource{
		base:   base{SupportedSRS: []int{r.EPSG()}, SupportedFormats: []string{"image/png", "image/tiff"}, Cov: cov},
		reader: r,
	}, nil
}

// Close releases the underlying mmap.
func (c *COGSource) Close() error { return c.reader.Close() }

// GetMap reads the COG's best-matching overview window covering q.BBox and
// resamples it to q.Width x q.Height. The caller (Tile Manager / Layer) is
// responsible for reprojecting if q.SRS differs from the COG's own SRS —
// GetMap refuses mismatched SRS rather than silently reading garbage.
func (c *COGSource) GetMap(ctx context.Context, q Query) (*raster.Buffer, error) {
	if q.SRS != c.reader.EPSG() {
		return nil, mperror.New(mperror.KindUnsupportedSRS, "cog source is EPSG:%d, requested EPSG:%d", c.reader.EPSG(), q.SRS)
	}

	resX := (q.BBox.MaxX - q.BBox.MinX) / float64(maxInt1(q.Width, 1))
	resY := (q.BBox.MaxY - q.BBox.MinY) / float64(maxInt1(q.Height, 1))
	res := math.Max(resX, resY)
	level := c.reader.OverviewForZoom(res)
	levelPixelSize := c.reader.IFDPixelSize(level)

	minX, minY, maxX, maxY := c.reader.BoundsInCRS()
	startX := int(math.Floor((q.BBox.MinX - minX) / levelPixelSize))
	startY := int(math.Floor((maxY - q.BBox.MaxY) / levelPixelSize))
	width := int(math.Ceil((q.BBox.MaxX - q.BBox.MinX) / levelPixelSize))
	height := int(math.Ceil((q.BBox.MaxY - q.BBox.MinY) / levelPixelSize))
	if width <= 0 || height <= 0 {
		return blankBuffer(q, true), nil
	}

	lvlW, lvlH := c.reader.IFDWidth(level), c.reader.IFDHeight(level)
	startX, width = clampWindow(startX, width, lvlW)
	startY, height = clampWindow(startY, height, lvlH)
	if width <= 0 || height <= 0 {
		return blankBuffer(q, true), nil
	}

	img, err := c.reader.ReadRegion(level, startX, startY, width, height)
	if err != nil {
		return nil, mperror.Wrap(mperror.KindSource, err, "cog read region")
	}

	buf := raster.New(img, q.BBox, q.SRS)
	if width == q.Width && height == q.Height {
		return buf, nil
	}
	return raster.Resample(buf, q.Width, q.Height, raster.ResamplingBicubic), nil
}

func clampWindow(start, length, max int) (int, int) {
	if start < 0 {
		length += start
		start = 0
	}
	if start+length > max {
		length = max - start
	}
	return start, length
}

func maxInt1(a, b int) int {
	if a > b {
		return a
	}
	return b
}
