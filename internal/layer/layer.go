// Package layer implements the Layer & Composition component: mapping one
// user-facing layer name onto an ordered stack of (source | cache-as-
// source) entries, each with its own optional coverage and SRS
// restriction, and merging their results per spec.md §4.8.
//
// Grounded on the teacher's internal/tile/generator.go multi-stage
// pipeline shape (generalized here from "one raster, one set of
// overviews" to "N independent producers composited into one raster")
// and on internal/manager's errgroup-bounded fan-out, reused here at the
// layer level instead of the per-cache meta-tile level.
package layer

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/mapproxy-go/mapproxy/internal/coverage"
	"github.com/mapproxy-go/mapproxy/internal/grid"
	"github.com/mapproxy-go/mapproxy/internal/mperror"
	"github.com/mapproxy-go/mapproxy/internal/raster"
	"github.com/mapproxy-go/mapproxy/internal/source"
)

// Entry is one member of a layer's stack: a source (a direct producer, or
// a source.CacheAsSource wrapping another cache's Manager), plus an
// optional coverage/SRS restriction narrower than the source's own.
type Entry struct {
	Source source.Source

	// Coverage, if non-nil, further restricts where this entry answers,
	// independent of (and intersected with) Source.Coverage().
	Coverage coverage.Coverage

	// SRS, if non-empty, restricts this entry to the listed EPSG codes
	// regardless of what Source.Supports reports for format/res.
	SRS []int
}

func (e Entry) activeFor(bbox grid.BBox, srs int) bool {
	if len(e.SRS) > 0 && !containsInt(e.SRS, srs) {
		return false
	}
	if cov := e.Source.Coverage(); cov != nil && !cov.Empty() && !cov.Intersects(bbox) {
		return false
	}
	if e.Coverage != nil && !e.Coverage.Empty() && !e.Coverage.Intersects(bbox) {
		return false
	}
	return true
}

// clippedBBox narrows bbox to this entry's coverage intersection, per
// SPEC_FULL §9 decision 3: a source/cache entry with partial overlap is
// queried only for the sub-bbox its coverage actually claims, not the full
// requested bbox. Returns bbox unchanged if the entry carries no coverage
// restriction (or fully contains bbox).
func (e Entry) clippedBBox(bbox grid.BBox) grid.BBox {
	clipped := bbox
	if cov := e.Source.Coverage(); cov != nil && !cov.Empty() {
		if b, ok := coverage.Clip(cov, clipped); ok {
			clipped = b
		}
	}
	if e.Coverage != nil && !e.Coverage.Empty() {
		if b, ok := coverage.Clip(e.Coverage, clipped); ok {
			clipped = b
		}
	}
	return clipped
}

// subWindow maps sub (a coverage-clipped narrowing of bbox) onto the pixel
// grid of a w x h raster covering bbox, returning the top-left offset and
// pixel size sub occupies within that grid. Origin is top-left (Y grows
// downward), matching raster.Buffer's pixel convention, while bbox Y grows
// upward, hence the flip on the vertical axis.
func subWindow(bbox, sub grid.BBox, w, h int) (x0, y0, subW, subH int) {
	spanX := bbox.MaxX - bbox.MinX
	spanY := bbox.MaxY - bbox.MinY
	if spanX <= 0 || spanY <= 0 {
		return 0, 0, w, h
	}
	x0 = int((sub.MinX - bbox.MinX) / spanX * float64(w))
	y0 = int((bbox.MaxY - sub.MaxY) / spanY * float64(h))
	subW = int((sub.MaxX-sub.MinX)/spanX*float64(w) + 0.5)
	subH = int((sub.MaxY-sub.MinY)/spanY*float64(h) + 0.5)
	if x0 < 0 {
		x0 = 0
	}
	if y0 < 0 {
		y0 = 0
	}
	if x0+subW > w {
		subW = w - x0
	}
	if y0+subH > h {
		subH = h - y0
	}
	return x0, y0, subW, subH
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// Layer is an ordered stack of Entries answering one user-facing layer
// name, per spec.md §4.8.
type Layer struct {
	Name    string
	Entries []Entry

	// Concurrent bounds parallel entry queries for one request
	// (concurrent_layer_renderer, spec §5); 0 means "use a sane default".
	Concurrent int
}

// New builds a Layer over entries, in stacking order (bottom first).
func New(name string, entries []Entry) *Layer {
	return &Layer{Name: name, Entries: entries, Concurrent: 4}
}

// GetMap implements the public get_map operation for this layer: query
// every entry in order, drop entries whose coverage/SRS restriction
// excludes the request, alpha-composite bottom to top, with the first
// opaque entry (scanning from the top) resetting the stack so earlier,
// now-invisible layers are not blended in vain.
func (l *Layer) GetMap(ctx context.Context, bbox grid.BBox, srs, w, h int, format string) (*raster.Buffer, error) {
	active := make([]Entry, 0, len(l.Entries))
	for _, e := range l.Entries {
		if e.activeFor(bbox, srs) {
			active = append(active, e)
		}
	}
	if len(active) == 0 {
		return raster.NewUniform(raster.TransparentColor(), w, h, bbox, srs), nil
	}

	images := make([]*raster.Buffer, len(active))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInt(l.Concurrent, 1))
	for i, e := range active {
		i, e := i, e
		g.Go(func() error {
			sub := e.clippedBBox(bbox)
			x0, y0, subW, subH := subWindow(bbox, sub, w, h)
			if subW <= 0 || subH <= 0 {
				images[i] = raster.NewUniform(raster.TransparentColor(), w, h, bbox, srs)
				return nil
			}
			buf, err := e.Source.GetMap(gctx, source.Query{BBox: sub, SRS: srs, Width: subW, Height: subH, Format: format})
			if err != nil {
				return mperror.Wrap(mperror.KindSource, err, "layer %s entry %d", l.Name, i)
			}
			if subW == w && subH == h {
				images[i] = buf
				return nil
			}
			canvas := raster.NewUniform(raster.TransparentColor(), w, h, bbox, srs)
			images[i] = raster.PasteAt(canvas, buf, x0, y0)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	resetIdx := 0
	for i, img := range images {
		if img.Opaque() {
			resetIdx = i
		}
	}
	composed := images[resetIdx]
	for i := resetIdx + 1; i < len(images); i++ {
		composed = raster.ComposeOver(composed, images[i])
	}
	return composed, nil
}

// GetFeatureInfo implements the public get_feature_info operation: iterate
// the same entry list, concatenating results from every entry that
// supports feature info and is active for the request. The XSLT
// post-processing step named in spec §4.8 is an external-collaborator
// concern (services layer), not performed here.
func (l *Layer) GetFeatureInfo(ctx context.Context, q source.FeatureInfoQuery) ([]*source.FeatureInfo, error) {
	var out []*source.FeatureInfo
	for _, e := range l.Entries {
		if !e.activeFor(q.BBox, q.SRS) {
			continue
		}
		fis, ok := e.Source.(source.FeatureInfoSource)
		if !ok {
			continue
		}
		fi, err := fis.GetFeatureInfo(ctx, q)
		if err != nil {
			return nil, mperror.Wrap(mperror.KindSource, err, "layer %s feature info", l.Name)
		}
		if fi != nil {
			out = append(out, fi)
		}
	}
	return out, nil
}

// GetLegend implements the public get_legend operation: every entry
// capable of rendering a legend contributes one swatch; swatches stack
// top to bottom in entry order, widened to the broadest swatch.
func (l *Layer) GetLegend(ctx context.Context, scale float64, format string) (*raster.Buffer, error) {
	var swatches []*raster.Buffer
	for _, e := range l.Entries {
		ls, ok := e.Source.(source.LegendSource)
		if !ok {
			continue
		}
		buf, err := ls.GetLegend(ctx, scale, format)
		if err != nil {
			return nil, mperror.Wrap(mperror.KindSource, err, "layer %s legend", l.Name)
		}
		if buf != nil {
			swatches = append(swatches, buf)
		}
	}
	if len(swatches) == 0 {
		return raster.NewUniform(raster.TransparentColor(), 1, 1, grid.BBox{}, 0), nil
	}
	return stackVertical(swatches), nil
}

// stackVertical concatenates legend swatches top to bottom, padding
// narrower ones to the widest swatch's width with transparent pixels.
func stackVertical(swatches []*raster.Buffer) *raster.Buffer {
	width := 0
	height := 0
	for _, s := range swatches {
		if s.Bounds().Dx() > width {
			width = s.Bounds().Dx()
		}
		height += s.Bounds().Dy()
	}
	out := raster.GetRGBA(width, height)
	y := 0
	for _, s := range swatches {
		src := s.ToRGBA()
		b := src.Bounds()
		for py := 0; py < b.Dy(); py++ {
			for px := 0; px < b.Dx(); px++ {
				out.Set(px, y+py, src.At(b.Min.X+px, b.Min.Y+py))
			}
		}
		y += b.Dy()
	}
	return raster.New(out, grid.BBox{}, 0)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// SortEntriesStable is a configuration-time helper: entries are assumed to
// be supplied already in stacking order, but a config loader that collects
// them out of order (e.g. from a map) can restore a deterministic order by
// an explicit priority field before calling New.
func SortEntriesStable(entries []Entry, priority func(Entry) int) {
	sort.SliceStable(entries, func(i, j int) bool {
		return priority(entries[i]) < priority(entries[j])
	})
}
