// Package source implements the polymorphic producers of map imagery the
// Tile Manager fans requests out to: WMS, tile-URL templates, mapnik/
// mapserver renderers run as child processes, ArcGIS REST, cascaded caches, debug
// overlays, and band-merge composites.
//
// Grounded on go-mapnik's renderer shape (meta-tile render then slice),
// gisquick's wmscache.go (WMS query construction) and osmmcp's
// pkg/core/http.go retry-with-backoff HTTP client (adapted here to plain
// log/slog, since distributed tracing is an ambient concern this module
// keeps lightweight per DESIGN.md).
package source

import (
	"context"

	"github.com/mapproxy-go/mapproxy/internal/coverage"
	"github.com/mapproxy-go/mapproxy/internal/grid"
	"github.com/mapproxy-go/mapproxy/internal/raster"
)

// OnErrorPolicy maps an HTTP status (or "timeout"/"connection") to a
// recovery action, per spec.md §4.6's on_error policy and the failure
// table in §4.9.
type OnErrorPolicy string

const (
	OnErrorFail        OnErrorPolicy = "fail"
	OnErrorBlank       OnErrorPolicy = "blank"
	OnErrorTransparent OnErrorPolicy = "transparent"
)

// ErrorMap resolves an HTTP status code to an OnErrorPolicy. A missing
// entry means "propagate" (unmapped errors bubble up, per spec §4.9).
type ErrorMap map[int]OnErrorPolicy

// Query describes one get_map request dispatched to a Source: the bbox and
// SRS to render, the destination pixel size, and the tile format.
type Query struct {
	BBox   grid.BBox
	SRS    int
	Width  int
	Height int
	Format string
}

// FeatureInfoQuery adds the pixel coordinate clicked, for get_feature_info.
type FeatureInfoQuery struct {
	Query
	X, Y int // pixel coordinate within Width x Height
}

// FeatureInfo is opaque payload bytes plus a content type (the XSLT
// post-processing step, if any, is an external-collaborator concern per
// spec §4.8).
type FeatureInfo struct {
	ContentType string
	Data        []byte
}

// Source is the capability interface every source variant satisfies — no
// global registry, just tagged struct literals implementing this
// interface, per the design note in spec.md §9.
type Source interface {
	// GetMap renders q and returns the resulting raster.
	GetMap(ctx context.Context, q Query) (*raster.Buffer, error)

	// Supports reports whether this source can directly answer a request
	// in srs/format at resolution res (SRS units per pixel).
	Supports(srs int, format string, res float64) bool

	// Coverage returns the region this source is authoritative for, or
	// nil for "everywhere."
	Coverage() coverage.Coverage

	// SeedOnly reports whether this source should only ever be queried by
	// the seeding driver, never at live-serving time.
	SeedOnly() bool
}

// LegendSource is implemented by sources that can render a legend swatch.
type LegendSource interface {
	GetLegend(ctx context.Context, scale float64, format string) (*raster.Buffer, error)
}

// FeatureInfoSource is implemented by sources that support
// get_feature_info.
type FeatureInfoSource interface {
	GetFeatureInfo(ctx context.Context, q FeatureInfoQuery) (*FeatureInfo, error)
}

// base holds the fields common to every concrete source, embedded by each
// variant to avoid repeating the capability-declaration boilerplate.
type base struct {
	SupportedSRS     []int
	SupportedFormats []string
	Cov              coverage.Coverage
	ResRange         [2]float64 // [min, max]; 0,0 means unrestricted
	SeedOnlyFlag     bool
	OnError          ErrorMap
}

func (b base) Coverage() coverage.Coverage { return b.Cov }
func (b base) SeedOnly() bool              { return b.SeedOnlyFlag }

func (b base) Supports(srs int, format string, res float64) bool {
	if len(b.SupportedSRS) > 0 && !containsInt(b.SupportedSRS, srs) {
		return false
	}
	if len(b.SupportedFormats) > 0 && !containsStr(b.SupportedFormats, format) {
		return false
	}
	if b.ResRange[0] > 0 && res < b.ResRange[0] {
		return false
	}
	if b.ResRange[1] > 0 && res > b.ResRange[1] {
		return false
	}
	return true
}

// resolve maps an error outcome to a policy action, per spec §4.9: unmapped
// errors propagate (return ok=false).
func (b base) resolve(statusOrKind int) (OnErrorPolicy, bool) {
	if b.OnError == nil {
		return "", false
	}
	p, ok := b.OnError[statusOrKind]
	return p, ok
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func containsStr(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// blankBuffer returns a fully transparent (or opaque-blank) buffer of the
// requested size, used when on_error substitutes a placeholder instead of
// propagating a failure.
func blankBuffer(q Query, transparent bool) *raster.Buffer {
	if transparent {
		return raster.NewUniform(raster.TransparentColor(), q.Width, q.Height, q.BBox, q.SRS)
	}
	return raster.NewUniform(raster.WhiteColor(), q.Width, q.Height, q.BBox, q.SRS)
}
