package source

import (
	"context"

	"github.com/mapproxy-go/mapproxy/internal/coverage"
	"github.com/mapproxy-go/mapproxy/internal/raster"
)

// CacheFetcher is the narrow slice of internal/manager.Manager a
// CacheAsSource needs: fetch an assembled image for a request, routed
// through the same meta-tile+lock machinery a live request would use. It
// is an interface (not a direct *manager.Manager field) to avoid an
// import cycle (manager imports source), matching the reentrancy design
// note in spec.md §9: "pass the locker/backend by reference, no
// process-global mutable state."
type CacheFetcher interface {
	GetMap(ctx context.Context, q Query) (*raster.Buffer, error)
}

// CacheAsSource adapts an upstream cache (fetched through its own Tile
// Manager instance) into a Source, enabling cascaded caches: a cache
// feeding another cache's misses. Each level runs its own lock/meta-tile
// cycle, guarding against thundering herds across levels per spec §4.6.
type CacheAsSource struct {
	base

	Layer   string
	Fetcher CacheFetcher
}

// NewCacheAsSource builds a cascaded-cache source over fetcher's layer.
func NewCacheAsSource(layer string, fetcher CacheFetcher, srs []int, formats []string, cov coverage.Coverage) *CacheAsSource {
	return &CacheAsSource{
		base:    base{SupportedSRS: srs, SupportedFormats: formats, Cov: cov},
		Layer:   layer,
		Fetcher: fetcher,
	}
}

// GetMap delegates to the wrapped cache's own Manager, reentering the full
// meta-tile/lock/compose cycle at this level.
func (c *CacheAsSource) GetMap(ctx context.Context, q Query) (*raster.Buffer, error) {
	return c.Fetcher.GetMap(ctx, q)
}
