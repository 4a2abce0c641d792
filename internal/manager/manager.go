// Package manager implements the Tile Manager: the central scheduler that
// accepts (grid, tile-coord, format) and (layer, bbox, srs, size, format)
// requests, consults the cache, groups misses into meta-tiles, acquires
// per-fingerprint locks, dispatches to sources, composes the result, and
// stores it back — spec.md §4.5's seven-step algorithm.
//
// Grounded on the teacher's internal/tile/generator.go worker-pool shape
// (bounded goroutines draining a job channel into a WaitGroup, errors
// collected on a buffered channel) generalized from "one-shot full
// pyramid build" into "one meta-tile group per incoming request,
// re-entrant for cascaded-cache sources" per spec.md §9's design note, and
// on vosatom-gisquick's mapcache.go meta-tile bounds/size arithmetic and
// go-mapnik's render-then-slice shape.
package manager

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mapproxy-go/mapproxy/internal/cache"
	"github.com/mapproxy-go/mapproxy/internal/encode"
	"github.com/mapproxy-go/mapproxy/internal/grid"
	"github.com/mapproxy-go/mapproxy/internal/locker"
	"github.com/mapproxy-go/mapproxy/internal/mperror"
	"github.com/mapproxy-go/mapproxy/internal/raster"
	"github.com/mapproxy-go/mapproxy/internal/source"
)

// OnSourceErrors selects the failure policy used when one or more sources
// fail while filling a meta-tile, per spec.md §4.9.
type OnSourceErrors string

const (
	OnSourceErrorsRaise  OnSourceErrors = "raise"
	OnSourceErrorsNotify OnSourceErrors = "notify"
	OnSourceErrorsIgnore OnSourceErrors = "ignore"
)

// DirectDisabled means "no use_direct_from_level threshold configured."
const DirectDisabled = -1

// Config configures a Manager for one cache (one grid, one backend, one
// ordered stack of sources).
type Config struct {
	CacheID string
	Grid    *grid.Grid
	Backend cache.Backend
	Locker  *locker.Locker
	Sources []source.Source

	MetaSize   [2]int // m_x, m_y; [1,1] disables meta-tiling
	MetaBuffer int    // pixels grown on every side of the meta-bbox

	ConcurrentTileCreators  int // upper bound on meta-tiles built at once
	ConcurrentLayerRenderer int // upper bound on parallel source calls per meta-tile

	OnSourceErrors OnSourceErrors

	// UseDirectFromLevel, per spec §4.5 step 3: "if level outside
	// [use_direct_from_level, ∞)... skip caching and request the source
	// directly." DirectDisabled turns this off.
	UseDirectFromLevel int
	UseDirectFromRes   float64

	RefreshBefore         time.Duration // 0 disables staleness checks
	RefreshWhileServing   bool
	LinkSingleColorImages bool

	Resampling raster.Resampling

	// LiveRetries / SeedRetries are set to 2 and 100 by New when zero, but
	// nothing reads them: each HTTP source retries per its own Retry field,
	// which its constructor sets to source.LiveRetryOptions, and the same
	// options apply while seeding.
	LiveRetries int
	SeedRetries int
}

// Manager is the central, stateless-apart-from-cache/locker scheduler.
// Per spec.md §9's reentrancy design note, it is a pure function of
// (request, context) with the locker and backend passed in at
// construction, carrying no process-global mutable state of its own.
type Manager struct {
	cfg Config

	refreshMu sync.Mutex
	refreshing map[string]bool
}

func New(cfg Config) (*Manager, error) {
	if cfg.Grid == nil {
		return nil, fmt.Errorf("manager: grid is required")
	}
	if cfg.Backend == nil {
		return nil, fmt.Errorf("manager: backend is required")
	}
	if cfg.Locker == nil {
		cfg.Locker = locker.New("", 30*time.Second)
	}
	if cfg.MetaSize[0] == 0 {
		cfg.MetaSize[0] = 1
	}
	if cfg.MetaSize[1] == 0 {
		cfg.MetaSize[1] = 1
	}
	if cfg.ConcurrentTileCreators == 0 {
		cfg.ConcurrentTileCreators = 2
	}
	if cfg.ConcurrentLayerRenderer == 0 {
		cfg.ConcurrentLayerRenderer = 2
	}
	if cfg.OnSourceErrors == "" {
		cfg.OnSourceErrors = OnSourceErrorsRaise
	}
	if cfg.UseDirectFromLevel == 0 {
		cfg.UseDirectFromLevel = DirectDisabled
	}
	if cfg.Resampling == "" {
		cfg.Resampling = raster.ResamplingBicubic
	}
	if cfg.LiveRetries == 0 {
		cfg.LiveRetries = 2
	}
	if cfg.SeedRetries == 0 {
		cfg.SeedRetries = 100
	}
	return &Manager{cfg: cfg, refreshing: make(map[string]bool)}, nil
}

// Grid returns the grid this manager caches against, for callers (the
// seeding driver) that need to enumerate tile coordinates themselves.
func (m *Manager) Grid() *grid.Grid { return m.cfg.Grid }

// Backend returns the cache backend, for direct inspection/removal by the
// seeding driver's cleanup operation.
func (m *Manager) Backend() cache.Backend { return m.cfg.Backend }

// CacheID returns the configured cache identifier.
func (m *Manager) CacheID() string { return m.cfg.CacheID }

// MetaSize returns the configured meta-tile grouping, [1,1] if disabled.
func (m *Manager) MetaSize() [2]int { return m.cfg.MetaSize }

// DirectPath reports whether level z bypasses the cache entirely (per
// use_direct_from_level), in which case seeding has nothing to populate.
func (m *Manager) DirectPath(z int) bool { return m.directPath(z) }

// GetTile fulfills spec.md's get_tile operation for one grid-aligned tile.
func (m *Manager) GetTile(ctx context.Context, z, x, y int, format string) (*raster.Buffer, error) {
	if m.directPath(z) {
		bbox, err := m.cfg.Grid.TileBBox(z, x, y)
		if err != nil {
			return nil, err
		}
		return m.renderDirect(ctx, bbox, m.cfg.Grid.SRS.EPSG(), m.cfg.Grid.TileSize, m.cfg.Grid.TileSize, format)
	}
	return m.fetchTile(ctx, z, x, y, format)
}

// GetMap implements source.CacheFetcher (cascaded-cache reentrancy) and
// the public get_map operation: it assembles an arbitrary bbox/srs/size
// request from this cache's tiles.
func (m *Manager) GetMap(ctx context.Context, q source.Query) (*raster.Buffer, error) {
	g := m.cfg.Grid
	res := maxFloat(
		(q.BBox.MaxX-q.BBox.MinX)/float64(maxInt(q.Width, 1)),
		(q.BBox.MaxY-q.BBox.MinY)/float64(maxInt(q.Height, 1)),
	)
	z := g.LevelForRes(res)

	if m.directPath(z) {
		return m.renderDirect(ctx, q.BBox, q.SRS, q.Width, q.Height, q.Format)
	}

	coords, err := g.TilesForBBox(q.BBox, z)
	if err != nil {
		return nil, err
	}
	if len(coords) == 0 {
		return raster.NewUniform(raster.TransparentColor(), q.Width, q.Height, q.BBox, q.SRS), nil
	}

	tiles := make(map[[2]int]*raster.Buffer, len(coords))
	var mu sync.Mutex
	g2, gctx := errgroup.WithContext(ctx)
	g2.SetLimit(m.cfg.ConcurrentTileCreators)
	for _, c := range coords {
		c := c
		g2.Go(func() error {
			buf, err := m.fetchTile(gctx, z, c[0], c[1], q.Format)
			if err != nil {
				return err
			}
			mu.Lock()
			tiles[c] = buf
			mu.Unlock()
			return nil
		})
	}
	if err := g2.Wait(); err != nil {
		return nil, err
	}

	canvas, canvasBBox, err := assembleCanvas(g, z, coords, tiles, q.SRS)
	if err != nil {
		return nil, err
	}
	if canvasBBox == q.BBox && canvas.Bounds().Dx() == q.Width && canvas.Bounds().Dy() == q.Height {
		return canvas, nil
	}
	return raster.Resample(cropToRequest(canvas, canvasBBox, q.BBox, q.Width, q.Height), q.Width, q.Height, m.cfg.Resampling), nil
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// directPath reports whether z should bypass caching entirely, per spec
// §4.5 step 3 / SPEC_FULL §9 decision: level outside [UseDirectFromLevel,
// ∞) — i.e. below the configured threshold — goes direct.
func (m *Manager) directPath(z int) bool {
	return m.cfg.UseDirectFromLevel != DirectDisabled && z < m.cfg.UseDirectFromLevel
}

// renderDirect queries sources without touching the cache at all.
func (m *Manager) renderDirect(ctx context.Context, bbox grid.BBox, srs, w, h int, format string) (*raster.Buffer, error) {
	return m.renderFromSources(ctx, bbox, srs, w, h, format)
}

// fetchTile is the heart of spec §4.5 steps 4-7 for a single tile: cache
// lookup, meta-tile grouping on miss, lock, source fan-out, compose,
// split, store, release.
func (m *Manager) fetchTile(ctx context.Context, z, x, y int, format string) (*raster.Buffer, error) {
	coord := cache.TileCoord{Grid: m.cfg.Grid.Name, Z: z, X: x, Y: y, Format: format}

	tile, err := m.cfg.Backend.Load(ctx, coord)
	if err != nil {
		// Cache read I/O error treated as miss, per spec §4.9.
		slog.Warn("cache read failed, treating as miss", "err", err, "coord", coord)
		tile = nil
	}
	if tile != nil {
		if m.isStale(tile) && m.cfg.RefreshWhileServing {
			m.enqueueRefresh(z, x, y, format)
		}
		return m.decodeTile(tile)
	}

	return m.renderMetaTile(ctx, z, x, y, format, coord, false)
}

// renderMetaTile acquires the meta-tile lock, renders from sources, and
// stores the result. force skips the re-check-and-serve-existing shortcut —
// refresh-while-serving needs this, since otherwise the still-valid stale
// tile it's trying to replace would just be re-served instead of recomputed.
func (m *Manager) renderMetaTile(ctx context.Context, z, x, y int, format string, coord cache.TileCoord, force bool) (*raster.Buffer, error) {
	mx, my := x/m.cfg.MetaSize[0], y/m.cfg.MetaSize[1]
	fp := MetaTileFingerprint(m.cfg.CacheID, m.cfg.Grid.Name, z, mx, my)

	release, err := m.cfg.Locker.Acquire(ctx, fp)
	if err != nil {
		return nil, err
	}
	defer release()

	if !force {
		// Re-check: another worker may have filled this meta-tile while we
		// waited for the lock.
		if tile, err := m.cfg.Backend.Load(ctx, coord); err == nil && tile != nil {
			return m.decodeTile(tile)
		}
	}

	metaCoords := metaTileMembers(m.cfg.Grid, z, mx, my, m.cfg.MetaSize)
	metaBBox, err := metaBounds(m.cfg.Grid, z, metaCoords, m.cfg.MetaBuffer)
	if err != nil {
		return nil, err
	}

	width := len(uniqueX(metaCoords)) * m.cfg.Grid.TileSize
	height := len(uniqueY(metaCoords)) * m.cfg.Grid.TileSize
	if m.cfg.MetaBuffer > 0 {
		width += 2 * m.cfg.MetaBuffer
		height += 2 * m.cfg.MetaBuffer
	}

	merged, err := m.renderFromSources(ctx, metaBBox, m.cfg.Grid.SRS.EPSG(), width, height, format)
	if err != nil {
		return nil, err
	}

	// storeMetaTile overwrites any existing entry atomically — no separate
	// Remove is needed, and removing first would open a window where
	// concurrent readers see a cache miss instead of the still-valid bytes.
	if err := m.storeMetaTile(ctx, z, metaCoords, merged, metaBBox, format); err != nil {
		slog.Warn("meta-tile store failed, still serving computed tile", "err", err)
	}

	return m.decodeOrCrop(merged, metaBBox, z, x, y, format)
}

// renderFromSources fans out to m.cfg.Sources (bounded by
// ConcurrentLayerRenderer), dropping entries whose coverage misses bbox,
// and alpha-composites bottom-to-top, per spec §4.8. on_source_errors
// governs what happens when a source fails (spec §4.5.e, §4.9).
func (m *Manager) renderFromSources(ctx context.Context, bbox grid.BBox, srs, w, h int, format string) (*raster.Buffer, error) {
	q := source.Query{BBox: bbox, SRS: srs, Width: w, Height: h, Format: format}

	type result struct {
		idx int
		buf *raster.Buffer
		err error
	}

	active := make([]source.Source, 0, len(m.cfg.Sources))
	for _, s := range m.cfg.Sources {
		if s.SeedOnly() {
			continue
		}
		if cov := s.Coverage(); cov != nil && !cov.Empty() && !cov.Intersects(bbox) {
			continue
		}
		active = append(active, s)
	}
	if len(active) == 0 {
		return raster.NewUniform(raster.TransparentColor(), w, h, bbox, srs), nil
	}

	results := make([]*result, len(active))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInt(m.cfg.ConcurrentLayerRenderer, 1))
	for i, s := range active {
		i, s := i, s
		g.Go(func() error {
			buf, err := s.GetMap(gctx, q)
			results[i] = &result{idx: i, buf: buf, err: err}
			if err != nil && m.cfg.OnSourceErrors == OnSourceErrorsRaise {
				return mperror.Wrap(mperror.KindSource, err, "source %d failed", i)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var composed *raster.Buffer
	for _, r := range results {
		buf := r.buf
		if r.err != nil {
			if m.cfg.OnSourceErrors == OnSourceErrorsRaise {
				return nil, mperror.Wrap(mperror.KindSource, r.err, "source failed")
			}
			// notify/ignore: substitute a transparent layer.
			buf = raster.NewUniform(raster.TransparentColor(), w, h, bbox, srs)
		}
		if composed == nil {
			composed = buf
			continue
		}
		composed = raster.ComposeOver(composed, buf)
	}
	return composed, nil
}

func (m *Manager) decodeTile(t *cache.Tile) (*raster.Buffer, error) {
	if t.Empty {
		bbox, _ := m.cfg.Grid.TileBBox(t.Coord.Z, t.Coord.X, t.Coord.Y)
		return raster.NewUniform(raster.TransparentColor(), m.cfg.Grid.TileSize, m.cfg.Grid.TileSize, bbox, m.cfg.Grid.SRS.EPSG()), nil
	}
	img, err := encode.DecodeImage(t.Data, t.Coord.Format)
	if err != nil {
		return nil, mperror.Wrap(mperror.KindImage, err, "decode cached tile")
	}
	bbox, _ := m.cfg.Grid.TileBBox(t.Coord.Z, t.Coord.X, t.Coord.Y)
	return bufferFromImage(img, bbox, m.cfg.Grid.SRS.EPSG()), nil
}

func (m *Manager) decodeOrCrop(merged *raster.Buffer, metaBBox grid.BBox, z, x, y int, format string) (*raster.Buffer, error) {
	tileBBox, err := m.cfg.Grid.TileBBox(z, x, y)
	if err != nil {
		return nil, err
	}
	return cropToRequest(merged, metaBBox, tileBBox, m.cfg.Grid.TileSize, m.cfg.Grid.TileSize), nil
}

// isStale reports whether t's mtime predates RefreshBefore; RefreshBefore
// == 0 disables the check entirely (always fresh).
func (m *Manager) isStale(t *cache.Tile) bool {
	if m.cfg.RefreshBefore <= 0 {
		return false
	}
	return time.Since(t.ModTime) > m.cfg.RefreshBefore
}

// enqueueRefresh starts a non-blocking background refresh keyed by the
// same meta-tile lock, per spec §4.5 "Refresh-while-serving." At most one
// refresh per meta-tile runs at a time.
func (m *Manager) enqueueRefresh(z, x, y int, format string) {
	mx, my := x/m.cfg.MetaSize[0], y/m.cfg.MetaSize[1]
	key := MetaTileFingerprint(m.cfg.CacheID, m.cfg.Grid.Name, z, mx, my)

	m.refreshMu.Lock()
	if m.refreshing[key] {
		m.refreshMu.Unlock()
		return
	}
	m.refreshing[key] = true
	m.refreshMu.Unlock()

	go func() {
		defer func() {
			m.refreshMu.Lock()
			delete(m.refreshing, key)
			m.refreshMu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		coord := cache.TileCoord{Grid: m.cfg.Grid.Name, Z: z, X: x, Y: y, Format: format}
		if _, err := m.renderMetaTile(ctx, z, x, y, format, coord, true); err != nil {
			slog.Warn("refresh-while-serving: refresh failed", "err", err)
		}
	}()
}

// bufferFromImage wraps a decoded image.Image (from a cache read or
// source response) as a georeferenced raster.Buffer.
func bufferFromImage(img image.Image, bbox grid.BBox, srs int) *raster.Buffer {
	if rgba, ok := img.(*image.RGBA); ok {
		return raster.New(rgba, bbox, srs)
	}
	b := img.Bounds()
	rgba := image.NewRGBA(b)
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return raster.New(rgba, bbox, srs)
}
