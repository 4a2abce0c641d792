package manager

import (
	"context"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mapproxy-go/mapproxy/internal/cache"
	"github.com/mapproxy-go/mapproxy/internal/coord"
	"github.com/mapproxy-go/mapproxy/internal/coverage"
	"github.com/mapproxy-go/mapproxy/internal/grid"
	"github.com/mapproxy-go/mapproxy/internal/locker"
	"github.com/mapproxy-go/mapproxy/internal/raster"
	"github.com/mapproxy-go/mapproxy/internal/source"
)

// countingSource returns a uniform-colored buffer and counts how many
// times GetMap was actually invoked, to assert meta-tile coalescing.
type countingSource struct {
	calls int32
	delay time.Duration
}

func (c *countingSource) GetMap(ctx context.Context, q source.Query) (*raster.Buffer, error) {
	atomic.AddInt32(&c.calls, 1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	return raster.NewUniform(color.RGBA{R: 10, G: 20, B: 30, A: 255}, q.Width, q.Height, q.BBox, q.SRS), nil
}
func (c *countingSource) Supports(srs int, format string, res float64) bool { return true }
func (c *countingSource) Coverage() coverage.Coverage                       { return nil }
func (c *countingSource) SeedOnly() bool                                    { return false }

func testGrid(t *testing.T) *grid.Grid {
	t.Helper()
	g, err := grid.New(grid.Config{
		Name:     "GLOBAL_WEBMERCATOR",
		SRS:      coord.ForEPSG(3857),
		BBox:     grid.BBox{MinX: -coord.OriginShift, MinY: -coord.OriginShift, MaxX: coord.OriginShift, MaxY: coord.OriginShift},
		TileSize: 256,
		Origin:   grid.OriginNW,
		ResFactor: grid.ResFactor{
			Explicit: []float64{
				2 * coord.OriginShift / 256,
				coord.OriginShift / 256,
				coord.OriginShift / 512,
				coord.OriginShift / 1024,
			},
		},
	})
	if err != nil {
		t.Fatalf("grid.New: %v", err)
	}
	return g
}

func newTestManager(t *testing.T, src *countingSource, metaSize [2]int) *Manager {
	t.Helper()
	g := testGrid(t)
	backend := cache.NewFileBackend(t.TempDir(), cache.LayoutTC)
	l := locker.New(t.TempDir(), 5*time.Second)
	m, err := New(Config{
		CacheID:        "test",
		Grid:           g,
		Backend:        backend,
		Locker:         l,
		Sources:        []source.Source{src},
		MetaSize:       metaSize,
		OnSourceErrors: OnSourceErrorsRaise,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestGetTileColdThenHitFromCache(t *testing.T) {
	src := &countingSource{}
	m := newTestManager(t, src, [2]int{1, 1})

	if _, err := m.GetTile(context.Background(), 2, 1, 1, "png"); err != nil {
		t.Fatalf("GetTile (cold): %v", err)
	}
	if got := atomic.LoadInt32(&src.calls); got != 1 {
		t.Fatalf("expected exactly one source call on cold miss, got %d", got)
	}

	if _, err := m.GetTile(context.Background(), 2, 1, 1, "png"); err != nil {
		t.Fatalf("GetTile (warm): %v", err)
	}
	if got := atomic.LoadInt32(&src.calls); got != 1 {
		t.Fatalf("expected no additional source call on cache hit, got %d total", got)
	}
}

func TestMetaTileCoalescesConcurrentMisses(t *testing.T) {
	src := &countingSource{delay: 20 * time.Millisecond}
	m := newTestManager(t, src, [2]int{2, 2})

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		x, y := i%2, i/2%2 // all four tiles within the same 2x2 meta-tile, requested twice each
		wg.Add(1)
		go func(x, y int) {
			defer wg.Done()
			if _, err := m.GetTile(context.Background(), 3, x, y, "png"); err != nil {
				errs <- err
			}
		}(x, y)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("GetTile: %v", err)
	}

	if got := atomic.LoadInt32(&src.calls); got != 1 {
		t.Fatalf("expected exactly one upstream render for the shared meta-tile, got %d", got)
	}
}

func TestOnSourceErrorsRaiseAbortsOnFailure(t *testing.T) {
	failing := &failingSource{}
	g := testGrid(t)
	backend := cache.NewFileBackend(t.TempDir(), cache.LayoutTC)
	l := locker.New(t.TempDir(), 5*time.Second)
	m, err := New(Config{
		CacheID:        "test",
		Grid:           g,
		Backend:        backend,
		Locker:         l,
		Sources:        []source.Source{failing},
		MetaSize:       [2]int{1, 1},
		OnSourceErrors: OnSourceErrorsRaise,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := m.GetTile(context.Background(), 2, 0, 0, "png"); err == nil {
		t.Fatalf("expected an error when the only source fails and on_source_errors=raise")
	}
}

func TestOnSourceErrorsIgnoreSubstitutesTransparent(t *testing.T) {
	failing := &failingSource{}
	g := testGrid(t)
	backend := cache.NewFileBackend(t.TempDir(), cache.LayoutTC)
	l := locker.New(t.TempDir(), 5*time.Second)
	m, err := New(Config{
		CacheID:        "test",
		Grid:           g,
		Backend:        backend,
		Locker:         l,
		Sources:        []source.Source{failing},
		MetaSize:       [2]int{1, 1},
		OnSourceErrors: OnSourceErrorsIgnore,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	buf, err := m.GetTile(context.Background(), 2, 0, 0, "png")
	if err != nil {
		t.Fatalf("expected on_source_errors=ignore to substitute a blank tile, got error: %v", err)
	}
	if !buf.IsUniform() || buf.Color().A != 0 {
		t.Fatalf("expected a transparent uniform tile, got %+v", buf.Color())
	}
}

type failingSource struct{}

func (f *failingSource) GetMap(ctx context.Context, q source.Query) (*raster.Buffer, error) {
	return nil, context.DeadlineExceeded
}
func (f *failingSource) Supports(srs int, format string, res float64) bool { return true }
func (f *failingSource) Coverage() coverage.Coverage                       { return nil }
func (f *failingSource) SeedOnly() bool                                    { return false }
