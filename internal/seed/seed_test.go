package seed

import (
	"context"
	"image/color"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mapproxy-go/mapproxy/internal/cache"
	"github.com/mapproxy-go/mapproxy/internal/coord"
	"github.com/mapproxy-go/mapproxy/internal/coverage"
	"github.com/mapproxy-go/mapproxy/internal/grid"
	"github.com/mapproxy-go/mapproxy/internal/locker"
	"github.com/mapproxy-go/mapproxy/internal/manager"
	"github.com/mapproxy-go/mapproxy/internal/raster"
	"github.com/mapproxy-go/mapproxy/internal/source"
)

type countingSource struct {
	calls int32
}

func (c *countingSource) GetMap(ctx context.Context, q source.Query) (*raster.Buffer, error) {
	atomic.AddInt32(&c.calls, 1)
	return raster.NewUniform(color.RGBA{R: 9, A: 255}, q.Width, q.Height, q.BBox, q.SRS), nil
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
			},
		},
	})
	if err != nil {
		t.Fatalf("grid.New: %v", err)
	}
	return g
}

func newTestManager(t *testing.T, src source.Source, metaSize [2]int) *manager.Manager {
	t.Helper()
	g := testGrid(t)
	backend := cache.NewFileBackend(t.TempDir(), cache.LayoutTC)
	l := locker.New(t.TempDir(), 5*time.Second)
	m, err := manager.New(manager.Config{
		CacheID:        "test",
		Grid:           g,
		Backend:        backend,
		Locker:         l,
		Sources:        []source.Source{src},
		MetaSize:       metaSize,
		OnSourceErrors: manager.OnSourceErrorsRaise,
	})
	if err != nil {
		t.Fatalf("manager.New: %v", err)
	}
	return m
}

func TestSeedPopulatesAllLevels(t *testing.T) {
	src := &countingSource{}
	mgr := newTestManager(t, src, [2]int{1, 1})
	task := Task{Name: "base", Manager: mgr}

	if err := Seed(context.Background(), []Task{task}, []int{0, 1}, Options{Concurrency: 2}); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if atomic.LoadInt32(&src.calls) == 0 {
		t.Fatalf("expected Seed to trigger at least one source render")
	}

	// every tile at level 0 (grid_width=1, grid_height=1) should now be
	// a cache hit requiring no further source call.
	before := atomic.LoadInt32(&src.calls)
	if _, err := mgr.GetTile(context.Background(), 0, 0, 0, "png"); err != nil {
		t.Fatalf("GetTile: %v", err)
	}
	if atomic.LoadInt32(&src.calls) != before {
		t.Fatalf("expected seeded tile to be served from cache, got an extra source call")
	}
}

func TestSeedResumesFromProgressFile(t *testing.T) {
	src := &countingSource{}
	mgr := newTestManager(t, src, [2]int{1, 1})
	task := Task{Name: "base", Manager: mgr}
	progressPath := filepath.Join(t.TempDir(), "progress.json")

	if err := Seed(context.Background(), []Task{task}, []int{0}, Options{ProgressPath: progressPath}); err != nil {
		t.Fatalf("Seed (first pass): %v", err)
	}
	firstCalls := atomic.LoadInt32(&src.calls)
	if firstCalls == 0 {
		t.Fatalf("expected first Seed pass to render at least one tile")
	}

	// a second Seed run against the same progress file should find
	// every meta-tile already marked complete and make no new calls.
	if err := Seed(context.Background(), []Task{task}, []int{0}, Options{ProgressPath: progressPath}); err != nil {
		t.Fatalf("Seed (resume): %v", err)
	}
	if atomic.LoadInt32(&src.calls) != firstCalls {
		t.Fatalf("expected resumed Seed to skip already-completed meta-tiles, got additional calls")
	}
}

func TestSeedSkipsDirectLevels(t *testing.T) {
	src := &countingSource{}
	mgr := newTestManager(t, src, [2]int{1, 1})
	// nothing special needed; DirectPath is false by default (no
	// UseDirectFromLevel configured), so this just exercises the normal
	// path and documents the skip check exists. A manager configured
	// with UseDirectFromLevel would need its own constructor wiring,
	// covered at the internal/manager layer.
	task := Task{Name: "base", Manager: mgr}
	if err := Seed(context.Background(), []Task{task}, []int{0}, Options{}); err != nil {
		t.Fatalf("Seed: %v", err)
	}
}

func TestCleanupRemovesStaleTilesAndClearsProgress(t *testing.T) {
	src := &countingSource{}
	mgr := newTestManager(t, src, [2]int{1, 1})
	task := Task{Name: "base", Manager: mgr}
	progressPath := filepath.Join(t.TempDir(), "progress.json")

	if err := Seed(context.Background(), []Task{task}, []int{0}, Options{ProgressPath: progressPath}); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	prog, err := LoadProgress(progressPath)
	if err != nil {
		t.Fatalf("LoadProgress: %v", err)
	}
	if !prog.Done(mgr.CacheID(), 0, 0, 0) {
		t.Fatalf("expected meta-tile (0,0,0) marked done after seeding")
	}

	future := time.Now().Add(time.Hour)
	removed, err := Cleanup(context.Background(), []Task{task}, []int{0}, future, prog)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if removed == 0 {
		t.Fatalf("expected Cleanup to remove at least one tile older than the future cutoff")
	}

	prog2, err := LoadProgress(progressPath)
	if err != nil {
		t.Fatalf("LoadProgress (after cleanup): %v", err)
	}
	if prog2.Done(mgr.CacheID(), 0, 0, 0) {
		t.Fatalf("expected Cleanup to clear progress for the meta-tile it emptied")
	}
}

func TestCleanupSkipsEmptyCoverage(t *testing.T) {
	src := &countingSource{}
	mgr := newTestManager(t, src, [2]int{1, 1})
	task := Task{Name: "base", Manager: mgr, Coverage: coverage.Empty()}

	removed, err := Cleanup(context.Background(), []Task{task}, []int{0}, time.Now().Add(time.Hour), nil)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected empty coverage to be a no-op, removed %d", removed)
	}
}
