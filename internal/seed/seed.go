// Package seed implements the offline seeding driver spec.md §6 names:
// seed(tasks, levels, coverage, progress_sink) and cleanup(tasks, before,
// coverage). Both are thin drivers over internal/manager.Manager — seeding
// calls the exact same GetTile operation a live request would, so the
// driver contributes no rendering logic of its own, only task
// enumeration, concurrency bounding, and resumable progress tracking.
//
// Grounded on the teacher's internal/tile/generator.go worker-pool shape,
// reworked from generator.go's one-shot, all-in-memory COG-to-pyramid walk
// into a per-meta-tile fan-out bounded by golang.org/x/sync/errgroup — the
// concurrency idiom internal/manager.go and internal/layer.go already use
// — since Manager (not this package) now owns caching, meta-tile
// grouping, and locking; there is nothing left here for a hand-rolled
// channel/WaitGroup pool to add over errgroup.SetLimit.
package seed

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/mapproxy-go/mapproxy/internal/coverage"
	"github.com/mapproxy-go/mapproxy/internal/grid"
	"github.com/mapproxy-go/mapproxy/internal/manager"
	"github.com/mapproxy-go/mapproxy/internal/mperror"
)

// Task names one cache's seed scope. Coverage nil means "the manager's
// entire grid bbox." Format defaults to png.
type Task struct {
	Name     string
	Manager  *manager.Manager
	Coverage coverage.Coverage
	Format   string
}

// ProgressFunc reports seeding progress for one (task, level) pair as
// meta-tiles complete; n and total are meta-tile counts, not raw tiles.
type ProgressFunc func(task string, level, n, total int)

// Options configures a Seed run.
type Options struct {
	// Concurrency bounds in-flight meta-tile fills across all tasks
	// combined. 0 picks DefaultConcurrency(false).
	Concurrency int
	// ProgressPath, if non-empty, persists completed meta-tiles so a
	// later Seed call with the same path resumes instead of re-fetching
	// already-cached ground, per spec.md §6's "--continue" note.
	ProgressPath string
	// SaveEvery flushes the progress file every N completed meta-tiles;
	// 0 means every meta-tile (safest, default).
	SaveEvery int
	OnProgress ProgressFunc
}

// Seed fulfills spec.md's seed(tasks, levels, coverage, progress_sink): for
// every task and every requested level, it enumerates the meta-tiles that
// intersect the task's coverage, skips ones already marked complete in the
// progress file, and calls Manager.GetTile once per remaining meta-tile
// (Manager's own fetchTile fills and caches every member tile of that
// meta-tile as a side effect, per spec §4.5).
func Seed(ctx context.Context, tasks []Task, levels []int, opts Options) error {
	prog, err := LoadProgress(opts.ProgressPath)
	if err != nil {
		return err
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency(false)
	}
	saveEvery := opts.SaveEvery
	if saveEvery <= 0 {
		saveEvery = 1
	}

	for _, task := range tasks {
		if err := seedTask(ctx, task, levels, prog, concurrency, saveEvery, opts.OnProgress); err != nil {
			return err
		}
	}
	return prog.Save()
}

func seedTask(ctx context.Context, task Task, levels []int, prog *Progress, concurrency, saveEvery int, onProgress ProgressFunc) error {
	mgr := task.Manager
	g := mgr.Grid()
	meta := mgr.MetaSize()
	cov := task.Coverage
	if cov == nil {
		cov = coverage.NewBBox(g.BBox)
	}
	format := task.Format
	if format == "" {
		format = "png"
	}

	for _, z := range levels {
		if mgr.DirectPath(z) {
			// Nothing to cache at this level; a live request renders
			// straight from sources, so seeding it would be a wasted
			// fetch with nowhere to store the result.
			continue
		}

		pending, err := metaTilesInCoverage(g, z, cov, meta)
		if err != nil {
			return mperror.Wrap(mperror.KindConfig, err, "seed %s: level %d", task.Name, z)
		}
		total := len(pending)
		if total == 0 {
			continue
		}

		var remaining [][2]int
		for _, k := range pending {
			if !prog.Done(mgr.CacheID(), z, k[0], k[1]) {
				remaining = append(remaining, k)
			}
		}
		var completed atomic.Int64
		completed.Store(int64(total - len(remaining)))

		eg, egctx := errgroup.WithContext(ctx)
		eg.SetLimit(concurrency)
		for _, k := range remaining {
			k := k
			eg.Go(func() error {
				x, y := k[0]*meta[0], k[1]*meta[1]
				if _, err := mgr.GetTile(egctx, z, x, y, format); err != nil {
					return mperror.Wrap(mperror.KindSource, err, "seed %s: meta-tile z%d (%d,%d)", task.Name, z, k[0], k[1])
				}
				prog.MarkDone(mgr.CacheID(), z, k[0], k[1])
				n := completed.Add(1)
				if onProgress != nil {
					onProgress(task.Name, z, int(n), total)
				}
				if int(n)%saveEvery == 0 {
					if err := prog.Save(); err != nil {
						slog.Warn("seed: progress save failed", "err", err)
					}
				}
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// metaTilesInCoverage returns the distinct meta-tile coordinates at level
// z whose member tiles intersect cov, grouping g's per-tile coordinates
// (TilesForBBox) by the configured meta size.
func metaTilesInCoverage(g *grid.Grid, z int, cov coverage.Coverage, meta [2]int) ([][2]int, error) {
	coords, err := g.TilesForBBox(cov.BBox(), z)
	if err != nil {
		return nil, err
	}
	seen := make(map[[2]int]bool)
	var out [][2]int
	for _, c := range coords {
		tb, err := g.TileBBox(z, c[0], c[1])
		if err != nil {
			continue
		}
		if !cov.Empty() && !cov.Intersects(tb) {
			continue
		}
		k := [2]int{c[0] / meta[0], c[1] / meta[1]}
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out, nil
}
