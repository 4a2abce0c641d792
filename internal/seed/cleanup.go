package seed

import (
	"context"
	"time"

	"github.com/mapproxy-go/mapproxy/internal/cache"
	"github.com/mapproxy-go/mapproxy/internal/coverage"
	"github.com/mapproxy-go/mapproxy/internal/mperror"
)

// Cleanup fulfills spec.md's cleanup(tasks, before, coverage): it removes
// every cached tile in a task's coverage whose ModTime predates before,
// so a subsequent Seed call repopulates it. Empty-coverage tasks (per
// coverage.Coverage's "empty is a no-op" rule, spec.md §3) are skipped
// entirely.
//
// Unlike Seed, Cleanup inspects individual tiles rather than meta-tiles:
// a meta-tile's member tiles can go stale independently of one another
// (e.g. a source-side edit touching one tile's footprint), and the cache
// Backend's Remove contract operates per tile coordinate, not per
// meta-tile group.
func Cleanup(ctx context.Context, tasks []Task, levels []int, before time.Time, progress *Progress) (removed int, err error) {
	for _, task := range tasks {
		n, err := cleanupTask(ctx, task, levels, before, progress)
		removed += n
		if err != nil {
			return removed, err
		}
	}
	if progress != nil {
		if err := progress.Save(); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

func cleanupTask(ctx context.Context, task Task, levels []int, before time.Time, progress *Progress) (int, error) {
	mgr := task.Manager
	g := mgr.Grid()
	meta := mgr.MetaSize()
	backend := mgr.Backend()
	cov := task.Coverage
	if cov == nil {
		cov = coverage.NewBBox(g.BBox)
	}
	if cov.Empty() {
		return 0, nil
	}
	format := task.Format
	if format == "" {
		format = "png"
	}

	removed := 0
	for _, z := range levels {
		coords, err := g.TilesForBBox(cov.BBox(), z)
		if err != nil {
			return removed, mperror.Wrap(mperror.KindConfig, err, "cleanup %s: level %d", task.Name, z)
		}
		for _, c := range coords {
			tb, err := g.TileBBox(z, c[0], c[1])
			if err != nil {
				continue
			}
			if !cov.Intersects(tb) {
				continue
			}
			coord := cache.TileCoord{Grid: g.Name, Z: z, X: c[0], Y: c[1], Format: format}
			tile, err := backend.Load(ctx, coord)
			if err != nil {
				return removed, mperror.Wrap(mperror.KindCacheIO, err, "cleanup %s: load z%d/%d/%d", task.Name, z, c[0], c[1])
			}
			if tile == nil || !tile.ModTime.Before(before) {
				continue
			}
			if err := backend.Remove(ctx, coord); err != nil {
				return removed, mperror.Wrap(mperror.KindCacheIO, err, "cleanup %s: remove z%d/%d/%d", task.Name, z, c[0], c[1])
			}
			removed++
			if progress != nil {
				progress.Clear(mgr.CacheID(), z, c[0]/meta[0], c[1]/meta[1])
			}
		}
	}
	return removed, nil
}
