package manager

import (
	"fmt"
	"hash/fnv"
)

// TileFingerprint returns the deterministic cache/lock key for a single
// tile: (cache_id, grid_id, z, x, y, format) per spec.md §3.
func TileFingerprint(cacheID, gridID string, z, x, y int, format string) string {
	return fmt.Sprintf("%s/%s/%d/%d/%d/%s", cacheID, gridID, z, x, y, format)
}

// MetaTileFingerprint returns the deterministic cache/lock key for a
// meta-tile: (cache_id, grid_id, z, meta_x, meta_y) per spec.md §3 — no
// format component, since all tiles in a meta-tile share one fetch.
func MetaTileFingerprint(cacheID, gridID string, z, metaX, metaY int) string {
	return fmt.Sprintf("meta/%s/%s/%d/%d/%d", cacheID, gridID, z, metaX, metaY)
}

// hash64 is available for callers that want a fixed-width key (e.g. a
// sync.Map keyed by uint64 rather than string) instead of the readable
// fingerprint strings above.
func hash64(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
