// Package cache implements the pluggable tile cache backend contract and
// its concrete variants (file, SQLite-family, S3, Azure blob storage,
// CouchDB, Redis, ArcGIS compact bundles).
package cache

import (
	"context"
	"time"
)

// TileCoord addresses a single tile within one cache.
type TileCoord struct {
	Grid   string
	Z, X, Y int
	Format string
}

// Tile is the unit of storage: coordinate, bytes (nil for an empty/missing
// marker), content type, and modification time. An empty tile is a
// distinguished value distinct from "missing" per the data model.
type Tile struct {
	Coord       TileCoord
	Data        []byte
	ContentType string
	ModTime     time.Time
	Empty       bool // true for a stored-but-transparent marker
}

// Missing reports whether this Tile represents "not found" rather than a
// stored (possibly empty) tile.
func (t *Tile) Missing() bool { return t == nil }

// Backend is the uniform store contract every cache variant satisfies —
// spec.md §4.3 verbatim: Load/Store/Remove/IsCached/LoadMany plus a
// CacheLayout descriptor.
type Backend interface {
	// Load returns the tile for coord, or (nil, nil) if not cached.
	Load(ctx context.Context, coord TileCoord) (*Tile, error)
	// Store writes t atomically: temp-write+rename on filesystems, a single
	// transaction for SQLite-family backends, a single whole-object PUT for
	// S3. The S3 PUT carries no precondition header.
	Store(ctx context.Context, t *Tile) error
	// Remove deletes the tile for coord, if present.
	Remove(ctx context.Context, coord TileCoord) error
	// IsCached reports whether coord has a stored entry without fetching
	// its bytes.
	IsCached(ctx context.Context, coord TileCoord) (bool, error)
	// LoadMany is a bulk optimization; the default implementation
	// (LoopLoadMany) simply loops over Load.
	LoadMany(ctx context.Context, coords []TileCoord) ([]*Tile, error)
	// CacheLayout describes the path template / id schema in use.
	CacheLayout() string
}

// Capabilities describes backend-specific optional behavior, per the
// design note "abstract as BackendCapabilities.supports_link_identical and
// skip on backends that don't."
type Capabilities struct {
	SupportsLinkIdentical bool // filesystem-only single-color symlink optimization
	SupportsBulkLoad      bool // backend overrides LoadMany with a real bulk op
}

// LoopLoadMany is the default LoadMany implementation shared by backends
// that have no bulk-read API.
func LoopLoadMany(ctx context.Context, b Backend, coords []TileCoord) ([]*Tile, error) {
	out := make([]*Tile, len(coords))
	for i, c := range coords {
		t, err := b.Load(ctx, c)
		if err != nil {
			return out, err
		}
		out[i] = t
	}
	return out, nil
}
