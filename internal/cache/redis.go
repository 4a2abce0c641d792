package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mapproxy-go/mapproxy/internal/mperror"
)

// redisEnvelope wraps a tile's bytes with the metadata the Backend
// contract needs (content type, mtime, empty marker), since a Redis value
// is an opaque blob with no attached headers.
type redisEnvelope struct {
	Data        []byte    `json:"d,omitempty"`
	ContentType string    `json:"ct,omitempty"`
	ModTime     time.Time `json:"mt"`
	Empty       bool      `json:"e,omitempty"`
}

// RedisBackend stores tiles as values in a Redis (or Redis-compatible,
// e.g. KeyDB/Valkey) keyspace. Grounded on NERVsystems-osmmcp's use of an
// external cache store for hot data, generalized from an LRU read cache to
// a durable tile cache backend using github.com/redis/go-redis/v9.
type RedisBackend struct {
	Client    redis.UniversalClient
	KeyPrefix string
	TTL       time.Duration // 0 means "no expiry"
}

// NewRedisBackend wraps client, namespacing every key under prefix.
func NewRedisBackend(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisBackend {
	return &RedisBackend{Client: client, KeyPrefix: prefix, TTL: ttl}
}

func (b *RedisBackend) CacheLayout() string { return "redis" }

func (b *RedisBackend) key(c TileCoord) string {
	return fmt.Sprintf("%s:%s:%d:%d:%d:%s", b.KeyPrefix, c.Grid, c.Z, c.X, c.Y, c.Format)
}

func (b *RedisBackend) Load(ctx context.Context, coord TileCoord) (*Tile, error) {
	raw, err := b.Client.Get(ctx, b.key(coord)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, mperror.Wrap(mperror.KindCacheIO, err, "redis get %s", b.key(coord))
	}
	var env redisEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, mperror.Wrap(mperror.KindCacheCorrupt, err, "redis decode %s", b.key(coord))
	}
	return &Tile{Coord: coord, Data: env.Data, ContentType: env.ContentType, ModTime: env.ModTime, Empty: env.Empty}, nil
}

// Store is a single SET, atomic by construction: Redis never serves a
// torn value for one key.
func (b *RedisBackend) Store(ctx context.Context, t *Tile) error {
	env := redisEnvelope{Data: t.Data, ContentType: t.ContentType, ModTime: time.Now(), Empty: t.Empty}
	raw, err := json.Marshal(env)
	if err != nil {
		return mperror.Wrap(mperror.KindImage, err, "redis encode %v", t.Coord)
	}
	if err := b.Client.Set(ctx, b.key(t.Coord), raw, b.TTL).Err(); err != nil {
		return mperror.Wrap(mperror.KindCacheIO, err, "redis set %s", b.key(t.Coord))
	}
	return nil
}

func (b *RedisBackend) Remove(ctx context.Context, coord TileCoord) error {
	if err := b.Client.Del(ctx, b.key(coord)).Err(); err != nil {
		return mperror.Wrap(mperror.KindCacheIO, err, "redis del %s", b.key(coord))
	}
	return nil
}

func (b *RedisBackend) IsCached(ctx context.Context, coord TileCoord) (bool, error) {
	n, err := b.Client.Exists(ctx, b.key(coord)).Result()
	if err != nil {
		return false, mperror.Wrap(mperror.KindCacheIO, err, "redis exists %s", b.key(coord))
	}
	return n > 0, nil
}

func (b *RedisBackend) LoadMany(ctx context.Context, coords []TileCoord) ([]*Tile, error) {
	if len(coords) == 0 {
		return nil, nil
	}
	keys := make([]string, len(coords))
	for i, c := range coords {
		keys[i] = b.key(c)
	}
	raws, err := b.Client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, mperror.Wrap(mperror.KindCacheIO, err, "redis mget")
	}
	out := make([]*Tile, len(coords))
	for i, raw := range raws {
		if raw == nil {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			continue
		}
		var env redisEnvelope
		if err := json.Unmarshal([]byte(s), &env); err != nil {
			continue
		}
		out[i] = &Tile{Coord: coords[i], Data: env.Data, ContentType: env.ContentType, ModTime: env.ModTime, Empty: env.Empty}
	}
	return out, nil
}
