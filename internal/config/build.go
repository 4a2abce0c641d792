package config

import (
	"context"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"

	"github.com/mapproxy-go/mapproxy/internal/cache"
	"github.com/mapproxy-go/mapproxy/internal/grid"
	"github.com/mapproxy-go/mapproxy/internal/layer"
	"github.com/mapproxy-go/mapproxy/internal/locker"
	"github.com/mapproxy-go/mapproxy/internal/manager"
	"github.com/mapproxy-go/mapproxy/internal/mperror"
	"github.com/mapproxy-go/mapproxy/internal/source"
)

// Runtime is the fully-wired object graph a Document builds into: every
// named grid, cache manager, direct source, and layer, ready for
// cmd/mapproxy-serve or cmd/mapproxy-seed to drive. Construction order
// follows the document's natural dependency chain (grids, then backends
// and sources, then managers, then layers), matching spec.md §9's
// "immutable per-process config" design note — a Runtime is built once at
// startup and never mutated afterward.
type Runtime struct {
	Grids    map[string]*grid.Grid
	Managers map[string]*manager.Manager
	Sources  map[string]source.Source
	Layers   map[string]*layer.Layer
}

// Build materializes doc into a Runtime. ctx is used only for the handful
// of constructors (S3, Azure Blob) that need to dial out while opening a
// client.
func Build(ctx context.Context, doc *Document) (*Runtime, error) {
	rt := &Runtime{
		Grids:    make(map[string]*grid.Grid),
		Managers: make(map[string]*manager.Manager),
		Sources:  make(map[string]source.Source),
		Layers:   make(map[string]*layer.Layer),
	}

	for name, g := range doc.Grids {
		gr, err := g.build(name)
		if err != nil {
			return nil, err
		}
		rt.Grids[name] = gr
	}

	l, err := buildLocker(doc.Globals)
	if err != nil {
		return nil, err
	}

	// Direct sources must exist before caches, since a cache's source
	// stack and a cache-as-source entry both reference them by name.
	// band_merge and cache-as-source sources may reference other
	// sources/caches, so those two types are resolved in a second pass
	// below, after every plain source and every cache/manager exists.
	var deferredBandMerge []string
	var deferredCacheAsSource []string
	for name, s := range doc.Sources {
		switch s.Type {
		case "band_merge":
			deferredBandMerge = append(deferredBandMerge, name)
			continue
		case "cache":
			deferredCacheAsSource = append(deferredCacheAsSource, name)
			continue
		}
		src, err := buildSource(name, s)
		if err != nil {
			return nil, err
		}
		rt.Sources[name] = src
	}

	for name, c := range doc.Caches {
		mgr, err := buildManager(ctx, name, c, doc, rt, l)
		if err != nil {
			return nil, err
		}
		rt.Managers[name] = mgr
	}

	for _, name := range deferredCacheAsSource {
		s := doc.Sources[name]
		mgr, ok := rt.Managers[s.FromCache]
		if !ok {
			return nil, mperror.New(mperror.KindConfig, "source %s: unknown from_cache %s", name, s.FromCache)
		}
		rt.Sources[name] = source.NewCacheAsSource(name, mgr, s.SRS, s.Formats, s.Coverage.build())
	}

	for _, name := range deferredBandMerge {
		s := doc.Sources[name]
		bands := make([]source.BandSpec, len(s.Bands))
		for i, b := range s.Bands {
			src, ok := rt.Sources[b.Source]
			if !ok {
				return nil, mperror.New(mperror.KindConfig, "band_merge %s: unknown source %s", name, b.Source)
			}
			channel := byte('r')
			if len(b.Channel) > 0 {
				channel = b.Channel[0]
			}
			bands[i] = source.BandSpec{Source: src, Channel: channel}
		}
		bm, err := source.NewBandMerge(bands...)
		if err != nil {
			return nil, mperror.Wrap(mperror.KindConfig, err, "band_merge %s", name)
		}
		rt.Sources[name] = bm
	}

	for name, ld := range doc.Layers {
		ly, err := buildLayer(name, ld, rt)
		if err != nil {
			return nil, err
		}
		rt.Layers[name] = ly
	}

	return rt, nil
}

func buildLocker(g Globals) (*locker.Locker, error) {
	if g.LockDir != "" {
		if err := locker.EnsureDir(g.LockDir); err != nil {
			return nil, mperror.Wrap(mperror.KindConfig, err, "lock dir %s", g.LockDir)
		}
	}
	return locker.New(g.LockDir, 30*time.Second), nil
}

func buildSource(name string, s SourceDoc) (source.Source, error) {
	cov := s.Coverage.build()
	switch s.Type {
	case "wms":
		return source.NewWMS(s.URL, s.Layers, s.SRS, s.Formats, cov), nil
	case "tile":
		return source.NewTileURL(s.URL, s.SRS, s.Formats, cov), nil
	case "arcgis":
		return source.NewArcGIS(s.URL, s.SRS, s.Formats, cov), nil
	case "mapnik":
		return source.NewMapnik(s.Helper, s.Stylesheet, s.SRS, cov), nil
	case "mapserver":
		return source.NewMapServer(s.Mapfile, s.Layers, s.SRS, cov), nil
	case "debug":
		return source.NewDebug(), nil
	default:
		return nil, mperror.New(mperror.KindConfig, "source %s: unknown type %q", name, s.Type)
	}
}

func buildBackend(ctx context.Context, cacheName string, b BackendDoc) (cache.Backend, error) {
	switch b.Type {
	case "file":
		return cache.NewFileBackend(b.Directory, cache.Layout(b.Layout)), nil
	case "sqlite":
		return cache.NewSQLiteBackend(cache.SQLiteBackend{Path: b.Path, Schema: cache.SchemaPlain, Table: b.Table, WAL: b.WAL})
	case "mbtiles":
		return cache.NewSQLiteBackend(cache.SQLiteBackend{Path: b.Path, Schema: cache.SchemaMBTiles, WAL: b.WAL})
	case "geopackage":
		return cache.NewSQLiteBackend(cache.SQLiteBackend{Path: b.Path, Schema: cache.SchemaGeoPackage, Table: b.Table, WAL: b.WAL})
	case "sqlite_per_level":
		return cache.NewSQLiteBackend(cache.SQLiteBackend{PerLevelDir: b.Directory, PerLevel: true, Schema: cache.SchemaPlain, WAL: b.WAL})
	case "s3":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(b.Region))
		if err != nil {
			return nil, mperror.Wrap(mperror.KindConfig, err, "cache %s: aws config", cacheName)
		}
		return cache.NewS3Backend(s3.NewFromConfig(awsCfg), b.Bucket, b.Prefix), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: b.Address})
		return cache.NewRedisBackend(client, b.Prefix, b.TTL), nil
	case "azureblob":
		bucket, err := cache.OpenAzureBucket(ctx, b.ContainerURL)
		if err != nil {
			return nil, err
		}
		return cache.NewBlobBackend(bucket, b.Prefix), nil
	case "couchdb":
		return cache.NewCouchDBBackend(b.URL, b.Username, b.Password), nil
	case "arcgis_compact":
		return cache.NewArcGISCompactBackend(b.Directory), nil
	default:
		return nil, mperror.New(mperror.KindConfig, "cache %s: unknown backend type %q", cacheName, b.Type)
	}
}

func buildManager(ctx context.Context, name string, c CacheDoc, doc *Document, rt *Runtime, l *locker.Locker) (*manager.Manager, error) {
	gr, ok := rt.Grids[c.Grid]
	if !ok {
		return nil, mperror.New(mperror.KindConfig, "cache %s: unknown grid %s", name, c.Grid)
	}
	backend, err := buildBackend(ctx, name, c.Backend)
	if err != nil {
		return nil, mperror.Wrap(mperror.KindConfig, err, "cache %s backend", name)
	}

	srcs := make([]source.Source, 0, len(c.Sources))
	for _, sn := range c.Sources {
		s, ok := rt.Sources[sn]
		if !ok {
			return nil, mperror.New(mperror.KindConfig, "cache %s: unknown source %s", name, sn)
		}
		srcs = append(srcs, s)
	}

	onErr := manager.OnSourceErrorsRaise
	switch c.OnError {
	case "notify":
		onErr = manager.OnSourceErrorsNotify
	case "ignore":
		onErr = manager.OnSourceErrorsIgnore
	}

	globalResampling := resamplingOf(doc.Globals.Resampling)

	cfg := manager.Config{
		CacheID:                 name,
		Grid:                    gr,
		Backend:                 backend,
		Locker:                  l,
		Sources:                 srcs,
		MetaSize:                c.MetaSize,
		MetaBuffer:              c.MetaBuffer,
		ConcurrentTileCreators:  doc.Globals.ConcurrentTileCreators,
		ConcurrentLayerRenderer: doc.Globals.ConcurrentLayerRenderer,
		OnSourceErrors:          onErr,
		UseDirectFromLevel:      c.UseDirectFromLevel,
		UseDirectFromRes:        c.UseDirectFromRes,
		RefreshBefore:           c.RefreshBefore,
		RefreshWhileServing:     c.RefreshWhileServing,
		LinkSingleColorImages:   c.LinkSingleColorImages,
		Resampling:              globalResampling,
		LiveRetries:             doc.Globals.LiveRetries,
		SeedRetries:             doc.Globals.SeedRetries,
	}
	if c.UseDirectFromLevel == 0 {
		cfg.UseDirectFromLevel = manager.DirectDisabled
	}
	mgr, err := manager.New(cfg)
	if err != nil {
		return nil, mperror.Wrap(mperror.KindConfig, err, "cache %s", name)
	}
	return mgr, nil
}

func buildLayer(name string, ld LayerDoc, rt *Runtime) (*layer.Layer, error) {
	entries := make([]layer.Entry, 0, len(ld.Entries))
	for _, e := range ld.Entries {
		var src source.Source
		switch {
		case e.Cache != "":
			mgr, ok := rt.Managers[e.Cache]
			if !ok {
				return nil, mperror.New(mperror.KindConfig, "layer %s: unknown cache %s", name, e.Cache)
			}
			src = source.NewCacheAsSource(e.Cache, mgr, e.SRS, nil, nil)
		case e.Source != "":
			s, ok := rt.Sources[e.Source]
			if !ok {
				return nil, mperror.New(mperror.KindConfig, "layer %s: unknown source %s", name, e.Source)
			}
			src = s
		default:
			return nil, mperror.New(mperror.KindConfig, "layer %s: entry names neither cache nor source", name)
		}
		entries = append(entries, layer.Entry{Source: src, Coverage: e.Coverage.build(), SRS: e.SRS})
	}
	return layer.New(name, entries), nil
}
