// Package config loads the typed configuration document spec.md §6
// describes (services, layers, caches, sources, grids, globals) and wires
// it into live package objects: internal/grid.Grid, internal/cache.Backend,
// internal/source.Source, internal/layer.Layer and internal/manager.Manager.
//
// Grounded on the teacher's flag-based simplicity (cmd/geotiff2pmtiles's
// main.go: parse, validate, build) extended into a structured document per
// spec.md §6's "typed document" requirement. gopkg.in/yaml.v3 is the
// closest widely-used config-parsing library represented across the pack's
// dependency ecosystem (vosatom-gisquick-server-next, among others, depends
// on it) — plain structs with yaml tags, no schema-validation library,
// since validation is explicitly out of scope per spec.md §1.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mapproxy-go/mapproxy/internal/coord"
	"github.com/mapproxy-go/mapproxy/internal/coverage"
	"github.com/mapproxy-go/mapproxy/internal/grid"
	"github.com/mapproxy-go/mapproxy/internal/mperror"
	"github.com/mapproxy-go/mapproxy/internal/raster"
)

// Document is the root of a configuration file: the same five top-level
// sections (plus globals) spec.md §6 names.
type Document struct {
	Globals Globals                  `yaml:"globals"`
	Grids   map[string]GridDoc       `yaml:"grids"`
	Caches  map[string]CacheDoc      `yaml:"caches"`
	Sources map[string]SourceDoc     `yaml:"sources"`
	Layers  map[string]LayerDoc      `yaml:"layers"`
	Services map[string]ServiceDoc   `yaml:"services"`
}

// Globals carries process-wide defaults every cache/source/layer falls
// back to unless it overrides them, per spec.md §5's concurrency bounds
// and §6's "immutable per-process config" design note.
type Globals struct {
	CacheDir              string  `yaml:"cache_dir"`
	LockDir               string  `yaml:"lock_dir"`
	ConcurrentTileCreators int    `yaml:"concurrent_tile_creators"`
	ConcurrentLayerRenderer int   `yaml:"concurrent_layer_renderer"`
	ConcurrentRequestsPerHost int `yaml:"concurrent_requests_per_host"`
	HideExceptionURL      bool    `yaml:"hide_exception_url"`
	Resampling            string  `yaml:"resampling"` // nearest, bilinear, bicubic
	LiveRetries           int     `yaml:"live_retries"`
	SeedRetries           int     `yaml:"seed_retries"`
}

// BBoxDoc is the YAML encoding of grid.BBox.
type BBoxDoc struct {
	MinX float64 `yaml:"min_x"`
	MinY float64 `yaml:"min_y"`
	MaxX float64 `yaml:"max_x"`
	MaxY float64 `yaml:"max_y"`
}

func (b BBoxDoc) toGrid() grid.BBox {
	return grid.BBox{MinX: b.MinX, MinY: b.MinY, MaxX: b.MaxX, MaxY: b.MaxY}
}

// CoverageDoc is a bbox, optionally refined by polygon rings (a list of
// [lon,lat] pairs per ring); an empty Rings list means "the bbox itself".
type CoverageDoc struct {
	BBox  *BBoxDoc    `yaml:"bbox"`
	Rings [][][2]float64 `yaml:"rings"`
}

func (c *CoverageDoc) build() coverage.Coverage {
	if c == nil || c.BBox == nil {
		return nil
	}
	box := c.BBox.toGrid()
	if len(c.Rings) == 0 {
		return coverage.NewBBox(box)
	}
	rings := make([]coverage.Ring, len(c.Rings))
	for i, r := range c.Rings {
		ring := make(coverage.Ring, len(r))
		for j, pt := range r {
			ring[j] = coverage.Point{X: pt[0], Y: pt[1]}
		}
		rings[i] = ring
	}
	return coverage.NewPolygon(box, rings)
}

// GridDoc configures one named tile pyramid, per spec.md §4.1.
type GridDoc struct {
	SRS           int       `yaml:"srs"`
	BBox          BBoxDoc   `yaml:"bbox"`
	TileSize      int       `yaml:"tile_size"`
	Origin        string    `yaml:"origin"` // "nw" or "sw"
	ResFactor     float64   `yaml:"res_factor"`
	Resolutions   []float64 `yaml:"resolutions"` // explicit ladder, takes precedence over res_factor
	MinRes        float64   `yaml:"min_res"`
	MaxRes        float64   `yaml:"max_res"`
	NumLevels     int       `yaml:"num_levels"`
	StretchFactor float64   `yaml:"stretch_factor"`
}

func (g GridDoc) build(name string) (*grid.Grid, error) {
	proj := coord.ForEPSG(g.SRS)
	if proj == nil {
		return nil, mperror.New(mperror.KindConfig, "grid %s: unsupported srs %d", name, g.SRS)
	}
	cfg := grid.Config{
		Name:          name,
		SRS:           proj,
		BBox:          g.BBox.toGrid(),
		TileSize:      g.TileSize,
		Origin:        grid.Origin(g.Origin),
		MinRes:        g.MinRes,
		MaxRes:        g.MaxRes,
		NumLevels:     g.NumLevels,
		StretchFactor: g.StretchFactor,
	}
	if len(g.Resolutions) > 0 {
		cfg.ResFactor = grid.ResFactor{Explicit: g.Resolutions}
	} else {
		cfg.ResFactor = grid.ResFactor{Numeric: g.ResFactor}
	}
	gr, err := grid.New(cfg)
	if err != nil {
		return nil, mperror.Wrap(mperror.KindConfig, err, "grid %s", name)
	}
	return gr, nil
}

// BackendDoc discriminates the cache backend type enum spec.md §4.3/§6
// names: file, sqlite, mbtiles, geopackage, sqlite_per_level, s3, redis,
// azureblob, couchdb, arcgis_compact.
type BackendDoc struct {
	Type string `yaml:"type"`

	// file / arcgis_compact
	Directory string `yaml:"directory"`
	Layout    string `yaml:"layout"` // tc, tms, arcgis, mp, quadkey

	// sqlite / mbtiles / geopackage / sqlite_per_level
	Path  string `yaml:"path"`
	Table string `yaml:"table"`
	WAL   bool   `yaml:"wal"`

	// s3
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`
	Prefix string `yaml:"prefix"`

	// redis
	Address  string        `yaml:"address"`
	TTL      time.Duration `yaml:"ttl"`

	// azureblob
	ContainerURL string `yaml:"container_url"` // azblob://<container>

	// couchdb
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// SourceDoc discriminates the Source type enum spec.md §4.6 names: wms,
// tile, mapnik, mapserver, arcgis, cache, debug, band_merge.
type SourceDoc struct {
	Type string `yaml:"type"`

	URL        string      `yaml:"url"`         // wms / tile / arcgis endpoint, or tile URL template
	Layers     []string    `yaml:"layers"`       // wms / mapserver layer names
	SRS        []int       `yaml:"srs"`
	Formats    []string    `yaml:"formats"`
	Coverage   *CoverageDoc `yaml:"coverage"`

	// mapnik
	Helper     string `yaml:"helper"`
	Stylesheet string `yaml:"stylesheet"`

	// mapserver
	Mapfile string `yaml:"mapfile"`

	// cache (cache-as-source)
	FromCache string `yaml:"from_cache"`

	// band_merge
	Bands []BandDoc `yaml:"bands"`
}

// BandDoc names one source+channel pair a band_merge source draws from,
// per spec.md §4.6's multi-band compositing. Channel is one of "r", "g",
// "b", "a".
type BandDoc struct {
	Source  string `yaml:"source"`
	Channel string `yaml:"channel"`
}

// CacheDoc configures one managed cache: its grid, backend, and source
// stack, per spec.md §4.5.
type CacheDoc struct {
	Grid    string   `yaml:"grid"`
	Sources []string `yaml:"sources"`
	Backend BackendDoc `yaml:"backend"`

	MetaSize   [2]int `yaml:"meta_size"`
	MetaBuffer int    `yaml:"meta_buffer"`

	OnError string `yaml:"on_error"` // raise, notify, ignore

	UseDirectFromLevel int     `yaml:"use_direct_from_level"`
	UseDirectFromRes   float64 `yaml:"use_direct_from_res"`

	RefreshBefore         time.Duration `yaml:"refresh_before"`
	RefreshWhileServing   bool          `yaml:"refresh_while_serving"`
	LinkSingleColorImages bool          `yaml:"link_single_color_images"`

	Format string `yaml:"format"`
}

// LayerEntryDoc is one member of a layer's composited stack: either a
// managed cache (by name) or a direct source (by name).
type LayerEntryDoc struct {
	Cache    string       `yaml:"cache"`
	Source   string       `yaml:"source"`
	Coverage *CoverageDoc `yaml:"coverage"`
	SRS      []int        `yaml:"srs"`
}

// LayerDoc configures one user-facing layer, per spec.md §4.8.
type LayerDoc struct {
	Title   string          `yaml:"title"`
	Entries []LayerEntryDoc `yaml:"entries"`
}

// ServiceDoc is left intentionally thin: spec.md §1 places the WMS/WMTS/
// TMS/KML HTTP surface itself out of core scope (an external collaborator
// for cmd/mapproxy-serve to wire), so this only records which services are
// enabled and under what URL prefix.
type ServiceDoc struct {
	Enabled bool   `yaml:"enabled"`
	Prefix  string `yaml:"prefix"`
}

// Load reads and parses path as a configuration Document. No schema
// validation runs here — spec.md §1 places validation out of scope.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, mperror.Wrap(mperror.KindConfig, err, "read config %s", path)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, mperror.Wrap(mperror.KindConfig, err, "parse config %s", path)
	}
	return &doc, nil
}

// resamplingOf maps a config string to raster.Resampling, defaulting to
// bicubic per spec.md's default filter.
func resamplingOf(s string) raster.Resampling {
	switch s {
	case "nearest":
		return raster.ResamplingNearest
	case "bilinear":
		return raster.ResamplingBilinear
	default:
		return raster.ResamplingBicubic
	}
}
