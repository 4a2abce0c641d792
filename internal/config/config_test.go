package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

const sampleDoc = `
globals:
  cache_dir: ./data
  lock_dir: ./data/locks
  concurrent_tile_creators: 2
  concurrent_layer_renderer: 2
  resampling: bicubic

grids:
  webmercator:
    srs: 3857
    bbox: {min_x: -20037508.342789244, min_y: -20037508.342789244, max_x: 20037508.342789244, max_y: 20037508.342789244}
    tile_size: 256
    origin: nw
    num_levels: 12

sources:
  osm:
    type: wms
    url: https://example.org/wms
    layers: [osm]
    srs: [3857]
    formats: [image/png]

caches:
  osm_cache:
    grid: webmercator
    sources: [osm]
    backend:
      type: file
      directory: ./data/osm
      layout: tc
    meta_size: [4, 4]
    meta_buffer: 80
    on_error: raise

layers:
  osm:
    title: OpenStreetMap
    entries:
      - cache: osm_cache
`

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "mapproxy.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadParsesDocument(t *testing.T) {
	path := writeTempConfig(t, sampleDoc)
	doc, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.Globals.ConcurrentTileCreators != 2 {
		t.Fatalf("expected concurrent_tile_creators 2, got %d", doc.Globals.ConcurrentTileCreators)
	}
	if _, ok := doc.Grids["webmercator"]; !ok {
		t.Fatalf("expected grid %q to be parsed", "webmercator")
	}
	if _, ok := doc.Caches["osm_cache"]; !ok {
		t.Fatalf("expected cache %q to be parsed", "osm_cache")
	}
}

func TestBuildWiresGridsSourcesCachesAndLayers(t *testing.T) {
	path := writeTempConfig(t, sampleDoc)
	doc, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	rt, err := Build(context.Background(), doc)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, ok := rt.Grids["webmercator"]; !ok {
		t.Fatalf("expected grid webmercator wired")
	}
	if _, ok := rt.Sources["osm"]; !ok {
		t.Fatalf("expected source osm wired")
	}
	if _, ok := rt.Managers["osm_cache"]; !ok {
		t.Fatalf("expected manager osm_cache wired")
	}
	ly, ok := rt.Layers["osm"]
	if !ok {
		t.Fatalf("expected layer osm wired")
	}
	if ly.Name != "osm" {
		t.Fatalf("expected layer name osm, got %s", ly.Name)
	}
}

func TestBuildRejectsUnknownGridReference(t *testing.T) {
	const badDoc = `
caches:
  broken:
    grid: does-not-exist
    backend: {type: file, directory: /tmp/x}
`
	path := writeTempConfig(t, badDoc)
	doc, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := Build(context.Background(), doc); err == nil {
		t.Fatalf("expected Build to fail for unknown grid reference")
	}
}
