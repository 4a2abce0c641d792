// Command mapproxy-serve loads a configuration document and serves its
// layers over a minimal HTTP GetMap endpoint. Flag parsing, config
// loading, and wiring are all this command does — the full WMS/WMTS/TMS
// capabilities/dispatch surface is an external collaborator per spec.md
// §1's "out of scope" boundary, not core engineering, so the HTTP layer
// here is intentionally thin: one handler per layer translating query
// parameters into the same Layer.GetMap call a richer dispatch layer
// would eventually make.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"runtime/pprof"
	"strconv"
	"strings"

	"github.com/mapproxy-go/mapproxy/internal/config"
	"github.com/mapproxy-go/mapproxy/internal/encode"
	"github.com/mapproxy-go/mapproxy/internal/grid"
	"github.com/mapproxy-go/mapproxy/internal/layer"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configPath  string
		listen      string
		showVersion bool
		cpuProfile  string
	)

	flag.StringVar(&configPath, "config", "", "Path to the mapproxy YAML configuration document")
	flag.StringVar(&listen, "listen", ":8080", "HTTP listen address")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.StringVar(&cpuProfile, "cpuprofile", "", "Write CPU profile to file")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: mapproxy-serve -config <mapproxy.yaml>\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if showVersion {
		fmt.Printf("mapproxy-serve %s (commit %s)\n", version, commit)
		os.Exit(0)
	}
	if configPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	if cpuProfile != "" {
		f, err := os.Create(cpuProfile)
		if err != nil {
			log.Fatalf("creating CPU profile: %v", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatalf("starting CPU profile: %v", err)
		}
		defer pprof.StopCPUProfile()
	}

	doc, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	rt, err := config.Build(context.Background(), doc)
	if err != nil {
		log.Fatalf("wiring config: %v", err)
	}
	slog.Info("mapproxy-serve: wired runtime",
		"grids", len(rt.Grids), "caches", len(rt.Managers), "sources", len(rt.Sources), "layers", len(rt.Layers))

	mux := http.NewServeMux()
	for name, ly := range rt.Layers {
		mux.Handle("/"+name, getMapHandler(ly))
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	slog.Info("mapproxy-serve: listening", "addr", listen)
	if err := http.ListenAndServe(listen, mux); err != nil {
		log.Fatalf("server: %v", err)
	}
}

// getMapHandler implements a bare get_map surface for one layer: query
// parameters bbox (minx,miny,maxx,maxy), width, height, srs, format
// (MIME type, e.g. image/png). This is deliberately not a conformant WMS
// GetMap request parser — that belongs to the external dispatch layer
// spec.md §1 places out of core scope.
func getMapHandler(ly *layer.Layer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		bbox, err := parseBBox(q.Get("bbox"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		width := intParam(q.Get("width"), 256)
		height := intParam(q.Get("height"), 256)
		srs := intParam(q.Get("srs"), 3857)
		format := q.Get("format")
		if format == "" {
			format = "image/png"
		}

		buf, err := ly.GetMap(r.Context(), bbox, srs, width, height, format)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}

		enc, err := encode.NewEncoder(strings.TrimPrefix(format, "image/"), 85)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, err := enc.Encode(buf.ToRGBA())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", format)
		w.Write(data)
	}
}

func parseBBox(s string) (grid.BBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return grid.BBox{}, fmt.Errorf("bbox must be minx,miny,maxx,maxy, got %q", s)
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return grid.BBox{}, fmt.Errorf("invalid bbox component %q", p)
		}
		vals[i] = v
	}
	return grid.BBox{MinX: vals[0], MinY: vals[1], MaxX: vals[2], MaxY: vals[3]}, nil
}

func intParam(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
