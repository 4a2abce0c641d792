// Command mapproxy-seed drives the offline seed/cleanup operations
// spec.md §6 names, over the same config document cmd/mapproxy-serve
// loads. Flag parsing → config.Load → config.Build → internal/seed.Seed
// or internal/seed.Cleanup, in the teacher's flag/log.Fatalf idiom.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mapproxy-go/mapproxy/internal/config"
	"github.com/mapproxy-go/mapproxy/internal/manager"
	"github.com/mapproxy-go/mapproxy/internal/seed"
)

func main() {
	var (
		configPath   string
		cachesFlag   string
		levelsFlag   string
		format       string
		concurrency  int
		progressPath string
		cleanup      bool
		cleanupBefore string
		showVersion  bool
	)

	flag.StringVar(&configPath, "config", "", "Path to the mapproxy YAML configuration document")
	flag.StringVar(&cachesFlag, "caches", "", "Comma-separated cache names to seed (default: all)")
	flag.StringVar(&levelsFlag, "levels", "", "Comma-separated zoom levels, or start-end range (default: all levels the grid defines)")
	flag.StringVar(&format, "format", "png", "Tile format to seed")
	flag.IntVar(&concurrency, "concurrency", 0, "Worker pool size (0 = auto, bounded by CPU and RAM)")
	flag.StringVar(&progressPath, "progress-file", "", "Path to a resumable progress file (enables --continue behavior)")
	flag.BoolVar(&cleanup, "cleanup", false, "Remove cached tiles older than -cleanup-before instead of seeding")
	flag.StringVar(&cleanupBefore, "cleanup-before", "", "RFC3339 timestamp; tiles older than this are removed with -cleanup")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: mapproxy-seed -config <mapproxy.yaml> [-caches c1,c2] [-levels 0-10]\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if showVersion {
		fmt.Println("mapproxy-seed dev")
		os.Exit(0)
	}
	if configPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	doc, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	rt, err := config.Build(context.Background(), doc)
	if err != nil {
		log.Fatalf("wiring config: %v", err)
	}

	names := strings.Split(cachesFlag, ",")
	if cachesFlag == "" {
		names = nil
		for n := range rt.Managers {
			names = append(names, n)
		}
	}

	var tasks []seed.Task
	for _, n := range names {
		mgr, ok := rt.Managers[n]
		if !ok {
			log.Fatalf("unknown cache %q", n)
		}
		tasks = append(tasks, seed.Task{Name: n, Manager: mgr, Format: format})
	}
	if len(tasks) == 0 {
		log.Fatal("no caches to seed (configuration defines none)")
	}

	levels := parseLevels(levelsFlag, tasks[0].Manager)

	ctx := context.Background()
	if cleanup {
		before := time.Now()
		if cleanupBefore != "" {
			t, err := time.Parse(time.RFC3339, cleanupBefore)
			if err != nil {
				log.Fatalf("invalid -cleanup-before: %v", err)
			}
			before = t
		}
		var prog *seed.Progress
		if progressPath != "" {
			prog, err = seed.LoadProgress(progressPath)
			if err != nil {
				log.Fatalf("loading progress file: %v", err)
			}
		}
		removed, err := seed.Cleanup(ctx, tasks, levels, before, prog)
		if err != nil {
			log.Fatalf("cleanup: %v", err)
		}
		log.Printf("cleanup: removed %d tile(s) older than %s", removed, before.Format(time.RFC3339))
		return
	}

	start := time.Now()
	err = seed.Seed(ctx, tasks, levels, seed.Options{
		Concurrency:  concurrency,
		ProgressPath: progressPath,
		OnProgress: func(task string, level, n, total int) {
			if n%64 == 0 || n == total {
				log.Printf("seed %s: level %d: %d/%d meta-tiles", task, level, n, total)
			}
		},
	})
	if err != nil {
		log.Fatalf("seed: %v", err)
	}
	log.Printf("seed complete in %v", time.Since(start).Round(time.Millisecond))
}

func parseLevels(s string, mgr *manager.Manager) []int {
	if s == "" {
		n := mgr.Grid().NumLevels()
		levels := make([]int, n)
		for i := range levels {
			levels[i] = i
		}
		return levels
	}
	if strings.Contains(s, "-") {
		parts := strings.SplitN(s, "-", 2)
		start, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
		end, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err1 != nil || err2 != nil || end < start {
			log.Fatalf("invalid -levels range %q", s)
		}
		levels := make([]int, 0, end-start+1)
		for z := start; z <= end; z++ {
			levels = append(levels, z)
		}
		return levels
	}
	var levels []int
	for _, p := range strings.Split(s, ",") {
		z, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			log.Fatalf("invalid -levels value %q", p)
		}
		levels = append(levels, z)
	}
	return levels
}
