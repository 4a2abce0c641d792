package seed

import (
	"log"
	"runtime"
)

// perWorkerBudget estimates the headroom one concurrent meta-tile render
// needs (decoded source tiles, resampling buffers, encode scratch space),
// used to keep a large seed run from oversubscribing RAM on a
// memory-constrained host.
const perWorkerBudget = 512 * 1024 * 1024

// DefaultConcurrency picks a seeding worker pool size bounded by both CPU
// count and available RAM. It never returns less than 1.
//
// Adapted from the teacher's memlimit.go, which computed a byte ceiling
// for an in-memory tile store before spilling to disk; that store no
// longer exists (internal/manager.Manager owns caching now), so the same
// RAM-detection plumbing is repurposed here to bound a worker count
// instead of a byte budget.
func DefaultConcurrency(verbose bool) int {
	n := runtime.NumCPU()

	totalRAM, err := totalSystemRAM()
	if err != nil {
		if verbose {
			log.Printf("seed: cannot detect system RAM: %v; using CPU count %d", err, n)
		}
		return n
	}

	byRAM := int(totalRAM / perWorkerBudget)
	if byRAM < 1 {
		byRAM = 1
	}
	if verbose {
		log.Printf("seed: system RAM %.1f GB, CPUs %d, RAM-bounded concurrency %d",
			float64(totalRAM)/(1024*1024*1024), n, byRAM)
	}
	if byRAM < n {
		return byRAM
	}
	return n
}
