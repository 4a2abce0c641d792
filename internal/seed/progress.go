package seed

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mapproxy-go/mapproxy/internal/mperror"
)

// Progress is the resumable seeding state spec.md §6 calls a "progress
// file": a per-cache, per-level bitmap of completed meta-tiles, so a
// killed or paused Seed run can continue instead of restarting. An empty
// path keeps everything in memory only (no persistence, no --continue).
//
// Grounded on internal/cache/file.go's temp-write-then-rename atomicity
// pattern, applied here to a single JSON state file instead of per-tile
// blobs.
type Progress struct {
	path string

	mu        sync.Mutex
	completed map[string]map[int]map[string]bool // cacheID -> level -> "mx,my" -> done
	dirty     bool
}

// LoadProgress reads path if it exists, or starts fresh if it doesn't.
func LoadProgress(path string) (*Progress, error) {
	p := &Progress{path: path, completed: make(map[string]map[int]map[string]bool)}
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return nil, mperror.Wrap(mperror.KindConfig, err, "read progress file %s", path)
	}
	var doc struct {
		Completed map[string]map[int]map[string]bool `json:"completed"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, mperror.Wrap(mperror.KindConfig, err, "parse progress file %s", path)
	}
	if doc.Completed != nil {
		p.completed = doc.Completed
	}
	return p, nil
}

// Done reports whether meta-tile (z, mx, my) is already recorded complete
// for cacheID.
func (p *Progress) Done(cacheID string, z, mx, my int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	lvl, ok := p.completed[cacheID]
	if !ok {
		return false
	}
	set, ok := lvl[z]
	if !ok {
		return false
	}
	return set[metaKey(mx, my)]
}

// MarkDone records meta-tile (z, mx, my) as complete for cacheID.
func (p *Progress) MarkDone(cacheID string, z, mx, my int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	lvl, ok := p.completed[cacheID]
	if !ok {
		lvl = make(map[int]map[string]bool)
		p.completed[cacheID] = lvl
	}
	set, ok := lvl[z]
	if !ok {
		set = make(map[string]bool)
		lvl[z] = set
	}
	set[metaKey(mx, my)] = true
	p.dirty = true
}

// Clear un-marks meta-tile (z, mx, my) for cacheID, used by Cleanup after
// it removes the tiles that meta-tile had populated.
func (p *Progress) Clear(cacheID string, z, mx, my int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	lvl, ok := p.completed[cacheID]
	if !ok {
		return
	}
	set, ok := lvl[z]
	if !ok {
		return
	}
	if set[metaKey(mx, my)] {
		delete(set, metaKey(mx, my))
		p.dirty = true
	}
}

// Save persists the current state to disk via temp-write-then-rename, if
// a path was configured and the state has changed since the last Save.
func (p *Progress) Save() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.path == "" || !p.dirty {
		return nil
	}
	data, err := json.MarshalIndent(struct {
		Completed map[string]map[int]map[string]bool `json:"completed"`
	}{Completed: p.completed}, "", "  ")
	if err != nil {
		return mperror.Wrap(mperror.KindConfig, err, "marshal progress file %s", p.path)
	}

	dir := filepath.Dir(p.path)
	tmp, err := os.CreateTemp(dir, ".progress-*.tmp")
	if err != nil {
		return mperror.Wrap(mperror.KindCacheIO, err, "create progress temp file in %s", dir)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return mperror.Wrap(mperror.KindCacheIO, err, "write progress file %s", p.path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return mperror.Wrap(mperror.KindCacheIO, err, "close progress temp file %s", p.path)
	}
	if err := os.Rename(tmpPath, p.path); err != nil {
		os.Remove(tmpPath)
		return mperror.Wrap(mperror.KindCacheIO, err, "rename progress file into %s", p.path)
	}
	p.dirty = false
	return nil
}

func metaKey(mx, my int) string { return fmt.Sprintf("%d,%d", mx, my) }
