// Package locker implements per-fingerprint mutual exclusion spanning two
// scopes: in-process (one worker computes a given meta-tile at a time) and
// cross-process (an advisory file lock so multiple worker processes behind
// a load balancer sharing a cache directory don't thunder-herd the same
// upstream source).
//
// Grounded on gisquick's mapcache.go singleflight.Group keyed by metatile
// key, and on the teacher's temp-write-then-rename discipline for the idea
// of "every exit path releases," here applied to lock release instead of
// file publish. Cross-process locking uses github.com/gofrs/flock, the
// advisory-file-lock library gisquick's sibling tools in the pack rely on.
package locker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mapproxy-go/mapproxy/internal/mperror"
)

// Locker acquires per-fingerprint locks, composing an in-process gate
// (singleflight-style, but exposed as acquire/release rather than
// do-once, since the Tile Manager needs a held lock across multiple
// operations: re-check cache, fetch, compose, store) with an optional
// cross-process file lock under Dir.
type Locker struct {
	Dir     string        // tile_lock_dir; empty disables cross-process locking
	Timeout time.Duration // lock acquisition timeout; 0 means 30s default

	mu        sync.Mutex
	inProcess map[string]*sync.Mutex

	recent *lru.Cache[string, time.Time] // bookkeeping of recently-released locks, for metrics
}

// New builds a Locker. dir == "" disables the cross-process scope (useful
// for single-process deployments / tests).
func New(dir string, timeout time.Duration) *Locker {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	recent, _ := lru.New[string, time.Time](1024)
	return &Locker{
		Dir:       dir,
		Timeout:   timeout,
		inProcess: make(map[string]*sync.Mutex),
		recent:    recent,
	}
}

func (l *Locker) mutexFor(fingerprint string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.inProcess[fingerprint]
	if !ok {
		m = &sync.Mutex{}
		l.inProcess[fingerprint] = m
	}
	return m
}

// Acquire locks fingerprint, blocking up to l.Timeout. On success it
// returns a release func that MUST be called on every exit path (including
// error paths) — callers should `defer release()` immediately after a nil
// error. On timeout it returns mperror.LockTimeout and release is nil.
func (l *Locker) Acquire(ctx context.Context, fingerprint string) (release func(), err error) {
	deadline := time.Now().Add(l.Timeout)

	inProc := l.mutexFor(fingerprint)
	if !tryLockUntil(inProc, deadline) {
		return nil, mperror.LockTimeout
	}

	var fileLock *flock.Flock
	if l.Dir != "" {
		path := filepath.Join(l.Dir, fingerprint+".lock")
		// Fingerprints contain "/", so the lock file sits in subdirectories
		// of Dir that may not exist yet.
		_ = os.MkdirAll(filepath.Dir(path), 0755)
		fileLock = flock.New(path)
		locked, lockErr := lockFileUntil(ctx, fileLock, deadline)
		if lockErr != nil || !locked {
			inProc.Unlock()
			if lockErr != nil {
				return nil, mperror.Wrap(mperror.KindLockTimeout, lockErr, "cross-process lock for %s", fingerprint)
			}
			return nil, mperror.LockTimeout
		}
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		if fileLock != nil {
			_ = fileLock.Unlock()
		}
		inProc.Unlock()
		if l.recent != nil {
			l.recent.Add(fingerprint, time.Now())
		}
	}, nil
}

// tryLockUntil spins with a short backoff trying to acquire m before
// deadline. sync.Mutex has no native TryLock-with-timeout in older Go, but
// Go 1.18+ exposes TryLock; we poll it rather than block indefinitely so a
// LockTimeout can be surfaced per spec.
func tryLockUntil(m *sync.Mutex, deadline time.Time) bool {
	if m.TryLock() {
		return true
	}
	backoff := time.Millisecond
	for time.Now().Before(deadline) {
		time.Sleep(backoff)
		if m.TryLock() {
			return true
		}
		if backoff < 50*time.Millisecond {
			backoff *= 2
		}
	}
	return false
}

func lockFileUntil(ctx context.Context, fl *flock.Flock, deadline time.Time) (bool, error) {
	retry := 10 * time.Millisecond
	for {
		ok, err := fl.TryLock()
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(retry):
		}
		if retry < 200*time.Millisecond {
			retry *= 2
		}
	}
}

// EnsureDir creates dir (the tile_lock_dir) if set and absent.
func EnsureDir(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("locker: create lock dir %s: %w", dir, err)
	}
	return nil
}
