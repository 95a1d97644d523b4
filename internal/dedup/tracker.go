// Package dedup tracks encounter ids that were already dispatched by the poll
// ingestion path.
//
// The seen-set lives for the lifetime of the process. By default it is never
// pruned: snapshot sources are bounded and rotated externally, so growth is
// bounded by what upstream keeps around. A retention window can be configured
// to evict ids whose encounter expired long ago; such ids can only come back
// as expired rows, which the expiry filter skips anyway.
package dedup

import (
	"sync"
	"time"
)

// Tracker is a concurrency-safe, append-only set of seen encounter ids.
type Tracker struct {
	retention time.Duration

	mu   sync.Mutex
	seen map[string]time.Time // id -> expires_at
}

// New returns a Tracker. retention <= 0 disables eviction entirely.
func New(retention time.Duration) *Tracker {
	if retention < 0 {
		retention = 0
	}
	return &Tracker{retention: retention, seen: map[string]time.Time{}}
}

// IsNew reports whether id has not been marked yet.
func (t *Tracker) IsNew(id string) bool {
	t.mu.Lock()
	_, ok := t.seen[id]
	t.mu.Unlock()
	return !ok
}

// MarkSeen records id. It returns false when id was already present, in
// which case the stored entry is left untouched.
func (t *Tracker) MarkSeen(id string, expiresAt time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.seen[id]; ok {
		return false
	}
	t.seen[id] = expiresAt
	return true
}

// Len returns the number of tracked ids.
func (t *Tracker) Len() int {
	t.mu.Lock()
	n := len(t.seen)
	t.mu.Unlock()
	return n
}

// Windowed reports whether Sweep can evict anything.
func (t *Tracker) Windowed() bool { return t.retention > 0 }

// Sweep evicts ids whose expiry is older than the retention window and
// returns how many were removed. It is a no-op for unbounded trackers.
func (t *Tracker) Sweep(now time.Time) int {
	if t.retention <= 0 {
		return 0
	}
	cutoff := now.Add(-t.retention)
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, exp := range t.seen {
		if exp.Before(cutoff) {
			delete(t.seen, id)
			removed++
		}
	}
	return removed
}
