package dedup

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTrackerFirstSeenThenDuplicate(t *testing.T) {
	tr := New(0)
	exp := time.Now().Add(time.Minute)

	if !tr.IsNew("abc123") {
		t.Fatalf("expected unseen id to be new")
	}
	// IsNew must not mark anything.
	if !tr.IsNew("abc123") {
		t.Fatalf("IsNew changed state")
	}
	if !tr.MarkSeen("abc123", exp) {
		t.Fatalf("first MarkSeen should add the id")
	}
	for i := 0; i < 3; i++ {
		if tr.IsNew("abc123") {
			t.Fatalf("id reported new after MarkSeen (call %d)", i)
		}
	}
	if tr.MarkSeen("abc123", exp) {
		t.Fatalf("second MarkSeen should report duplicate")
	}
	if tr.Len() != 1 {
		t.Fatalf("Len = %d, want 1", tr.Len())
	}
}

func TestTrackerUnboundedNeverEvicts(t *testing.T) {
	tr := New(0)
	tr.MarkSeen("old", time.Now().Add(-365*24*time.Hour))
	if n := tr.Sweep(time.Now()); n != 0 {
		t.Fatalf("unbounded tracker evicted %d ids", n)
	}
	if tr.IsNew("old") {
		t.Fatalf("unbounded tracker forgot an id")
	}
	if tr.Windowed() {
		t.Fatalf("expected unbounded tracker")
	}
}

func TestTrackerSweepRespectsRetention(t *testing.T) {
	now := time.Now()
	tr := New(time.Hour)
	tr.MarkSeen("stale", now.Add(-2*time.Hour))
	tr.MarkSeen("recent", now.Add(-30*time.Minute))
	tr.MarkSeen("live", now.Add(10*time.Minute))

	if n := tr.Sweep(now); n != 1 {
		t.Fatalf("Sweep removed %d ids, want 1", n)
	}
	if !tr.IsNew("stale") {
		t.Fatalf("expected stale id to be evicted")
	}
	if tr.IsNew("recent") || tr.IsNew("live") {
		t.Fatalf("ids inside the retention window must stay")
	}
}

func TestTrackerConcurrentMarkSeenAddsOnce(t *testing.T) {
	tr := New(0)
	exp := time.Now().Add(time.Minute)

	var wins atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if tr.MarkSeen(fmt.Sprintf("id-%d", j), exp) {
					wins.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	if got := wins.Load(); got != 50 {
		t.Fatalf("MarkSeen succeeded %d times, want 50", got)
	}
	if tr.Len() != 50 {
		t.Fatalf("Len = %d, want 50", tr.Len())
	}
}
