package ratelimit

import (
	"testing"
	"time"
)

func TestAllowWithinBurst(t *testing.T) {
	l := NewLimiter(5, time.Minute, 5)
	defer l.Close()

	for i := 0; i < 5; i++ {
		result := l.Allow("k")
		if !result.Allowed {
			t.Errorf("request %d must pass inside the burst", i+1)
		}
		if result.Limit != 5 {
			t.Errorf("Limit = %d, want 5", result.Limit)
		}
	}
	result := l.Allow("k")
	if result.Allowed {
		t.Error("request past the burst must be limited")
	}
	if result.RetryAfter < time.Second {
		t.Errorf("RetryAfter = %v, want >= 1s", result.RetryAfter)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := NewLimiter(5, time.Minute, 5)
	defer l.Close()

	for i := 0; i < 5; i++ {
		l.Allow("a")
	}
	if l.Allow("a").Allowed {
		t.Error("exhausted key must be limited")
	}
	for i := 0; i < 5; i++ {
		if !l.Allow("b").Allowed {
			t.Error("other keys keep their full quota")
		}
	}
}

func TestResultFields(t *testing.T) {
	l := NewLimiter(10, time.Minute, 10)
	defer l.Close()

	result := l.Allow("k")
	if !result.Allowed {
		t.Fatal("first request must pass")
	}
	if result.Remaining < 0 || result.Remaining > 10 {
		t.Errorf("Remaining = %d", result.Remaining)
	}
	if result.ResetAt.IsZero() {
		t.Error("ResetAt must be set")
	}
	if result.RetryAfter != 0 {
		t.Errorf("RetryAfter = %v on an allowed request", result.RetryAfter)
	}
}

func TestRejectedResult(t *testing.T) {
	l := NewLimiter(1, time.Minute, 1)
	defer l.Close()

	l.Allow("k")
	result := l.Allow("k")
	if result.Allowed {
		t.Fatal("must be limited")
	}
	if result.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", result.Remaining)
	}
	if result.RetryAfter == 0 {
		t.Error("RetryAfter must be set on a rejection")
	}
}

func TestCleanupDropsIdleFullBuckets(t *testing.T) {
	l := NewLimiter(60, time.Minute, 1)
	defer l.Close()

	l.Allow("stale")
	l.mu.Lock()
	l.buckets["stale"].lastSeen = time.Now().Add(-time.Hour)
	l.mu.Unlock()

	// Not full yet: the bucket survives.
	l.cleanup()
	l.mu.Lock()
	_, ok := l.buckets["stale"]
	l.mu.Unlock()
	if !ok {
		t.Fatal("a draining bucket must not be dropped")
	}

	// Once refilled, it is eligible.
	time.Sleep(1100 * time.Millisecond)
	l.cleanup()
	l.mu.Lock()
	_, ok = l.buckets["stale"]
	l.mu.Unlock()
	if ok {
		t.Error("an idle full bucket must be dropped")
	}
}
