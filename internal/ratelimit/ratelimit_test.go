package ratelimit

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestAllowUnlimited(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 0})
	for i := 0; i < 100; i++ {
		if err := l.Allow("alice"); err != nil {
			t.Fatalf("Allow %d: %v", i, err)
		}
	}
}

func TestAllowExhaustsBurst(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})
	base := time.Now()
	l.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		if err := l.Allow("alice"); err != nil {
			t.Fatalf("Allow %d: %v", i, err)
		}
	}
	if err := l.Allow("alice"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Allow after burst = %v, want ErrRateLimited", err)
	}
}

func TestAllowRefillsOverTime(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	base := time.Now()
	l.now = func() time.Time { return base }

	if err := l.Allow("alice"); err != nil {
		t.Fatalf("first Allow: %v", err)
	}
	if err := l.Allow("alice"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("second Allow = %v, want ErrRateLimited", err)
	}

	// 60/min refills one token per second.
	base = base.Add(time.Second)
	if err := l.Allow("alice"); err != nil {
		t.Fatalf("Allow after refill: %v", err)
	}
}

func TestAllowIsolatesUsers(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	base := time.Now()
	l.now = func() time.Time { return base }

	if err := l.Allow("alice"); err != nil {
		t.Fatalf("alice: %v", err)
	}
	if err := l.Allow("alice"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("alice second = %v, want ErrRateLimited", err)
	}
	if err := l.Allow("bob"); err != nil {
		t.Fatalf("bob should have a fresh bucket: %v", err)
	}
}

func TestAllowConcurrent(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 50})
	base := time.Now()
	l.now = func() time.Time { return base }

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("alice") == nil {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 50 {
		t.Fatalf("allowed = %d, want exactly 50", allowed)
	}
}

func TestPruneDropsIdleBuckets(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	base := time.Now()
	l.now = func() time.Time { return base }

	if err := l.Allow("alice"); err != nil {
		t.Fatalf("alice: %v", err)
	}
	if err := l.Allow("bob"); err != nil {
		t.Fatalf("bob: %v", err)
	}

	base = base.Add(2 * time.Hour)
	if removed := l.Prune(time.Hour); removed != 2 {
		t.Fatalf("Prune removed %d, want 2", removed)
	}

	// Pruned user restarts with a full bucket.
	if err := l.Allow("alice"); err != nil {
		t.Fatalf("alice after prune: %v", err)
	}
}
