// Package ratelimit implements a per-user token bucket rate limiter for
// chat and sandbox requests. No background goroutines; buckets refill
// lazily on each Allow call.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// ErrRateLimited is returned when a user has exhausted their token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int `yaml:"requests_per_minute"` // Tokens added per minute. 0 = unlimited.
	BurstSize         int `yaml:"burst_size"`          // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// Limiter tracks one token bucket per user. Buckets are independent;
// one user cannot exhaust another's quota.
type Limiter struct {
	buckets *xsync.MapOf[string, *bucket]
	rate    float64 // tokens per second
	burst   float64
	now     func() time.Time
}

type bucket struct {
	mu       sync.Mutex
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a rate limiter. If RequestsPerMinute is 0,
// Allow always succeeds.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		buckets: xsync.NewMapOf[string, *bucket](),
		rate:    float64(cfg.RequestsPerMinute) / 60.0,
		burst:   float64(burst),
		now:     time.Now,
	}
}

// Allow consumes one token from the user's bucket. Returns ErrRateLimited
// when the bucket is empty; the bucket keeps refilling at the configured
// rate so the caller can simply retry later.
func (l *Limiter) Allow(userID string) error {
	if l.rate <= 0 {
		return nil
	}

	now := l.now()
	b, _ := l.buckets.LoadOrCompute(userID, func() *bucket {
		// First request starts with a full bucket.
		return &bucket{tokens: l.burst, lastFill: now}
	})

	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * l.rate
		if b.tokens > l.burst {
			b.tokens = l.burst
		}
		b.lastFill = now
	}

	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}

// Prune drops buckets idle longer than maxAge. Safe to call periodically;
// a pruned user simply restarts with a full bucket.
func (l *Limiter) Prune(maxAge time.Duration) int {
	cutoff := l.now().Add(-maxAge)
	removed := 0
	l.buckets.Range(func(userID string, b *bucket) bool {
		b.mu.Lock()
		stale := b.lastFill.Before(cutoff)
		b.mu.Unlock()
		if stale {
			l.buckets.Delete(userID)
			removed++
		}
		return true
	})
	return removed
}
