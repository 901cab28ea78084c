// Package ratelimit implements a fixed-window request counter keyed by
// (endpoint, principal), backed by a single mutex-guarded map of window
// counters.
package ratelimit

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Result is the outcome of one Allow call, carrying everything the HTTP
// layer needs to render X-RateLimit-* / Retry-After headers.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter int // seconds; only meaningful when !Allowed
}

type bucket struct {
	count   int
	resetAt time.Time
}

// Limiter holds one fixed-window bucket per (endpoint, principal) key.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	period  time.Duration
}

// New builds a Limiter whose windows reset every period.
func New(period time.Duration) *Limiter {
	return &Limiter{buckets: make(map[string]*bucket), period: period}
}

// Allow applies the fixed-window algorithm for (endpoint, principal) against
// limit: if the window has elapsed, it resets to (1, now+period) and allows;
// otherwise it allows while count < limit, incrementing on each call.
func (l *Limiter) Allow(endpoint, principal string, limit int) Result {
	key := fmt.Sprintf("%s:%s", endpoint, principal)
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || !now.Before(b.resetAt) {
		b = &bucket{count: 1, resetAt: now.Add(l.period)}
		l.buckets[key] = b
		return Result{Allowed: true, Limit: limit, Remaining: limit - 1, ResetAt: b.resetAt}
	}

	if b.count < limit {
		b.count++
		return Result{Allowed: true, Limit: limit, Remaining: limit - b.count, ResetAt: b.resetAt}
	}

	retryAfter := int(math.Ceil(b.resetAt.Sub(now).Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return Result{Allowed: false, Limit: limit, Remaining: 0, ResetAt: b.resetAt, RetryAfter: retryAfter}
}

// Sweep removes expired buckets so the map does not grow unbounded under a
// steady stream of distinct principals. Safe to call periodically from a
// background loop; Allow never depends on a prior Sweep for correctness.
func (l *Limiter) Sweep() int {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, b := range l.buckets {
		if now.After(b.resetAt) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}
