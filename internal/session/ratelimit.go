// Package session holds the authoritative in-memory registry of live
// relay sessions: per-session metrics, admission helpers, the stale
// reaper, and forceful termination.
package session

import (
	"sync"
	"time"
)

// rateBucket is one fixed-window admission counter.
type rateBucket struct {
	count       int
	windowStart time.Time
}

// RateLimiter is a fixed-window request counter keyed by endpoint id.
// When the window has elapsed the counter resets; an attempt is allowed
// iff the incremented count stays within the limit.
type RateLimiter struct {
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*rateBucket
}

// NewRateLimiter creates a limiter with the given window (60s per the
// admission policy; tests inject shorter windows and a fake clock).
func NewRateLimiter(window time.Duration) *RateLimiter {
	return &RateLimiter{
		window:  window,
		now:     time.Now,
		buckets: make(map[string]*rateBucket),
	}
}

// Allow records an admission attempt for key and reports whether it is
// within limit for the current window. A zero or negative limit means
// unlimited.
func (l *RateLimiter) Allow(key string, limit int) bool {
	if limit <= 0 {
		return true
	}

	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || now.Sub(b.windowStart) > l.window {
		b = &rateBucket{windowStart: now}
		l.buckets[key] = b
	}
	b.count++
	return b.count <= limit
}

// EvictExpired drops buckets whose window has elapsed. Called from the
// reaper so idle endpoints do not accumulate state.
func (l *RateLimiter) EvictExpired() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, b := range l.buckets {
		if now.Sub(b.windowStart) > l.window {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}
