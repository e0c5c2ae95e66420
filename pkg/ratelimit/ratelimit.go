// Package ratelimit implements a per-client sliding-window admission
// limiter. It is deliberately approximate and best-effort: optimized
// for low overhead per request, not perfect fairness.
package ratelimit

import (
	"sync"
	"time"
)

// Defaults for the sliding window.
const (
	DefaultWindow   = 60 * time.Second
	DefaultCapacity = 30
)

// Limiter admits up to capacity requests per client key within a
// trailing window. Distinct client keys are fully independent.
type Limiter struct {
	windows  map[string][]time.Time
	now      func() time.Time
	mu       sync.Mutex
	window   time.Duration
	capacity int
}

// New creates a limiter. Non-positive window or capacity select the
// defaults.
func New(window time.Duration, capacity int) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Limiter{
		windows:  make(map[string][]time.Time),
		now:      time.Now,
		window:   window,
		capacity: capacity,
	}
}

// WithClock overrides the limiter's clock for tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Allow checks whether a request from clientKey is admitted. When
// denied, retryAfter is how long the client should wait before the
// oldest recorded request falls out of the window.
func (l *Limiter) Allow(clientKey string) (allowed bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	// Lazy prune: drop timestamps older than the window.
	timestamps := l.windows[clientKey]
	kept := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) < l.capacity {
		kept = append(kept, now)
		l.windows[clientKey] = kept
		return true, 0
	}

	l.windows[clientKey] = kept
	retryAfter = l.window - now.Sub(kept[0])
	return false, retryAfter
}

// RetryAfterSeconds converts a retry-after duration to whole seconds,
// rounding up so callers never retry early.
func RetryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
