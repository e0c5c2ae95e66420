// Package cache provides thread-safe caching with TTL support and
// single-flight computation of missing entries.
package cache

import (
	"context"
	"sync"
	"time"
)

// Entry holds a cached value with expiration.
type Entry struct {
	value      any
	expiration time.Time
}

// call tracks one in-flight computation so concurrent requests for the
// same uncached key coalesce onto a single compute.
type call struct {
	done  chan struct{}
	value any
	err   error
}

// Cache provides thread-safe caching with TTL. Entries are overwritten
// wholesale, never partially updated, and a value is never served once
// its expiration has passed.
type Cache struct {
	entries  map[string]Entry
	inflight map[string]*call
	now      func() time.Time
	mu       sync.RWMutex
	ttl      time.Duration
}

// New creates a new cache with the specified default TTL.
func New(ttl time.Duration) *Cache {
	c := &Cache{
		entries:  make(map[string]Entry),
		inflight: make(map[string]*call),
		now:      time.Now,
		ttl:      ttl,
	}
	go c.cleanupExpired()
	return c
}

// WithClock overrides the cache's clock. Tests use this to simulate TTL
// expiry without real time passing.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Get retrieves a value from cache if not expired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	entry, exists := c.entries[key]
	if !exists {
		c.mu.RUnlock()
		return nil, false
	}

	// Check expiration while holding read lock
	if c.now().After(entry.expiration) {
		c.mu.RUnlock()
		// Upgrade to write lock for deletion
		c.mu.Lock()
		// Double-check after lock upgrade to avoid race condition
		if e, exists := c.entries[key]; exists && c.now().After(e.expiration) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}

	value := entry.value
	c.mu.RUnlock()
	return value, true
}

// Set stores a value in cache with the default TTL.
func (c *Cache) Set(key string, value any) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores a value in cache with custom TTL.
func (c *Cache) SetWithTTL(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = Entry{
		value:      value,
		expiration: c.now().Add(ttl),
	}
}

// Invalidate removes an entry unconditionally. Used when an external
// refresh is known to have changed the underlying data.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// GetOrCompute returns the cached value if present and unexpired;
// otherwise it invokes fn, stores the result with the given TTL, and
// returns it. hit reports whether the value came from cache. Concurrent
// callers for the same uncached key coalesce onto one computation. A
// failed compute stores nothing: the previous entry, if any, is left
// untouched.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) (any, error)) (value any, hit bool, err error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}

	c.mu.Lock()
	// Re-check under the write lock: another caller may have stored the
	// value between Get and here.
	if entry, ok := c.entries[key]; ok && !c.now().After(entry.expiration) {
		c.mu.Unlock()
		return entry.value, true, nil
	}
	if existing, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-existing.done:
			return existing.value, false, existing.err
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
	cl := &call{done: make(chan struct{})}
	c.inflight[key] = cl
	c.mu.Unlock()

	cl.value, cl.err = fn(ctx)

	c.mu.Lock()
	delete(c.inflight, key)
	if cl.err == nil {
		c.entries[key] = Entry{
			value:      cl.value,
			expiration: c.now().Add(ttl),
		}
	}
	c.mu.Unlock()
	close(cl.done)

	return cl.value, false, cl.err
}

// cleanupExpired periodically removes expired entries.
func (c *Cache) cleanupExpired() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		now := c.now()
		for key, entry := range c.entries {
			if now.After(entry.expiration) {
				delete(c.entries, key)
			}
		}
		c.mu.Unlock()
	}
}
