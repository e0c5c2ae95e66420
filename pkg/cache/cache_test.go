package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock is a settable clock for simulating TTL expiry.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func TestNew(t *testing.T) {
	ttl := time.Hour
	c := New(ttl)

	if c == nil {
		t.Fatal("New returned nil")
	}
	if c.ttl != ttl {
		t.Errorf("expected TTL %v, got %v", ttl, c.ttl)
	}
	if c.entries == nil {
		t.Error("entries map not initialized")
	}
}

func TestCache_SetAndGet(t *testing.T) {
	c := New(time.Hour)

	c.Set("key1", "value1")
	val, found := c.Get("key1")
	if !found {
		t.Fatal("expected to find key1")
	}
	if val != "value1" {
		t.Errorf("expected value1, got %v", val)
	}

	val, found = c.Get("nonexistent")
	if found {
		t.Error("expected key not to be found")
	}
	if val != nil {
		t.Errorf("expected nil value, got %v", val)
	}
}

func TestCache_ExpiryViaClock(t *testing.T) {
	clock := newFakeClock()
	c := New(time.Hour).WithClock(clock.Now)

	c.SetWithTTL("key1", "value1", 10*time.Minute)

	if _, found := c.Get("key1"); !found {
		t.Fatal("expected to find key1 before expiry")
	}

	clock.Advance(11 * time.Minute)

	if val, found := c.Get("key1"); found {
		t.Errorf("expected key1 to be expired, got %v", val)
	}
}

func TestCache_Invalidate(t *testing.T) {
	c := New(time.Hour)

	c.Set("key1", "value1")
	c.Invalidate("key1")

	if _, found := c.Get("key1"); found {
		t.Error("expected key1 to be gone after Invalidate")
	}

	// Invalidating a missing key is a no-op.
	c.Invalidate("nonexistent")
}

func TestCache_GetOrCompute_CachesWithinTTL(t *testing.T) {
	clock := newFakeClock()
	c := New(time.Hour).WithClock(clock.Now)
	ctx := context.Background()

	var computes int32
	fn := func(context.Context) (any, error) {
		atomic.AddInt32(&computes, 1)
		return clock.Now(), nil
	}

	first, hit, err := c.GetOrCompute(ctx, "readiness:1", 10*time.Minute, fn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hit {
		t.Error("first call should be a miss")
	}

	clock.Advance(5 * time.Minute)
	second, hit, err := c.GetOrCompute(ctx, "readiness:1", 10*time.Minute, fn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !hit {
		t.Error("second call within TTL should be a hit")
	}
	if first != second {
		t.Errorf("expected identical cached value, got %v vs %v", first, second)
	}

	clock.Advance(6 * time.Minute)
	third, hit, err := c.GetOrCompute(ctx, "readiness:1", 10*time.Minute, fn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hit {
		t.Error("call after TTL should recompute")
	}
	if third == first {
		t.Error("recompute should produce a new value")
	}
	if got := atomic.LoadInt32(&computes); got != 2 {
		t.Errorf("expected 2 computes, got %d", got)
	}
}

func TestCache_GetOrCompute_FailureLeavesPreviousEntry(t *testing.T) {
	clock := newFakeClock()
	c := New(time.Hour).WithClock(clock.Now)
	ctx := context.Background()

	c.SetWithTTL("key1", "stale-but-present", 10*time.Minute)

	boom := errors.New("upstream down")
	_, _, err := c.GetOrCompute(ctx, "key2", 10*time.Minute, func(context.Context) (any, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected compute error, got %v", err)
	}

	if _, found := c.Get("key2"); found {
		t.Error("failed compute must not store an entry")
	}
	if val, found := c.Get("key1"); !found || val != "stale-but-present" {
		t.Error("failed compute must leave other entries untouched")
	}
}

func TestCache_GetOrCompute_CoalescesConcurrentCallers(t *testing.T) {
	c := New(time.Hour)
	ctx := context.Background()

	var computes int32
	started := make(chan struct{})
	release := make(chan struct{})

	fn := func(context.Context) (any, error) {
		atomic.AddInt32(&computes, 1)
		close(started)
		<-release
		return "computed", nil
	}

	var wg sync.WaitGroup
	results := make([]any, 10)
	wg.Add(1)
	go func() {
		defer wg.Done()
		v, _, _ := c.GetOrCompute(ctx, "key", time.Minute, fn)
		results[0] = v
	}()

	<-started
	for i := 1; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, _, _ := c.GetOrCompute(ctx, "key", time.Minute, fn)
			results[i] = v
		}(i)
	}

	// Give the followers a moment to park on the in-flight call, then
	// let the computation finish.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&computes); got != 1 {
		t.Errorf("expected exactly 1 compute, got %d", got)
	}
	for i, v := range results {
		if v != "computed" {
			t.Errorf("caller %d: got %v, want computed", i, v)
		}
	}
}

func TestCache_GetOrCompute_ContextCancelledWhileWaiting(t *testing.T) {
	c := New(time.Hour)

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	go func() {
		_, _, _ = c.GetOrCompute(context.Background(), "key", time.Minute, func(context.Context) (any, error) {
			close(started)
			<-release
			return "late", nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := c.GetOrCompute(ctx, "key", time.Minute, func(context.Context) (any, error) {
		return "should-not-run", nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestCache_SetOverwrite(t *testing.T) {
	c := New(time.Hour)

	c.Set("key1", "value1")
	c.Set("key1", "value2")

	val, found := c.Get("key1")
	if !found {
		t.Fatal("expected to find key1")
	}
	if val != "value2" {
		t.Errorf("expected value2, got %v", val)
	}
}
