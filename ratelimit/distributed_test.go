package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeStore is an in-memory Store for exercising DistributedLimiter
// without a real Redis instance.
type fakeStore struct {
	mu      sync.Mutex
	values  map[string]int64
	failErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{values: make(map[string]int64)}
}

func (f *fakeStore) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if f.failErr != nil {
		return 0, f.failErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key]++
	return f.values[key], nil
}

func (f *fakeStore) Sum(ctx context.Context, keys []string) (int64, error) {
	if f.failErr != nil {
		return 0, f.failErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var total int64
	for _, k := range keys {
		total += f.values[k]
	}
	return total, nil
}

func TestDistributedLimiterAdmitsUnderLimit(t *testing.T) {
	store := newFakeStore()
	d := NewDistributedLimiter(store, 1)

	ok, err := d.SlidingWindowCheck(context.Background(), "k", 1, 5, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected admission under limit")
	}
}

func TestDistributedLimiterDeniesOverLimit(t *testing.T) {
	store := newFakeStore()
	d := NewDistributedLimiter(store, 1)

	for i := 0; i < 3; i++ {
		_, _ = d.SlidingWindowCheck(context.Background(), "k", 1, 2, 0)
	}
	ok, err := d.SlidingWindowCheck(context.Background(), "k", 1, 2, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected denial once summed count exceeds maxRequests+burstSize")
	}
}

func TestDistributedLimiterSurfacesStoreError(t *testing.T) {
	store := newFakeStore()
	store.failErr = errors.New("connection refused")
	d := NewDistributedLimiter(store, 1)

	_, err := d.SlidingWindowCheck(context.Background(), "k", 1, 5, 0)
	if !errors.Is(err, ErrDistributedStoreUnavailable) {
		t.Fatalf("expected ErrDistributedStoreUnavailable, got %v", err)
	}
}

func TestTieredLimiterFailsOpenOnDistributedError(t *testing.T) {
	store := newFakeStore()
	store.failErr = errors.New("timeout")
	distributed := NewDistributedLimiter(store, 1)
	local := NewLocalLimiter(Config{Name: "t", MaxRequests: 10, BurstSize: 0, WindowSizeMs: 1000}, testLogger())

	tiered := NewTieredLimiter(local, distributed, 1, 10, 0, testLogger())

	if !tiered.Allow(context.Background(), "k") {
		t.Fatal("expected fail-open admission when distributed tier errors")
	}
	if tiered.DegradedCount() != 1 {
		t.Fatalf("expected degraded count 1, got %d", tiered.DegradedCount())
	}
}

func TestTieredLimiterLocalDenyShortCircuits(t *testing.T) {
	store := newFakeStore()
	distributed := NewDistributedLimiter(store, 1)
	local := NewLocalLimiter(Config{Name: "t", MaxRequests: 1, BurstSize: 0, WindowSizeMs: 1000}, testLogger())

	tiered := NewTieredLimiter(local, distributed, 1, 1, 0, testLogger())

	if !tiered.Allow(context.Background(), "k") {
		t.Fatal("first request should be admitted")
	}
	if tiered.Allow(context.Background(), "k") {
		t.Fatal("second request should be denied by local tier without consulting distributed store")
	}
}

func TestTieredLimiterNilDistributedDegradesToLocal(t *testing.T) {
	local := NewLocalLimiter(Config{Name: "t", MaxRequests: 2, BurstSize: 0, WindowSizeMs: 1000}, testLogger())
	tiered := NewTieredLimiter(local, nil, 1, 2, 0, testLogger())

	if !tiered.Allow(context.Background(), "k") {
		t.Fatal("expected admission via local tier when distributed is nil")
	}
}
