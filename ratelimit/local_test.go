package ratelimit

import (
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestLocalLimiterAdmitsUnderLimit(t *testing.T) {
	l := NewLocalLimiter(Config{Name: "test", MaxRequests: 3, BurstSize: 0, WindowSizeMs: 1000}, testLogger())

	for i := 0; i < 3; i++ {
		if !l.TryAcquire("k") {
			t.Fatalf("request %d should be admitted within MaxRequests", i)
		}
	}
}

func TestLocalLimiterBurstRegionAllowed(t *testing.T) {
	l := NewLocalLimiter(Config{Name: "test", MaxRequests: 2, BurstSize: 2, WindowSizeMs: 1000}, testLogger())

	for i := 0; i < 4; i++ {
		if !l.TryAcquire("k") {
			t.Fatalf("request %d should be admitted within MaxRequests+BurstSize", i)
		}
	}
	if l.TryAcquire("k") {
		t.Fatal("request beyond burst allowance should be denied")
	}
}

func TestLocalLimiterDeniesOverLimit(t *testing.T) {
	l := NewLocalLimiter(Config{Name: "test", MaxRequests: 1, BurstSize: 0, WindowSizeMs: 1000}, testLogger())

	if !l.TryAcquire("k") {
		t.Fatal("first request should be admitted")
	}
	if l.TryAcquire("k") {
		t.Fatal("second request should be denied with no burst allowance")
	}
}

func TestLocalLimiterKeysAreIndependent(t *testing.T) {
	l := NewLocalLimiter(Config{Name: "test", MaxRequests: 1, BurstSize: 0, WindowSizeMs: 1000}, testLogger())

	if !l.TryAcquire("a") {
		t.Fatal("key a should be admitted")
	}
	if !l.TryAcquire("b") {
		t.Fatal("key b should be admitted independently of key a")
	}
}

func TestLocalLimiterEvictsIdleKeys(t *testing.T) {
	l := NewLocalLimiter(Config{Name: "test", MaxRequests: 5, BurstSize: 0, WindowSizeMs: 1000}, testLogger())
	l.idleEvictAfter = 0
	l.TryAcquire("a")

	if l.Len() != 1 {
		t.Fatalf("expected 1 tracked key before eviction, got %d", l.Len())
	}
	time.Sleep(2 * time.Millisecond) // idle strictly longer than the zero threshold
	removed := l.Evict()
	if removed != 1 {
		t.Fatalf("expected 1 key evicted, got %d", removed)
	}
	if l.Len() != 0 {
		t.Fatalf("expected 0 tracked keys after eviction, got %d", l.Len())
	}
}

func TestLocalLimiterAllowAdaptsToInterface(t *testing.T) {
	l := NewLocalLimiter(Config{Name: "test", MaxRequests: 1, BurstSize: 0, WindowSizeMs: 1000}, testLogger())
	var lim Limiter = l
	if !lim.Allow(nil, "k") {
		t.Fatal("first call through Limiter interface should admit")
	}
	if lim.Allow(nil, "k") {
		t.Fatal("second call through Limiter interface should deny")
	}
}
