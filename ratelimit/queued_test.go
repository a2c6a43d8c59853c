package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// blockingLimiter denies every key until opened, letting tests force
// requests into the parking queue deterministically.
type blockingLimiter struct {
	mu   sync.Mutex
	open bool
}

func (b *blockingLimiter) Allow(_ context.Context, _ string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

func (b *blockingLimiter) setOpen(v bool) {
	b.mu.Lock()
	b.open = v
	b.mu.Unlock()
}

func TestQueuedLimiterAdmitsImmediatelyWhenLimiterAllows(t *testing.T) {
	lim := &blockingLimiter{open: true}
	q := NewQueuedLimiter(QueueConfig{MaxQueueSize: 10, MaxConcurrency: 1}, lim, testLogger())

	ran := false
	_, err := q.Admit(context.Background(), "k", 5, func(ctx context.Context) (any, error) {
		ran = true
		return nil, nil
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran {
		t.Fatal("expected work to run immediately when the wrapped limiter admits")
	}
}

func TestQueuedLimiterRejectsWhenFull(t *testing.T) {
	lim := &blockingLimiter{open: false}
	q := NewQueuedLimiter(QueueConfig{MaxQueueSize: 0, MaxConcurrency: 1}, lim, testLogger())

	_, err := q.Admit(context.Background(), "k", 5, noopWork, nil)
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestQueuedLimiterRunsFallbackWhenFull(t *testing.T) {
	lim := &blockingLimiter{open: false}
	q := NewQueuedLimiter(QueueConfig{MaxQueueSize: 0, MaxConcurrency: 1, EnableFallback: true, FallbackTimeout: time.Second}, lim, testLogger())

	ranFallback := false
	_, err := q.Admit(context.Background(), "k", 5, noopWork, func(ctx context.Context) (any, error) {
		ranFallback = true
		return nil, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ranFallback {
		t.Fatal("expected fallback to run when queue is full")
	}
}

func TestQueuedLimiterDispatchesParkedEntryOnRelease(t *testing.T) {
	lim := &blockingLimiter{open: false}
	q := NewQueuedLimiter(QueueConfig{MaxQueueSize: 10, MaxConcurrency: 1, MaxWaitTime: 2 * time.Second}, lim, testLogger())

	var wg sync.WaitGroup
	ran := make([]bool, 2)

	// Occupy the single concurrency slot directly via the heap so the
	// next Admit call is forced to park.
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = q.Admit(context.Background(), "k", 5, func(ctx context.Context) (any, error) {
			ran[0] = true
			time.Sleep(50 * time.Millisecond)
			return nil, nil
		}, nil)
	}()
	time.Sleep(10 * time.Millisecond) // let the first call claim the slot and start work

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = q.Admit(context.Background(), "k", 5, func(ctx context.Context) (any, error) {
			ran[1] = true
			return nil, nil
		}, nil)
	}()

	wg.Wait()
	if !ran[0] || !ran[1] {
		t.Fatalf("expected both entries to eventually run, got %v", ran)
	}
}

func TestQueuedLimiterTimesOutWhenNeverDispatched(t *testing.T) {
	lim := &blockingLimiter{open: false}
	q := NewQueuedLimiter(QueueConfig{MaxQueueSize: 10, MaxConcurrency: 0, MaxWaitTime: 30 * time.Millisecond}, lim, testLogger())
	// MaxConcurrency 0 is coerced to 1 by the constructor, so occupy the
	// one slot with a long-running entry first.
	go func() {
		_, _ = q.Admit(context.Background(), "occupant", 5, func(ctx context.Context) (any, error) {
			time.Sleep(200 * time.Millisecond)
			return nil, nil
		}, nil)
	}()
	time.Sleep(10 * time.Millisecond)

	_, err := q.Admit(context.Background(), "k", 5, noopWork, nil)
	if !errors.Is(err, ErrQueueTimeout) {
		t.Fatalf("expected ErrQueueTimeout, got %v", err)
	}
}

func TestQueuedLimiterPriorityOrdering(t *testing.T) {
	lim := &blockingLimiter{open: false}
	q := NewQueuedLimiter(QueueConfig{MaxQueueSize: 10, MaxConcurrency: 1, MaxWaitTime: 2 * time.Second, EnablePriority: true}, lim, testLogger())

	var mu sync.Mutex
	var order []int

	// Occupy the slot so subsequent admits park.
	release := make(chan struct{})
	go func() {
		_, _ = q.Admit(context.Background(), "occupant", 9, func(ctx context.Context) (any, error) {
			<-release
			return nil, nil
		}, nil)
	}()
	time.Sleep(10 * time.Millisecond)

	var wg sync.WaitGroup
	for _, p := range []int{9, 0, 5} {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.Admit(context.Background(), "k", p, func(ctx context.Context) (any, error) {
				mu.Lock()
				order = append(order, p)
				mu.Unlock()
				return nil, nil
			}, nil)
		}()
		time.Sleep(10 * time.Millisecond) // ensure enqueue order is deterministic
	}

	close(release)
	wg.Wait()

	if len(order) != 3 || order[0] != 0 || order[1] != 5 || order[2] != 9 {
		t.Fatalf("expected priority order [0 5 9], got %v", order)
	}
}

func noopWork(ctx context.Context) (any, error) { return nil, nil }
