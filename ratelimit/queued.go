package ratelimit

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Sentinel errors for the queued limiter (§7's error taxonomy).
var (
	// ErrQueueFull is returned when the parking queue has no room and
	// no fallback is configured. Surfaced as 429 + Retry-After.
	ErrQueueFull = errors.New("ratelimit: queue full")
	// ErrQueueTimeout is returned when a parked entry's deadline
	// elapses before a concurrency slot frees up. Surfaced as 503.
	ErrQueueTimeout = errors.New("ratelimit: queue wait timeout")
)

// Limiter is the narrow contract QueuedLimiter wraps — any admission
// decision (local, tiered, or a bare LocalLimiter) qualifies.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// Work is a deferred request continuation run once admitted.
type Work func(ctx context.Context) (any, error)

// QueueConfig configures the parking-queue limiter (§4.5).
type QueueConfig struct {
	MaxQueueSize    int
	MaxWaitTime     time.Duration
	MaxConcurrency  int
	EnablePriority  bool
	EnableFallback  bool
	FallbackTimeout time.Duration
}

// QueuedLimiter wraps any Limiter with a priority parking policy: a
// request denied by the wrapped limiter is queued (priority asc,
// deadline asc) rather than rejected outright, up to MaxQueueSize and
// MaxWaitTime, with at most MaxConcurrency queued entries executing
// Work concurrently. Direct admits from the wrapped limiter run
// immediately and are not subject to the concurrency cap — the cap
// governs the queue's own dispatch pool, matching the Queue Entry
// lifecycle described in §3 (see DESIGN.md for this reading).
type QueuedLimiter struct {
	cfg     QueueConfig
	limiter Limiter
	logger  zerolog.Logger

	mu  sync.Mutex
	pq  priorityQueue
	seq int64
	sem chan struct{}

	rejected       int64
	timedOut       int64
	fallbackServed int64
}

// NewQueuedLimiter creates a queued limiter wrapping the given Limiter.
func NewQueuedLimiter(cfg QueueConfig, limiter Limiter, logger zerolog.Logger) *QueuedLimiter {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.MaxWaitTime <= 0 {
		cfg.MaxWaitTime = 30 * time.Second
	}
	q := &QueuedLimiter{
		cfg:     cfg,
		limiter: limiter,
		logger:  logger.With().Str("component", "queued_limiter").Logger(),
		sem:     make(chan struct{}, cfg.MaxConcurrency),
	}
	heap.Init(&q.pq)
	return q
}

// Admit runs the decision table from §4.5: admit runs work immediately;
// deny with room in the queue parks the request; deny with a full
// queue runs the fallback (if enabled) or rejects with ErrQueueFull.
func (q *QueuedLimiter) Admit(ctx context.Context, key string, priority int, work, fallback Work) (any, error) {
	if q.limiter.Allow(ctx, key) {
		return work(ctx)
	}

	q.mu.Lock()
	if len(q.pq) >= q.cfg.MaxQueueSize {
		q.mu.Unlock()
		if q.cfg.EnableFallback && fallback != nil {
			atomic.AddInt64(&q.fallbackServed, 1)
			fctx, cancel := context.WithTimeout(ctx, q.cfg.FallbackTimeout)
			defer cancel()
			return fallback(fctx)
		}
		atomic.AddInt64(&q.rejected, 1)
		return nil, ErrQueueFull
	}

	p := priority
	if !q.cfg.EnablePriority {
		p = 0
	}
	q.seq++
	entry := &queueEntry{
		key:        key,
		priority:   p,
		deadlineMs: nowMs() + q.cfg.MaxWaitTime.Milliseconds(),
		seq:        q.seq,
		resultCh:   make(chan struct{}, 1),
	}
	heap.Push(&q.pq, entry)
	q.mu.Unlock()

	q.tryDispatch()

	timer := time.NewTimer(q.cfg.MaxWaitTime)
	defer timer.Stop()

	select {
	case <-entry.resultCh:
		defer q.release()
		return work(ctx)
	case <-timer.C:
		if q.removeEntry(entry) {
			atomic.AddInt64(&q.timedOut, 1)
			return nil, ErrQueueTimeout
		}
		<-entry.resultCh // already dispatched concurrently; take the slot
		defer q.release()
		return work(ctx)
	case <-ctx.Done():
		if q.removeEntry(entry) {
			return nil, ctx.Err()
		}
		<-entry.resultCh
		defer q.release()
		return work(ctx)
	}
}

// tryDispatch grants free concurrency slots to the highest-priority
// parked entries until the queue is empty or the semaphore is full.
func (q *QueuedLimiter) tryDispatch() {
	for {
		select {
		case q.sem <- struct{}{}:
		default:
			return
		}

		q.mu.Lock()
		if len(q.pq) == 0 {
			q.mu.Unlock()
			<-q.sem
			return
		}
		e := heap.Pop(&q.pq).(*queueEntry)
		q.mu.Unlock()

		e.resultCh <- struct{}{}
	}
}

// release frees a concurrency slot and attempts to dispatch the next
// queued entry.
func (q *QueuedLimiter) release() {
	<-q.sem
	q.tryDispatch()
}

// removeEntry removes a still-pending entry from the heap. It returns
// false if the entry was already popped by tryDispatch (in which case
// the caller must drain entry.resultCh instead of treating it as
// timed out or cancelled).
func (q *QueuedLimiter) removeEntry(e *queueEntry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e.index < 0 {
		return false
	}
	q.pq.remove(e)
	return true
}

// QueueLen reports the number of currently parked entries.
func (q *QueuedLimiter) QueueLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pq)
}

// ActiveCount reports how many queued entries are currently executing
// Work.
func (q *QueuedLimiter) ActiveCount() int { return len(q.sem) }

// Rejected, TimedOut, and FallbackServed report queue-level counters
// for /ratelimit/stats.
func (q *QueuedLimiter) Rejected() int64       { return atomic.LoadInt64(&q.rejected) }
func (q *QueuedLimiter) TimedOut() int64       { return atomic.LoadInt64(&q.timedOut) }
func (q *QueuedLimiter) FallbackServed() int64 { return atomic.LoadInt64(&q.fallbackServed) }
