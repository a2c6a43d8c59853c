/*
Package ratelimit implements the multi-tier limiter stack: sliding
window counters (§4.1), the local in-process limiter (§4.2), the
distributed tier (§4.3), their tiered composition (§4.4), and the
priority parking queue (§4.5).
*/
package ratelimit

import (
	"sync/atomic"
	"time"
)

// window is one fixed-duration bucket: a start time and an atomic
// counter. Once now-startMs >= sizeMs it is stale and must be replaced
// — never mutated in place, so concurrent readers of the old window
// never observe a torn reset.
type window struct {
	startMs int64
	counter int64
}

// SlidingWindowCounter is a bounded-window request counter for a single
// key. Increment is lock-free on the fast path: only window rotation
// uses a CAS, and only one of several racing rotators wins.
type SlidingWindowCounter struct {
	sizeMs int64
	cur    atomic.Pointer[window]
}

// NewSlidingWindowCounter creates a counter with the given window size.
func NewSlidingWindowCounter(sizeMs int64) *SlidingWindowCounter {
	c := &SlidingWindowCounter{sizeMs: sizeMs}
	c.cur.Store(&window{startMs: nowMs()})
	return c
}

// nowMs returns the wall-clock time in Unix milliseconds. The monotonic
// reading carried by time.Now() is not used, so a step of the system
// clock moves window boundaries accordingly.
func nowMs() int64 {
	return time.Now().UnixMilli()
}

// Increment atomically rotates the window if expired, increments the
// counter, and returns the new count. Safe under unlimited concurrent
// callers.
func (c *SlidingWindowCounter) Increment(nowMillis int64) int64 {
	for {
		w := c.cur.Load()
		if nowMillis-w.startMs >= c.sizeMs {
			fresh := &window{startMs: nowMillis}
			if c.cur.CompareAndSwap(w, fresh) {
				w = fresh
			} else {
				// Another goroutine won the rotation race; use its window.
				w = c.cur.Load()
			}
		}
		n := atomic.AddInt64(&w.counter, 1)
		// w is not re-checked after the increment: if it was replaced
		// between the expiry check and the increment, the count is still
		// valid for that window's lifetime.
		return n
	}
}

// Count returns the current window's count without incrementing. An
// expired window reads as 0; Count does not rotate it. Used for
// read-only snapshots.
func (c *SlidingWindowCounter) Count(nowMillis int64) int64 {
	w := c.cur.Load()
	if nowMillis-w.startMs >= c.sizeMs {
		return 0
	}
	return atomic.LoadInt64(&w.counter)
}

// StartMs returns the current window's start time, or nowMillis if the
// window has expired.
func (c *SlidingWindowCounter) StartMs(nowMillis int64) int64 {
	w := c.cur.Load()
	if nowMillis-w.startMs >= c.sizeMs {
		return nowMillis
	}
	return w.startMs
}

// SizeMs returns the configured window size.
func (c *SlidingWindowCounter) SizeMs() int64 { return c.sizeMs }
