package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config is the admission configuration for one limiter instance
// (§3's Rate Limit Configuration).
type Config struct {
	Name         string
	MaxRequests  int
	BurstSize    int
	WindowSizeMs int64
}

// LocalLimiter is the fast in-process tier (§4.2): a sliding-window
// counter per key, with a burst region above MaxRequests. It never
// blocks and fails closed only on internal error, matching the
// teacher's in-memory rate limiter but keyed per logical key rather
// than per connection and exposing CurrentCount for the metrics
// engine.
type LocalLimiter struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.RWMutex
	counters map[string]*SlidingWindowCounter

	idleEvictAfter time.Duration
	lastSeen       sync.Map // key -> time.Time (unix ms), used for eviction
}

// NewLocalLimiter creates a local limiter with the given configuration.
func NewLocalLimiter(cfg Config, logger zerolog.Logger) *LocalLimiter {
	if cfg.WindowSizeMs <= 0 {
		cfg.WindowSizeMs = 1000
	}
	return &LocalLimiter{
		cfg:            cfg,
		logger:         logger.With().Str("component", "local_limiter").Str("limiter", cfg.Name).Logger(),
		counters:       make(map[string]*SlidingWindowCounter),
		idleEvictAfter: 60 * time.Second,
	}
}

// TryAcquire attempts to admit one request for key. Returns false once
// the counter reaches MaxRequests+BurstSize. The burst region (between
// MaxRequests and MaxRequests+BurstSize) is allowed but logged.
func (l *LocalLimiter) TryAcquire(key string) bool {
	if l.cfg.MaxRequests <= 0 {
		return false
	}

	now := nowMs()
	l.lastSeen.Store(key, now)

	counter := l.counterFor(key)
	n := counter.Increment(now)

	limit := int64(l.cfg.MaxRequests)
	burstLimit := limit + int64(l.cfg.BurstSize)

	if n > burstLimit {
		return false
	}
	if n > limit {
		l.logger.Debug().Str("key", key).Int64("count", n).Msg("serving request from burst allowance")
	}
	return true
}

// Allow adapts TryAcquire to the Limiter interface so a LocalLimiter
// can be wrapped directly by a QueuedLimiter without a tiered layer.
func (l *LocalLimiter) Allow(_ context.Context, key string) bool {
	return l.TryAcquire(key)
}

// CurrentCount returns the current window's count for key, or 0 if the
// key is not tracked.
func (l *LocalLimiter) CurrentCount(key string) int64 {
	l.mu.RLock()
	c, ok := l.counters[key]
	l.mu.RUnlock()
	if !ok {
		return 0
	}
	return c.Count(nowMs())
}

func (l *LocalLimiter) counterFor(key string) *SlidingWindowCounter {
	l.mu.RLock()
	c, ok := l.counters[key]
	l.mu.RUnlock()
	if ok {
		return c
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok = l.counters[key]; ok {
		return c
	}
	c = NewSlidingWindowCounter(l.cfg.WindowSizeMs)
	l.counters[key] = c
	return c
}

// Evict removes counters idle for longer than idleEvictAfter, bounding
// memory to the set of keys seen in the last 60s (§3 lifecycle).
func (l *LocalLimiter) Evict() int {
	cutoff := time.Now().Add(-l.idleEvictAfter).UnixMilli()
	removed := 0

	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.counters {
		last, ok := l.lastSeen.Load(key)
		if !ok || last.(int64) < cutoff {
			delete(l.counters, key)
			l.lastSeen.Delete(key)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked keys, for memory-bound assertions.
func (l *LocalLimiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.counters)
}
