/*
Package qpsmetrics implements the QPS Metrics Engine (§4.6): five
independent sliding-window maps keyed by dimension, fed by the
orchestrator on every request and read by admission control and the
/qps/stats management endpoint.
*/
package qpsmetrics

import (
	"sync"
	"time"

	"github.com/ridgeline-gateway/core/ratelimit"
)

// Dimensions tracked by the engine, matching §4.6.
const (
	DimensionGlobal   = "global"
	DimensionAPI      = "api"
	DimensionIP       = "ip"
	DimensionUser     = "user"
	DimensionPriority = "priority"
)

// cleanupThreshold is the idle-eviction age from §4.6 (60s).
const cleanupThreshold = 60 * time.Second

// dimensionMap is one dimension's key -> counter map, with a last-seen
// timestamp per key so snapshot() can evict idle entries inline.
type dimensionMap struct {
	mu       sync.RWMutex
	counters map[string]*ratelimit.SlidingWindowCounter
	lastSeen map[string]int64
}

func newDimensionMap() *dimensionMap {
	return &dimensionMap{
		counters: make(map[string]*ratelimit.SlidingWindowCounter),
		lastSeen: make(map[string]int64),
	}
}

// windowMs is the QPS window: a 1-second sliding window, matching the
// "queries per second" name.
const windowMs = 1000

func (d *dimensionMap) record(key string, nowMillis int64) {
	d.mu.RLock()
	c, ok := d.counters[key]
	d.mu.RUnlock()
	if !ok {
		d.mu.Lock()
		if c, ok = d.counters[key]; !ok {
			c = ratelimit.NewSlidingWindowCounter(windowMs)
			d.counters[key] = c
		}
		d.mu.Unlock()
	}
	c.Increment(nowMillis)

	d.mu.Lock()
	d.lastSeen[key] = nowMillis
	d.mu.Unlock()
}

// snapshot returns the current count per key, evicting any key whose
// window has gone stale (idle longer than cleanupThreshold) as it
// iterates — eviction is inline with reads per §4.6, avoiding a
// separate sweeper goroutine.
func (d *dimensionMap) snapshot(nowMillis int64) map[string]int64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]int64, len(d.counters))
	cutoff := nowMillis - cleanupThreshold.Milliseconds()
	for key, c := range d.counters {
		if d.lastSeen[key] < cutoff {
			delete(d.counters, key)
			delete(d.lastSeen, key)
			continue
		}
		out[key] = c.Count(nowMillis)
	}
	return out
}

func (d *dimensionMap) len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.counters)
}

// Engine is the multi-dimension QPS counter described in §4.6.
type Engine struct {
	dims map[string]*dimensionMap
}

// NewEngine creates an engine with the five fixed dimensions.
func NewEngine() *Engine {
	return &Engine{
		dims: map[string]*dimensionMap{
			DimensionGlobal:   newDimensionMap(),
			DimensionAPI:      newDimensionMap(),
			DimensionIP:       newDimensionMap(),
			DimensionUser:     newDimensionMap(),
			DimensionPriority: newDimensionMap(),
		},
	}
}

// Record increments the per-dimension current window for one request.
func (e *Engine) Record(path, ip, user string, priority int) {
	now := time.Now().UnixMilli()
	e.dims[DimensionGlobal].record("global", now)
	e.dims[DimensionAPI].record(path, now)
	e.dims[DimensionIP].record(ip, now)
	if user != "" {
		e.dims[DimensionUser].record(user, now)
	}
	e.dims[DimensionPriority].record(priorityKey(priority), now)
}

// Snapshot returns all current window counts, dimension by dimension,
// evicting idle keys as it goes.
func (e *Engine) Snapshot() map[string]map[string]int64 {
	now := time.Now().UnixMilli()
	out := make(map[string]map[string]int64, len(e.dims))
	for dim, m := range e.dims {
		out[dim] = m.snapshot(now)
	}
	return out
}

// Cleanup is the manual eviction hook exposed for tests and operators
// (§4.6): it forces the inline eviction pass across every dimension
// without needing to read the resulting snapshot.
func (e *Engine) Cleanup() {
	now := time.Now().UnixMilli()
	for _, m := range e.dims {
		m.snapshot(now)
	}
}

// Size returns the number of tracked keys per dimension, for the
// memory-bound invariant (§8 property 7).
func (e *Engine) Size() map[string]int {
	out := make(map[string]int, len(e.dims))
	for dim, m := range e.dims {
		out[dim] = m.len()
	}
	return out
}

func priorityKey(p int) string {
	const digits = "0123456789"
	if p < 0 || p > 9 {
		return "unknown"
	}
	return string(digits[p])
}
