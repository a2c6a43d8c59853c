package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrDistributedStoreUnavailable is surfaced by Store implementations
// on any failure (timeout, connection error, etc). The tiered limiter
// treats it as a trigger to fail open to the local tier (§4.4, §7).
var ErrDistributedStoreUnavailable = errors.New("ratelimit: distributed store unavailable")

// distributedDeadline bounds every distributed check; §4.3 mandates
// never blocking indefinitely.
const distributedDeadline = 50 * time.Millisecond

// Store is the abstract key/value contract the distributed tier needs:
// an atomic increment-with-TTL and a multi-key sum, sufficient to
// implement sliding-window-by-bucketing over any store that supports
// those two primitives (Redis, or any compare-and-increment KV store).
type Store interface {
	// IncrWithTTL atomically increments key by 1, setting ttl on first
	// creation, and returns the new value.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Sum returns the sum of the current values of the given keys,
	// treating missing keys as zero.
	Sum(ctx context.Context, keys []string) (int64, error)
}

// DistributedLimiter implements §4.3's cluster-wide limiter by
// bucketing: a fixed sub-window size is chosen so that windowSec /
// subWindows sub-buckets cover the configured window, each bucket
// keyed by its epoch index and summed over the last N buckets. This
// approximates a true sliding window while remaining a single
// increment plus a bounded number of reads per check.
type DistributedLimiter struct {
	store      Store
	subWindows int
}

// NewDistributedLimiter creates a distributed limiter over the given
// store, bucketing each window into subWindows sub-buckets (default 10
// when subWindows <= 0; fewer when windowSec < subWindows, since a
// sub-bucket is at least one second).
func NewDistributedLimiter(store Store, subWindows int) *DistributedLimiter {
	if subWindows <= 0 {
		subWindows = 10
	}
	return &DistributedLimiter{store: store, subWindows: subWindows}
}

// SlidingWindowCheck implements the abstract contract from §4.3:
// increments the current sub-bucket, sums the buckets covering the last
// windowSec seconds, and reports whether the summed count is within
// maxRequests+burstSize. Every call is bounded by a 50ms deadline; on
// error it returns an error wrapping ErrDistributedStoreUnavailable
// (with the underlying cause's text appended) rather than blocking.
func (d *DistributedLimiter) SlidingWindowCheck(ctx context.Context, key string, windowSec int, maxRequests, burstSize int) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, distributedDeadline)
	defer cancel()

	subSizeSec := windowSec
	if d.subWindows > 0 {
		subSizeSec = maxInt(1, windowSec/d.subWindows)
	}

	nowSec := time.Now().Unix()
	bucketIdx := nowSec / int64(subSizeSec)
	bucketKey := fmt.Sprintf("%s:b:%d", key, bucketIdx)

	// TTL covers the whole window plus one sub-window of slack so a
	// bucket survives long enough to be summed by the last reader.
	ttl := time.Duration(windowSec+subSizeSec) * time.Second

	if _, err := d.store.IncrWithTTL(ctx, bucketKey, ttl); err != nil {
		return false, fmt.Errorf("%w: %v", ErrDistributedStoreUnavailable, err)
	}

	buckets := maxInt(1, windowSec/subSizeSec)
	keys := make([]string, 0, buckets)
	for i := 0; i < buckets; i++ {
		keys = append(keys, fmt.Sprintf("%s:b:%d", key, bucketIdx-int64(i)))
	}

	total, err := d.store.Sum(ctx, keys)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrDistributedStoreUnavailable, err)
	}

	return total <= int64(maxRequests+burstSize), nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
