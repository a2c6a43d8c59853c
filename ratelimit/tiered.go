package ratelimit

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// TieredLimiter composes a LocalLimiter (cheap, checked first) with an
// optional DistributedLimiter (authoritative, checked only on local
// admit). On distributed error or timeout it fails open to local-only
// for that request and increments a degraded counter, per §4.4.
type TieredLimiter struct {
	local       *LocalLimiter
	distributed *DistributedLimiter
	windowSec   int
	maxRequests int
	burstSize   int
	logger      zerolog.Logger

	degraded int64
}

// NewTieredLimiter builds a tiered limiter. distributed may be nil, in
// which case this degenerates to local-only admission.
func NewTieredLimiter(local *LocalLimiter, distributed *DistributedLimiter, windowSec, maxRequests, burstSize int, logger zerolog.Logger) *TieredLimiter {
	return &TieredLimiter{
		local:       local,
		distributed: distributed,
		windowSec:   windowSec,
		maxRequests: maxRequests,
		burstSize:   burstSize,
		logger:      logger.With().Str("component", "tiered_limiter").Logger(),
	}
}

// Allow checks the local tier first; a local deny returns immediately
// with no distributed round-trip (keeping the happy path free of
// round-trips per denied request, per §4.4's rationale). Only a local
// admit consults the distributed tier.
func (t *TieredLimiter) Allow(ctx context.Context, key string) bool {
	if !t.local.TryAcquire(key) {
		return false
	}
	if t.distributed == nil {
		return true
	}

	ok, err := t.distributed.SlidingWindowCheck(ctx, key, t.windowSec, t.maxRequests, t.burstSize)
	if err != nil {
		if errors.Is(err, ErrDistributedStoreUnavailable) {
			atomic.AddInt64(&t.degraded, 1)
			t.logger.Debug().Str("key", key).Err(err).Msg("distributed tier unavailable — failing open to local tier")
			return true
		}
		// Unknown error shape: treat the same as unavailable, fail open.
		atomic.AddInt64(&t.degraded, 1)
		return true
	}
	return ok
}

// DegradedCount reports how many requests were served in degraded
// (local-only) mode because the distributed tier failed or timed out.
func (t *TieredLimiter) DegradedCount() int64 {
	return atomic.LoadInt64(&t.degraded)
}

// CurrentCount exposes the local tier's current count for a key.
func (t *TieredLimiter) CurrentCount(key string) int64 {
	return t.local.CurrentCount(key)
}
