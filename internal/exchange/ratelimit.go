// ratelimit.go implements token-bucket rate limiting for Binance REST calls.
//
// Binance enforces per-IP request weight limits per minute (6000 on spot,
// 2400 on USD-M futures). A depth snapshot at limit=1000 costs 50 weight on
// spot and 20 on futures, so the monitor's anchoring traffic is tiny, but an
// unthrottled recovery loop against a flapping stream could still burn the
// budget. This file provides a smooth token-bucket implementation that
// refills continuously, sized in snapshot fetches rather than raw weight.
package exchange

import (
	"context"
	"sync"
	"time"

	"binance-monitor/pkg/types"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		// Calculate wait time for next token
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter holds one depth-fetch bucket per venue. Every snapshot fetch
// must call the venue bucket's Wait() before making the HTTP request.
type RateLimiter struct {
	Spot    *TokenBucket // GET /api/v3/depth, 50 weight at limit=1000
	Futures *TokenBucket // GET /fapi/v1/depth, 20 weight at limit=1000
}

// NewRateLimiter creates buckets that allow a burst of anchoring fetches and
// then hold each venue far below its weight budget (≤ 30 snapshots/min spot,
// well under 6000 weight; same margin on futures).
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Spot:    NewTokenBucket(10, 0.5),
		Futures: NewTokenBucket(10, 0.5),
	}
}

// ForMarket returns the bucket guarding one venue's REST budget.
func (r *RateLimiter) ForMarket(m types.Market) *TokenBucket {
	if m == types.Spot {
		return r.Spot
	}
	return r.Futures
}
