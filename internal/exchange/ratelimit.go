// ratelimit.go implements token-bucket rate limiting for the Binance
// USDT-M futures API.
//
// Binance enforces a request-weight budget per minute plus a separate
// order-count budget per 10 seconds. This file provides a smooth
// token-bucket implementation that refills continuously (rather than
// in window-sized bursts) so a burst at the top of a minute cannot
// trip the hard limits.
//
// Two buckets are maintained:
//   - Request: 300 burst / 20 per sec (stays inside the 2400 weight/min cap)
//   - Order:   100 burst / 10 per sec (stays inside the 300 orders/10s cap)
package exchange

import (
	"context"
	"sync"
	"time"
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

// RateLimiter groups token buckets by Binance limit category. Every
// request must call the appropriate bucket's Wait() before hitting
// the HTTP client; order mutations drain both buckets since Binance
// counts them against weight and order budgets alike.
type RateLimiter struct {
	Request *TokenBucket // general request weight (market data, account reads)
	Order   *TokenBucket // POST/DELETE /fapi/v1/order and friends
}

// NewRateLimiter creates rate limiters tuned well inside Binance's
// published futures limits, leaving headroom for weight-heavier calls
// such as full account snapshots.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Request: NewTokenBucket(300, 20), // 2400 weight per minute cap
		Order:   NewTokenBucket(100, 10), // 300 orders per 10s window cap
	}
}
