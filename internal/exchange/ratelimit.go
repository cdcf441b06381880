// ratelimit.go implements token-bucket rate limiting for the venue API.
//
// The venue does not publish hard numeric limits, but repeated bursts on the
// auth and risk endpoints get throttled server-side. This file provides a
// smooth token-bucket implementation that refills continuously, keeping the
// agent well under any plausible ceiling.
//
// Three buckets are maintained:
//   - Auth:  5 burst / 0.5 per sec — POST /auth/getToken
//   - Data: 30 burst / 5 per sec   — instruments + account report reads
//   - Order: 60 burst / 20 per sec — streaming order entry
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

// RateLimiter groups token buckets by venue API category. Each operation
// must call the appropriate bucket's Wait() before touching the wire.
type RateLimiter struct {
	Auth  *TokenBucket // POST /auth/getToken
	Data  *TokenBucket // GET /rest/instruments/all, /rest/risk/accountReport
	Order *TokenBucket // streaming "no" messages
}

// NewRateLimiter creates rate limiters with conservative defaults.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Auth:  NewTokenBucket(5, 0.5),
		Data:  NewTokenBucket(30, 5),
		Order: NewTokenBucket(60, 20),
	}
}
