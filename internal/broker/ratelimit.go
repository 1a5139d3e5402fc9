// ratelimit.go implements token-bucket rate limiting for the Alpaca APIs.
//
// Alpaca enforces 200 requests per minute on the trading API and a
// separate allowance on the market data API. The buckets refill
// continuously rather than in one-minute bursts, so steady polling
// never trips the hard limit even with several loops running.
//
// Two buckets are maintained:
//   - Trading: orders, positions, account, clock (200/min)
//   - Data:    bars, latest trades and quotes (200/min on the free tier)
package broker

import (
	"context"
	"sync"
	"time"
)

// tokenBucket is a rate limiter with continuous refill. Callers block in
// wait() until a token is available or the context is cancelled.
type tokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	lastTime time.Time
}

func newTokenBucket(capacity, ratePerSecond float64) *tokenBucket {
	return &tokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

func (tb *tokenBucket) wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		tb.tokens += now.Sub(tb.lastTime).Seconds() * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		sleep := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// rateLimiter groups buckets by Alpaca API surface. Every adapter call
// waits on the matching bucket before hitting the wire.
type rateLimiter struct {
	trading *tokenBucket
	data    *tokenBucket
}

// newRateLimiter creates buckets tuned to Alpaca's published limits,
// with burst capacity for a tick that fans out several calls at once.
func newRateLimiter() *rateLimiter {
	return &rateLimiter{
		trading: newTokenBucket(30, 200.0/60.0),
		data:    newTokenBucket(30, 200.0/60.0),
	}
}
