package clients

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter throttles outgoing requests.
type RateLimiter interface {
	// Allow reports whether a request may happen now without waiting
	Allow() bool
	// Wait blocks until a request may happen or ctx is done
	Wait(ctx context.Context) error
	// SetRate changes the sustained rate in requests per second
	SetRate(rps float64)
}

// TokenBucketRateLimiter is a token bucket backed by golang.org/x/time/rate.
type TokenBucketRateLimiter struct {
	limiter *rate.Limiter
}

// NewTokenBucketRateLimiter allows rps requests per second with bursts of
// up to burst. A non-positive rps disables limiting.
func NewTokenBucketRateLimiter(rps float64, burst int) *TokenBucketRateLimiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &TokenBucketRateLimiter{limiter: rate.NewLimiter(limit, burst)}
}

func (tb *TokenBucketRateLimiter) Allow() bool {
	return tb.limiter.Allow()
}

func (tb *TokenBucketRateLimiter) Wait(ctx context.Context) error {
	return tb.limiter.Wait(ctx)
}

func (tb *TokenBucketRateLimiter) SetRate(rps float64) {
	if rps <= 0 {
		tb.limiter.SetLimit(rate.Inf)
		return
	}
	tb.limiter.SetLimit(rate.Limit(rps))
}
