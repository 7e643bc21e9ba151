package extract

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/ajitpratap0/tap-salesforce/pkg/config"
	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
)

// RetryPolicy retries transient failures with exponential backoff and jitter.
type RetryPolicy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	RandomizeFactor float64

	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, delay time.Duration, err error)

	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy returns three attempts starting at one second.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:     3,
		InitialDelay:    1 * time.Second,
		MaxDelay:        30 * time.Second,
		Multiplier:      2.0,
		RandomizeFactor: 0.25,
	}
}

// RetryPolicyFromConfig builds a policy from the reliability settings. A
// budget of one attempt or less disables retries.
func RetryPolicyFromConfig(cfg config.ReliabilityConfig) *RetryPolicy {
	if cfg.RetryAttempts <= 1 {
		return NoRetryPolicy()
	}
	return &RetryPolicy{
		MaxAttempts:     cfg.RetryAttempts,
		InitialDelay:    cfg.RetryDelay,
		MaxDelay:        cfg.MaxRetryDelay,
		Multiplier:      cfg.RetryMultiplier,
		RandomizeFactor: cfg.RetryJitter,
	}
}

// NoRetryPolicy makes a single attempt.
func NoRetryPolicy() *RetryPolicy {
	return &RetryPolicy{MaxAttempts: 1}
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// attempt budget is spent. A server-suggested Retry-After delay replaces the
// computed backoff when it is longer. Exhausting the budget turns the last
// error into a fatal extraction error. Any other non-retryable failure, such
// as an authentication error or a missing resource, is also reported as a
// fatal extraction error wrapping the original.
func (rp *RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := rp.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !errors.IsRetryable(err) {
			switch errors.TypeOf(err) {
			case errors.ErrorTypeExtraction, errors.ErrorTypeExpiredCursor:
				return err
			}
			return errors.FatalExtraction(err, "request failed")
		}

		if attempt == attempts-1 {
			break
		}

		delay := rp.calculateDelay(attempt)
		if ra := errors.RetryAfter(err); ra > delay {
			delay = ra
		}
		if rp.OnRetry != nil {
			rp.OnRetry(attempt+1, delay, err)
		}
		if err := rp.wait(ctx, delay); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}
	}

	return errors.FatalExtraction(lastErr, fmt.Sprintf("retry budget exhausted after %d attempts", attempts))
}

func (rp *RetryPolicy) wait(ctx context.Context, d time.Duration) error {
	if rp.sleep != nil {
		return rp.sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// calculateDelay calculates the delay for a given attempt
func (rp *RetryPolicy) calculateDelay(attempt int) time.Duration {
	delay := float64(rp.InitialDelay) * math.Pow(rp.Multiplier, float64(attempt))

	if rp.MaxDelay > 0 && delay > float64(rp.MaxDelay) {
		delay = float64(rp.MaxDelay)
	}

	if rp.RandomizeFactor > 0 {
		delta := delay * rp.RandomizeFactor
		minDelay := delay - delta
		maxDelay := delay + delta
		delay = minDelay + (rand.Float64() * (maxDelay - minDelay)) //nolint:gosec // jitter only
	}

	return time.Duration(delay)
}
