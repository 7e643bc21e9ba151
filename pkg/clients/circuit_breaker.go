package clients

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int32

const (
	// StateClosed allows all requests to pass through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen lets one trial request through to test whether the server recovered
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig is the configuration for circuit breaker
type CircuitBreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening
	Timeout          time.Duration // open duration before a trial request is allowed
}

// CircuitBreaker stops sending requests to a server that keeps failing at
// the transport or 5xx level. Rejected requests surface as connection errors,
// which the retry policy backs off on.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	logger *zap.Logger
	now    func() time.Time

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	nextRetryTime       time.Time
	trialInFlight       bool
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig, logger *zap.Logger) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{
		config: config,
		logger: logger.With(zap.String("component", "circuit_breaker")),
		now:    time.Now,
	}
}

// Allow reports whether a request may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().Before(cb.nextRetryTime) {
			return false
		}
		cb.state = StateHalfOpen
		cb.logger.Info("circuit breaker half-open")
		fallthrough
	case StateHalfOpen:
		if cb.trialInFlight {
			return false
		}
		cb.trialInFlight = true
		return true
	default:
		return false
	}
}

// RecordSuccess closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateClosed {
		cb.logger.Info("circuit breaker closed")
	}
	cb.state = StateClosed
	cb.consecutiveFailures = 0
	cb.trialInFlight = false
}

// RecordFailure counts a failure, opening the circuit at the threshold or
// when a half-open trial request fails.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.trialInFlight = false
	if cb.state == StateHalfOpen || cb.consecutiveFailures >= cb.config.FailureThreshold {
		cb.state = StateOpen
		cb.nextRetryTime = cb.now().Add(cb.config.Timeout)
		cb.logger.Warn("circuit breaker opened",
			zap.Time("retry_after", cb.nextRetryTime),
			zap.Int("consecutive_failures", cb.consecutiveFailures))
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// RetryAfter returns how long until the open circuit admits a trial request.
func (cb *CircuitBreaker) RetryAfter() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return 0
	}
	d := cb.nextRetryTime.Sub(cb.now())
	if d < 0 {
		return 0
	}
	return d
}
