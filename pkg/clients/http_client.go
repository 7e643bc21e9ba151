// Package clients provides the HTTP stack used to talk to OCAPI: a pooled
// HTTP/2 transport with rate limiting, a circuit breaker and request metrics,
// and an OAuth2 client-credentials client on top of it.
package clients

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
	"github.com/ajitpratap0/tap-salesforce/pkg/metrics"
)

// HTTPClient is a pooled HTTP client with rate limiting and a circuit breaker.
type HTTPClient struct {
	config     *HTTPConfig
	logger     *zap.Logger
	httpClient *http.Client
	transport  *http.Transport

	circuitBreaker *CircuitBreaker
	rateLimiter    RateLimiter
}

// HTTPConfig configures the HTTP client
type HTTPConfig struct {
	// Connection settings
	MaxIdleConns        int           `json:"max_idle_conns"`
	MaxIdleConnsPerHost int           `json:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `json:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `json:"idle_conn_timeout"`

	EnableHTTP2 bool `json:"enable_http2"`

	// Timeouts
	DialTimeout           time.Duration `json:"dial_timeout"`
	TLSHandshakeTimeout   time.Duration `json:"tls_handshake_timeout"`
	ResponseHeaderTimeout time.Duration `json:"response_header_timeout"`
	KeepAlive             time.Duration `json:"keep_alive"`

	TLSMinVersion uint16 `json:"tls_min_version"`

	// Rate limiting
	RateLimit float64 `json:"rate_limit"`
	RateBurst int     `json:"rate_burst"`

	// Circuit breaker
	CircuitBreakerEnabled bool          `json:"circuit_breaker_enabled"`
	FailureThreshold      int           `json:"failure_threshold"`
	OpenTimeout           time.Duration `json:"open_timeout"`
}

// DefaultHTTPConfig returns the default configuration
func DefaultHTTPConfig() *HTTPConfig {
	return &HTTPConfig{
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   16,
		MaxConnsPerHost:       16,
		IdleConnTimeout:       90 * time.Second,
		EnableHTTP2:           true,
		DialTimeout:           30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		KeepAlive:             30 * time.Second,
		TLSMinVersion:         tls.VersionTLS12,
		CircuitBreakerEnabled: true,
		FailureThreshold:      5,
		OpenTimeout:           30 * time.Second,
	}
}

// NewHTTPClient creates a new HTTP client
func NewHTTPClient(config *HTTPConfig, logger *zap.Logger) *HTTPClient {
	if config == nil {
		config = DefaultHTTPConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := &HTTPClient{
		config: config,
		logger: logger.With(zap.String("component", "http_client")),
	}

	client.transport = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   config.DialTimeout,
			KeepAlive: config.KeepAlive,
		}).DialContext,
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		MaxConnsPerHost:       config.MaxConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		ResponseHeaderTimeout: config.ResponseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: config.TLSMinVersion,
		},
	}

	if config.EnableHTTP2 {
		if err := http2.ConfigureTransport(client.transport); err != nil {
			client.logger.Warn("failed to configure HTTP/2", zap.Error(err))
		}
	}

	if config.RateLimit > 0 {
		client.rateLimiter = NewTokenBucketRateLimiter(config.RateLimit, config.RateBurst)
	}

	if config.CircuitBreakerEnabled {
		client.circuitBreaker = NewCircuitBreaker(CircuitBreakerConfig{
			FailureThreshold: config.FailureThreshold,
			Timeout:          config.OpenTimeout,
		}, logger)
	}

	// Per-request deadlines come from the caller's context.
	client.httpClient = &http.Client{
		Transport: client,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}

	return client
}

// Client returns an *http.Client whose requests go through the limiter,
// the circuit breaker and the metrics.
func (c *HTTPClient) Client() *http.Client {
	return c.httpClient
}

// RoundTrip implements http.RoundTripper.
func (c *HTTPClient) RoundTrip(req *http.Request) (*http.Response, error) {
	if c.rateLimiter != nil {
		if err := c.rateLimiter.Wait(req.Context()); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeTimeout, "rate limiter wait interrupted")
		}
	}

	if c.circuitBreaker != nil && !c.circuitBreaker.Allow() {
		metrics.HTTPRequests.WithLabelValues(req.Method, "rejected").Inc()
		return nil, errors.New(errors.ErrorTypeConnection, "circuit breaker open").
			WithRetryAfter(c.circuitBreaker.RetryAfter())
	}

	start := time.Now()
	resp, err := c.transport.RoundTrip(req)
	metrics.HTTPLatency.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.HTTPRequests.WithLabelValues(req.Method, "error").Inc()
		if c.circuitBreaker != nil {
			c.circuitBreaker.RecordFailure()
		}
		return nil, err
	}

	metrics.HTTPRequests.WithLabelValues(req.Method, strconv.Itoa(resp.StatusCode)).Inc()
	if c.circuitBreaker != nil {
		if resp.StatusCode >= 500 {
			c.circuitBreaker.RecordFailure()
		} else {
			c.circuitBreaker.RecordSuccess()
		}
	}
	return resp, nil
}

// CircuitState reports the breaker state, closed when the breaker is disabled.
func (c *HTTPClient) CircuitState() CircuitState {
	if c.circuitBreaker == nil {
		return StateClosed
	}
	return c.circuitBreaker.State()
}

// Close releases idle connections.
func (c *HTTPClient) Close() error {
	c.logger.Debug("closing HTTP client")
	c.transport.CloseIdleConnections()
	return nil
}
