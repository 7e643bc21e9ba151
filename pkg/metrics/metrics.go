// Package metrics exposes Prometheus collectors for the tap.
//
// # Basic Usage
//
//	metrics.RecordsEmitted.WithLabelValues("orders").Add(float64(len(batch)))
//
//	timer := metrics.NewTimer("orders")
//	syncStream(ctx)
//	metrics.StreamDuration.WithLabelValues("orders", "success").Observe(timer.Stop().Seconds())
//
// Collectors are registered with the default registry on package load;
// Serve exposes them on /metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// RecordsEmitted counts RECORD messages written.
	// Labels: stream
	RecordsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tap_salesforce_records_emitted_total",
			Help: "Total number of RECORD messages written",
		},
		[]string{"stream"},
	)

	// PagesFetched counts pages read from the source.
	// Labels: stream
	PagesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tap_salesforce_pages_fetched_total",
			Help: "Total number of source pages fetched",
		},
		[]string{"stream"},
	)

	// Retries counts backoff retries of transient failures.
	// Labels: stream
	Retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tap_salesforce_retries_total",
			Help: "Total number of retried transient failures",
		},
		[]string{"stream"},
	)

	// Checkpoints counts bookmark checkpoints.
	// Labels: stream, status (success/failure)
	Checkpoints = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tap_salesforce_checkpoints_total",
			Help: "Total number of bookmark checkpoints",
		},
		[]string{"stream", "status"},
	)

	// StreamDuration tracks how long each stream sync took, in seconds.
	// Labels: stream, status (success/partial/failed)
	StreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tap_salesforce_stream_duration_seconds",
			Help:    "Stream sync duration in seconds",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"stream", "status"},
	)

	// ActiveStreams is the number of streams currently syncing.
	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tap_salesforce_active_streams",
			Help: "Number of streams currently syncing",
		},
	)

	// HTTPRequests counts OCAPI requests.
	// Labels: method, code (status code, or "error" for transport failures)
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tap_salesforce_http_requests_total",
			Help: "Total number of HTTP requests to the source",
		},
		[]string{"method", "code"},
	)

	// HTTPLatency tracks OCAPI request latency in seconds.
	// Labels: method
	HTTPLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tap_salesforce_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

// Timer provides a simple timing mechanism for measuring operation durations.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Stop returns the elapsed duration since creation. It may be called more
// than once.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// ThroughputTracker tracks records per second for one stream. Thread-safe.
type ThroughputTracker struct {
	mu        sync.Mutex
	count     int64
	lastReset time.Time
	stream    string
}

// NewThroughputTracker creates a tracker for stream.
func NewThroughputTracker(stream string) *ThroughputTracker {
	return &ThroughputTracker{lastReset: time.Now(), stream: stream}
}

// Increment adds n to the record count.
func (t *ThroughputTracker) Increment(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count += n
}

// Rate returns records per second since creation.
func (t *ThroughputTracker) Rate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	elapsed := time.Since(t.lastReset).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(t.count) / elapsed
}

// Serve exposes the default registry on addr until ctx is done.
func Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
