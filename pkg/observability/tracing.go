// Package observability sets up OpenTelemetry tracing for stream syncs.
// Spans are exported as JSON to stderr; stdout carries the Singer protocol.
package observability

import (
	"context"
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
)

var (
	tracerMu sync.RWMutex
	tracer   trace.Tracer
)

// TracingConfig contains tracing configuration
type TracingConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	SamplingRate   float64
	BatchTimeout   time.Duration
	// Writer receives exported spans; defaults to stderr
	Writer io.Writer
	// Exporter replaces the stdout exporter, synchronously (tests)
	Exporter sdktrace.SpanExporter
}

// DefaultTracingConfig returns the configuration used by the CLI.
func DefaultTracingConfig(version string) TracingConfig {
	return TracingConfig{
		ServiceName:    "tap-salesforce",
		ServiceVersion: version,
		SamplingRate:   1.0,
		BatchTimeout:   5 * time.Second,
	}
}

func setTracer(t trace.Tracer) {
	tracerMu.Lock()
	tracer = t
	tracerMu.Unlock()
}

// Tracer returns the tap tracer, falling back to the global provider.
func Tracer() trace.Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if tracer == nil {
		return otel.Tracer("tap-salesforce")
	}
	return tracer
}

// StartStreamSpan starts the span covering one stream sync.
func StartStreamSpan(ctx context.Context, stream, method string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "sync "+stream,
		trace.WithAttributes(
			attribute.String("stream", stream),
			attribute.String("replication_method", method),
		),
	)
}

// EndSpan records err, if any, and ends span.
func EndSpan(span trace.Span, err error, attrs ...attribute.KeyValue) {
	span.SetAttributes(attrs...)
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("error.type", string(errors.TypeOf(err))))
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
