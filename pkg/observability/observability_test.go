package observability

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
)

func TestStreamSpansAreExported(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	cfg := DefaultTracingConfig("test")
	cfg.Enabled = true
	cfg.Exporter = exporter

	shutdown, err := Init(cfg)
	require.NoError(t, err)

	_, span := StartStreamSpan(context.Background(), "orders", "INCREMENTAL")
	EndSpan(span, nil, attribute.Int("records", 3))

	_, span = StartStreamSpan(context.Background(), "sites", "FULL_TABLE")
	EndSpan(span, errors.FatalExtraction(nil, "401"))

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "sync orders", spans[0].Name)
	assert.Equal(t, codes.Ok, spans[0].Status.Code)
	assert.Contains(t, spans[0].Attributes, attribute.Int("records", 3))
	assert.Equal(t, codes.Error, spans[1].Status.Code)
	assert.Contains(t, spans[1].Attributes, attribute.String("error.type", "extraction"))

	require.NoError(t, shutdown(context.Background()))
}

func TestDisabledTracingWritesNothing(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultTracingConfig("test")
	cfg.Writer = &buf

	shutdown, err := Init(cfg)
	require.NoError(t, err)

	_, span := StartStreamSpan(context.Background(), "orders", "INCREMENTAL")
	EndSpan(span, nil)
	require.NoError(t, shutdown(context.Background()))

	assert.Zero(t, buf.Len())
	assert.False(t, span.SpanContext().IsSampled())
}
