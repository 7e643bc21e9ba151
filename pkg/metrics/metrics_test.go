package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordsEmittedCounter(t *testing.T) {
	before := testutil.ToFloat64(RecordsEmitted.WithLabelValues("metrics_test"))
	RecordsEmitted.WithLabelValues("metrics_test").Add(3)
	assert.Equal(t, before+3, testutil.ToFloat64(RecordsEmitted.WithLabelValues("metrics_test")))
}

func TestCollectorsLint(t *testing.T) {
	problems, err := testutil.CollectAndLint(Checkpoints)
	assert.NoError(t, err)
	assert.Empty(t, problems)

	Checkpoints.WithLabelValues("lint", "success").Inc()
	expected := `
# HELP tap_salesforce_checkpoints_total Total number of bookmark checkpoints
# TYPE tap_salesforce_checkpoints_total counter
tap_salesforce_checkpoints_total{status="success",stream="lint"} 1
`
	assert.NoError(t, testutil.CollectAndCompare(Checkpoints, strings.NewReader(expected), "tap_salesforce_checkpoints_total"))
}

func TestTimerAndThroughput(t *testing.T) {
	timer := NewTimer("x")
	time.Sleep(5 * time.Millisecond)
	assert.GreaterOrEqual(t, timer.Stop(), 5*time.Millisecond)

	tracker := NewThroughputTracker("x")
	tracker.Increment(10)
	time.Sleep(time.Millisecond)
	assert.Greater(t, tracker.Rate(), 0.0)
}
