package engine

import (
	"time"

	"github.com/ajitpratap0/tap-salesforce/pkg/models"
)

// Status is the outcome of one stream sync.
type Status string

const (
	// StatusSuccess means the stream ran to completion
	StatusSuccess Status = "SUCCESS"
	// StatusPartial means the stream failed after emitting records
	StatusPartial Status = "PARTIAL"
	// StatusFailed means the stream failed before emitting any record
	StatusFailed Status = "FAILED"
	// StatusSkipped means the stream never started because the run stopped first
	StatusSkipped Status = "SKIPPED"
)

// StreamResult reports one stream of a run.
type StreamResult struct {
	Stream string
	Method models.ReplicationMethod
	Status Status
	// Records is the number of RECORD messages written
	Records int64
	// Bookmark is the last bookmark checkpointed for the stream
	Bookmark models.Bookmark
	// Resnapshot is set when a LOG_BASED stream was re-read in full
	Resnapshot bool
	Duration   time.Duration
	Err        error
}

// Result reports a whole run.
type Result struct {
	RunID string
	// Streams are in selection order
	Streams []StreamResult
	// State is the final sync state, as written in the last STATE message
	State    models.SyncState
	Duration time.Duration
}

// Failed returns the streams that did not succeed, skipped ones included.
func (r *Result) Failed() []StreamResult {
	var out []StreamResult
	for _, s := range r.Streams {
		if s.Status != StatusSuccess {
			out = append(out, s)
		}
	}
	return out
}

// Records returns the number of records written across all streams.
func (r *Result) Records() int64 {
	var n int64
	for _, s := range r.Streams {
		n += s.Records
	}
	return n
}
