// Package extract turns paged and change-log sources into lazy record streams
// under the three replication strategies.
//
// A RecordStream is finite and not restartable: once exhausted or failed a new
// one must be obtained from Extract. Pages are fetched on demand. Context
// cancellation is observed between pages; a page fetch already in flight runs
// to completion or to its own request timeout.
package extract

import (
	"context"
	"time"

	"github.com/ajitpratap0/tap-salesforce/pkg/models"
)

// Extractor produces the records of one stream from a bookmark.
type Extractor interface {
	Method() models.ReplicationMethod
	Extract(ctx context.Context, bookmark models.Bookmark) (RecordStream, error)
}

// RecordStream iterates over extracted records.
//
//	for rs.Next(ctx) {
//		rec := rs.Record()
//	}
//	if err := rs.Err(); err != nil { ... }
type RecordStream interface {
	// Next advances to the next record, fetching a page when needed.
	Next(ctx context.Context) bool
	// Record returns the current record.
	Record() *models.Record
	// Bookmark returns a bookmark covering every record returned so far.
	Bookmark() models.Bookmark
	// Err returns the error that stopped iteration, if any.
	Err() error
	Close() error
}

// PageRequest asks a PageSource for one page.
type PageRequest struct {
	Offset int
	Limit  int
	// Since is the inclusive lower bound of the replication key, empty for none
	Since string
}

// Page is one page of raw records.
type Page struct {
	Records []map[string]interface{}
	// HasMore reports whether another page follows
	HasMore bool
	// Total is the server-reported total, zero when unknown
	Total int
}

// PageSource fetches pages of a stream. Transient failures are reported as
// transient errors; anything else aborts the stream.
type PageSource interface {
	FetchPage(ctx context.Context, req PageRequest) (*Page, error)
	PageSize() int
}

// Change is one change-log entry with the continuation token just past it.
type Change struct {
	Data     map[string]interface{}
	Position string
}

// ChangeLog reads an ordered change log from an opaque continuation token.
type ChangeLog interface {
	// Head returns a token positioned at the current end of the log.
	Head(ctx context.Context) (string, error)
	// ReadChanges returns up to limit changes after position. An empty result
	// means the reader has caught up. A position the log no longer retains is
	// reported as an expired cursor error.
	ReadChanges(ctx context.Context, position string, limit int) ([]Change, error)
}

// Options holds settings shared by the strategies.
type Options struct {
	Retry *RetryPolicy
	// RequestTimeout bounds one page fetch, zero for none
	RequestTimeout time.Duration
	// Now stamps FULL_TABLE versions
	Now func() time.Time
	// OnPage is called after each page is fetched with its record count
	OnPage func(records int)
}

func (o Options) retry() *RetryPolicy {
	if o.Retry == nil {
		return DefaultRetryPolicy()
	}
	return o.Retry
}

func (o Options) now() time.Time {
	if o.Now == nil {
		return time.Now()
	}
	return o.Now()
}

// fetchContext detaches a page fetch from run cancellation so that a page in
// flight completes, bounded by the request timeout.
func (o Options) fetchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if o.RequestTimeout > 0 {
		return context.WithTimeout(detached, o.RequestTimeout)
	}
	return context.WithCancel(detached)
}
