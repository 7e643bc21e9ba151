package engine

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tap-salesforce/pkg/catalog"
	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
	"github.com/ajitpratap0/tap-salesforce/pkg/extract"
	"github.com/ajitpratap0/tap-salesforce/pkg/logger"
	"github.com/ajitpratap0/tap-salesforce/pkg/metrics"
	"github.com/ajitpratap0/tap-salesforce/pkg/models"
	"github.com/ajitpratap0/tap-salesforce/pkg/observability"
)

// streamRun holds the progress of one stream sync.
type streamRun struct {
	e      *Engine
	sel    catalog.SelectedStream
	logger *zap.Logger

	// checkpointed is the last bookmark handed to the state store
	checkpointed models.Bookmark
	records      int64
	throughput   *metrics.ThroughputTracker
}

// options returns the extractor options of one stream. The retry policy is
// copied so that retries are attributed to the stream.
func (e *Engine) options(stream string, log *zap.Logger) extract.Options {
	retry := *e.cfg.Retry
	retry.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.Retries.WithLabelValues(stream).Inc()
		log.Warn("retrying after transient failure",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.String("error_type", string(errors.TypeOf(err))),
			zap.Error(err))
	}
	return extract.Options{
		Retry:          &retry,
		RequestTimeout: e.cfg.RequestTimeout,
		Now:            e.now,
		OnPage: func(int) {
			metrics.PagesFetched.WithLabelValues(stream).Inc()
		},
	}
}

// syncStream runs one stream to completion or failure and reports it.
func (e *Engine) syncStream(ctx context.Context, sel catalog.SelectedStream, bookmark models.Bookmark) StreamResult {
	name := sel.Name()
	ctx = logger.ContextWithStream(ctx, name)
	log := logger.Annotate(ctx, e.logger).With(zap.String("method", string(sel.Method)))

	ctx, span := observability.StartStreamSpan(ctx, name, string(sel.Method))
	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()
	timer := metrics.NewTimer(name)

	run := &streamRun{
		e:            e,
		sel:          sel,
		logger:       log,
		checkpointed: bookmark,
		throughput:   metrics.NewThroughputTracker(name),
	}
	res := StreamResult{Stream: name, Method: sel.Method}

	e.store.SetCurrentlySyncing(name)
	log.Info("sync started", zap.String("bookmark", describe(bookmark)))

	res.Resnapshot, res.Err = run.sync(ctx, bookmark)
	res.Records = run.records
	res.Bookmark = run.checkpointed
	res.Duration = timer.Stop()
	switch {
	case res.Err == nil:
		res.Status = StatusSuccess
	case res.Records > 0:
		res.Status = StatusPartial
	default:
		res.Status = StatusFailed
	}

	metrics.StreamDuration.WithLabelValues(name, strings.ToLower(string(res.Status))).Observe(res.Duration.Seconds())
	observability.EndSpan(span, res.Err,
		attribute.Int64("records", res.Records),
		attribute.String("status", string(res.Status)),
		attribute.Bool("resnapshot", res.Resnapshot))

	fields := []zap.Field{
		zap.String("status", string(res.Status)),
		zap.Int64("records", res.Records),
		zap.Duration("duration", res.Duration),
		zap.Float64("records_per_sec", run.throughput.Rate()),
		zap.String("bookmark", describe(res.Bookmark)),
	}
	if res.Err != nil {
		log.Error("sync failed", append(fields,
			zap.String("error_type", string(errors.TypeOf(res.Err))),
			zap.Error(res.Err))...)
	} else {
		log.Info("sync finished", fields...)
	}
	return res
}

// sync extracts, writes and checkpoints the stream. It reports whether the
// stream was re-snapshotted.
func (r *streamRun) sync(ctx context.Context, bookmark models.Bookmark) (bool, error) {
	name := r.sel.Name()
	if err := r.e.out.WriteSchema(r.sel); err != nil {
		return false, err
	}

	opts := r.e.options(name, r.logger)
	ex, err := r.e.source.Extractor(r.sel, opts)
	if err != nil {
		return false, errors.FatalExtraction(err, "failed to build extractor").WithDetail("stream", name)
	}

	rs, err := ex.Extract(ctx, bookmark)
	if err == nil {
		err = r.drain(ctx, rs)
	}
	if err == nil || r.sel.Method != models.LogBased || !errors.IsType(err, errors.ErrorTypeExpiredCursor) {
		return false, err
	}

	r.logger.Warn("change log position unusable, re-reading the stream in full", zap.Error(err))
	rs, err = r.snapshot(ctx, r.checkpointed, opts)
	if err != nil {
		return true, err
	}
	return true, r.drain(ctx, rs)
}

// drain writes every record of rs in batches. Records read before a failure
// are still written and checkpointed.
func (r *streamRun) drain(ctx context.Context, rs extract.RecordStream) error {
	defer rs.Close()

	batch := make([]*models.Record, 0, r.e.cfg.BatchSize)
	for rs.Next(ctx) {
		batch = append(batch, rs.Record().Project(r.sel.Fields))
		if len(batch) < r.e.cfg.BatchSize {
			continue
		}
		if err := r.flush(ctx, batch, rs.Bookmark()); err != nil {
			return err
		}
		batch = batch[:0]
	}
	if err := r.flush(ctx, batch, rs.Bookmark()); err != nil {
		return err
	}
	return rs.Err()
}

func (r *streamRun) snapshot(ctx context.Context, bookmark models.Bookmark, opts extract.Options) (extract.RecordStream, error) {
	ex, err := r.e.source.Snapshot(r.sel, opts)
	if err != nil {
		return nil, errors.FatalExtraction(err, "failed to build snapshot").WithDetail("stream", r.sel.Name())
	}
	return ex.Extract(ctx, bookmark)
}

// flush writes batch, then checkpoints bookmark and writes STATE when the
// bookmark moved. It runs detached from cancellation so that a deadline
// still leaves the last batch written and checkpointed.
func (r *streamRun) flush(ctx context.Context, batch []*models.Record, bookmark models.Bookmark) error {
	ctx = context.WithoutCancel(ctx)
	name := r.sel.Name()

	if len(batch) > 0 {
		if err := r.e.out.WriteRecords(batch); err != nil {
			return err
		}
		n := int64(len(batch))
		r.records += n
		r.throughput.Increment(n)
		metrics.RecordsEmitted.WithLabelValues(name).Add(float64(n))
	}

	if bookmark == r.checkpointed || bookmark.IsZero() && r.checkpointed.IsZero() {
		return nil
	}
	if err := r.e.store.Checkpoint(ctx, name, bookmark); err != nil {
		metrics.Checkpoints.WithLabelValues(name, "failure").Inc()
		return err
	}
	metrics.Checkpoints.WithLabelValues(name, "success").Inc()
	r.checkpointed = bookmark
	return r.e.out.WriteState(r.e.store.Snapshot())
}

func describe(b models.Bookmark) string {
	switch {
	case b.IsZero():
		return "none"
	case b.LogPosition != "":
		return string(b.ReplicationMethod) + " " + b.LogPosition
	case b.Value != "":
		return string(b.ReplicationMethod) + " " + b.Value
	default:
		return string(b.ReplicationMethod) + " version " + time.UnixMilli(b.Version).UTC().Format(time.RFC3339)
	}
}
