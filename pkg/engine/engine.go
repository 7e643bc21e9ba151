// Package engine runs a replication: it drives one extractor per selected
// stream, writes the Singer messages and checkpoints bookmarks.
//
// # Overview
//
// For every selected stream, in selection order, the engine:
//   - writes the SCHEMA message
//   - builds the extractor for the chosen replication method
//   - buffers records into batches of Config.BatchSize
//   - writes each batch, checkpoints the bookmark covering it, then writes STATE
//
// A bookmark is never checkpointed ahead of the records it covers.
//
// # Concurrency
//
// Streams run on a bounded worker pool (Config.MaxWorkers, 1 by default,
// which is sequential). A failed stream is recorded and its siblings keep
// going unless Config.FailFast is set. A checkpoint failure aborts the run.
//
// # Basic Usage
//
//	eng := engine.New(tap, store, singer.NewWriter(os.Stdout), engine.Config{
//	    BatchSize:  1000,
//	    MaxWorkers: 4,
//	}, engine.WithLogger(logger))
//
//	result, err := eng.Run(ctx, selection)
//
// # Change log fallback
//
// A LOG_BASED stream without a usable log position is re-read in full through
// Source.Snapshot; its bookmark afterwards is the change-log head captured
// before the snapshot started.
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/tap-salesforce/pkg/catalog"
	"github.com/ajitpratap0/tap-salesforce/pkg/config"
	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
	"github.com/ajitpratap0/tap-salesforce/pkg/extract"
	"github.com/ajitpratap0/tap-salesforce/pkg/logger"
	"github.com/ajitpratap0/tap-salesforce/pkg/models"
	"github.com/ajitpratap0/tap-salesforce/pkg/state"
)

// Source builds extractors for selected streams.
type Source interface {
	Extractor(sel catalog.SelectedStream, opts extract.Options) (extract.Extractor, error)
	// Snapshot builds the full re-read of a LOG_BASED stream.
	Snapshot(sel catalog.SelectedStream, opts extract.Options) (extract.Extractor, error)
}

// Output receives the Singer messages of a run.
type Output interface {
	WriteSchema(sel catalog.SelectedStream) error
	WriteRecords(recs []*models.Record) error
	WriteState(state models.SyncState) error
}

// Config controls scheduling and batching.
type Config struct {
	// BatchSize is the number of records written between checkpoints
	BatchSize int
	// MaxWorkers bounds concurrently syncing streams
	MaxWorkers int
	// FailFast stops the run at the first failed stream
	FailFast bool
	// Timeout is the run deadline, zero for none
	Timeout time.Duration
	// RequestTimeout bounds a single page fetch
	RequestTimeout time.Duration
	// Retry is the template retry policy; each stream gets its own copy
	Retry *extract.RetryPolicy
}

// ConfigFromTap derives the engine settings from the tap configuration.
func ConfigFromTap(cfg *config.Config) Config {
	return Config{
		BatchSize:      cfg.Engine.BatchSize,
		MaxWorkers:     cfg.Engine.MaxWorkers,
		FailFast:       cfg.Engine.FailFast,
		Timeout:        cfg.Engine.Timeout,
		RequestTimeout: cfg.Reliability.RequestTimeout,
		Retry:          extract.RetryPolicyFromConfig(cfg.Reliability),
	}
}

// Engine runs replications.
type Engine struct {
	source Source
	store  *state.Store
	out    Output
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock replaces the clock used for FULL_TABLE versions.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine.
func New(source Source, store *state.Store, out Output, cfg Config, opts ...Option) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	if cfg.Retry == nil {
		cfg.Retry = extract.DefaultRetryPolicy()
	}
	e := &Engine{
		source: source,
		store:  store,
		out:    out,
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "engine"))
	return e
}

// Run syncs every stream of sel. Stream failures are reported in the result;
// the returned error is reserved for failures of the run itself: a checkpoint
// error, the run deadline, or cancellation of ctx. The result is returned in
// every case, and the final STATE message is written whenever the state
// store could be loaded.
func (e *Engine) Run(ctx context.Context, sel *catalog.Selection) (*Result, error) {
	start := time.Now()
	runID := uuid.NewString()
	ctx = logger.ContextWithRunID(ctx, runID)
	log := logger.Annotate(ctx, e.logger)

	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	result := &Result{RunID: runID, Streams: make([]StreamResult, sel.Len())}
	initial, err := e.store.Load(ctx)
	if err != nil {
		return result, err
	}

	log.Info("starting sync",
		zap.Strings("streams", sel.Names()),
		zap.Int("max_workers", e.cfg.MaxWorkers),
		zap.Int("batch_size", e.cfg.BatchSize))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxWorkers)
	for i, s := range sel.Streams {
		if gctx.Err() != nil {
			break
		}
		i, s := i, s
		bookmark, _ := initial.Bookmark(s.Name())
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return nil
			}
			res := e.syncStream(gctx, s, bookmark)
			result.Streams[i] = res
			switch {
			case res.Err == nil:
				return nil
			case errors.HasType(res.Err, errors.ErrorTypeCheckpoint):
				return res.Err
			case e.cfg.FailFast:
				return errors.Wrap(res.Err, errors.TypeOf(res.Err), "fail fast: stream "+s.Name()+" failed")
			}
			return nil
		})
	}
	groupErr := g.Wait()

	for i, s := range sel.Streams {
		if result.Streams[i].Stream == "" {
			result.Streams[i] = StreamResult{Stream: s.Name(), Method: s.Method, Status: StatusSkipped}
		}
	}

	runErr := e.runError(ctx, groupErr)

	result.State = e.store.Finalize()
	if err := e.out.WriteState(result.State); err != nil && runErr == nil {
		runErr = err
	}
	result.Duration = time.Since(start)

	fields := []zap.Field{
		zap.Int64("records", result.Records()),
		zap.Int("failed", len(result.Failed())),
		zap.Duration("duration", result.Duration),
	}
	for _, s := range result.Streams {
		fields = append(fields, zap.String("stream."+s.Stream, string(s.Status)))
	}
	if runErr != nil {
		log.Error("sync aborted", append(fields, zap.Error(runErr))...)
	} else {
		log.Info("sync complete", fields...)
	}
	return result, runErr
}

// runError picks the error that ended the run, if any. Checkpoint failures
// win over the deadline, which wins over cancellation.
func (e *Engine) runError(ctx context.Context, groupErr error) error {
	if groupErr != nil && errors.HasType(groupErr, errors.ErrorTypeCheckpoint) {
		return groupErr
	}
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "run deadline exceeded")
	case context.Canceled:
		return errors.Wrap(ctx.Err(), errors.ErrorTypeInternal, "run cancelled")
	}
	// fail-fast stops are reported through the stream results
	return nil
}
