package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tap-salesforce/pkg/catalog"
	"github.com/ajitpratap0/tap-salesforce/pkg/changelog"
	"github.com/ajitpratap0/tap-salesforce/pkg/clients"
	"github.com/ajitpratap0/tap-salesforce/pkg/config"
	"github.com/ajitpratap0/tap-salesforce/pkg/engine"
	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
	"github.com/ajitpratap0/tap-salesforce/pkg/logger"
	"github.com/ajitpratap0/tap-salesforce/pkg/metrics"
	"github.com/ajitpratap0/tap-salesforce/pkg/observability"
	"github.com/ajitpratap0/tap-salesforce/pkg/salesforce"
	"github.com/ajitpratap0/tap-salesforce/pkg/singer"
	"github.com/ajitpratap0/tap-salesforce/pkg/state"
)

// loadConfig reads the config file and applies command-line overrides.
func loadConfig(opts options) (*config.Config, error) {
	cfg, err := config.LoadFile(opts.ConfigPath)
	if err != nil {
		return nil, usageError(err)
	}
	if opts.LogLevel != "" {
		cfg.Observability.LogLevel = opts.LogLevel
	}
	if opts.MetricsAddr != "" {
		cfg.Observability.MetricsAddr = opts.MetricsAddr
	}
	if opts.Trace {
		cfg.Observability.EnableTracing = true
	}
	if opts.MaxWorkers > 0 {
		cfg.Engine.MaxWorkers = opts.MaxWorkers
	}
	if opts.BatchSize > 0 {
		cfg.Engine.BatchSize = opts.BatchSize
	}
	if opts.Timeout > 0 {
		cfg.Engine.Timeout = opts.Timeout
	}
	if opts.FailFast {
		cfg.Engine.FailFast = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, usageError(err)
	}
	return cfg, nil
}

func run(ctx context.Context, opts options, stdout io.Writer) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{Level: cfg.Observability.LogLevel}); err != nil {
		return usageError(err)
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Get().With(zap.String("component", "tap-salesforce"))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracing := observability.DefaultTracingConfig(version)
	tracing.Enabled = cfg.Observability.EnableTracing
	shutdown, err := observability.Init(tracing)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to initialize tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			log.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	if addr := cfg.Observability.MetricsAddr; addr != "" {
		go func() {
			if err := metrics.Serve(ctx, addr, log); err != nil {
				log.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	tap, closeTap, err := buildTap(cfg, log)
	if err != nil {
		return err
	}
	defer closeTap()

	discovered, err := tap.Discover(ctx)
	if err != nil {
		return &exitError{code: exitDiscovery, err: err}
	}
	if opts.Discover {
		return discovered.WriteJSON(stdout)
	}

	sel, err := selectStreams(opts.CatalogPath, discovered, cfg.Engine.StreamOrder)
	if err != nil {
		return usageError(err)
	}

	store, err := openStore(ctx, cfg, opts.StatePath, log)
	if err != nil {
		return &exitError{code: exitCheckpoint, err: err}
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("failed to close state backend", zap.Error(err))
		}
	}()

	eng := engine.New(tap, store, singer.NewWriter(stdout), engine.ConfigFromTap(cfg), engine.WithLogger(log))
	result, err := eng.Run(ctx, sel)
	if err != nil {
		return err
	}
	return resultError(result)
}

// buildTap wires the OCAPI client and, when configured, the order change log.
func buildTap(cfg *config.Config, log *zap.Logger) (*salesforce.Tap, func(), error) {
	httpCfg := clients.DefaultHTTPConfig()
	httpCfg.RateLimit = cfg.Reliability.RateLimitPerSec
	httpCfg.RateBurst = cfg.Reliability.RateLimitBurst
	base := clients.NewHTTPClient(httpCfg, log)
	ocapi := clients.NewOCAPIClient(cfg, base, log)

	closers := []func() error{base.Close}
	tapOpts := []salesforce.Option{salesforce.WithLogger(log)}
	if cfg.ChangeLog.Enabled() {
		changes, err := changelog.NewKafka(cfg.ChangeLog, log)
		if err != nil {
			_ = base.Close()
			return nil, nil, &exitError{code: exitDiscovery, err: err}
		}
		closers = append(closers, changes.Close)
		tapOpts = append(tapOpts, salesforce.WithChangeLog(changes))
	}

	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				log.Warn("close failed", zap.Error(err))
			}
		}
	}
	return salesforce.New(cfg, ocapi, tapOpts...), closeAll, nil
}

// selectStreams applies the catalog at path to the discovered catalog. Without
// a catalog every discovered stream is selected.
func selectStreams(path string, discovered *catalog.Catalog, order []string) (*catalog.Selection, error) {
	sel := catalog.SelectAll(discovered)
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open catalog: %w", err)
		}
		defer f.Close()

		doc, err := catalog.ParseDocument(f)
		if err != nil {
			return nil, err
		}
		if sel, err = catalog.ParseSelection(doc, discovered); err != nil {
			return nil, err
		}
	}
	return sel.Reorder(order)
}

// openStore opens the configured state backend. A state file given on the
// command line takes precedence over what the backend holds.
func openStore(ctx context.Context, cfg *config.Config, statePath string, log *zap.Logger) (*state.Store, error) {
	backend, err := state.Open(ctx, cfg.State)
	if err != nil {
		return nil, err
	}
	storeOpts := []state.Option{state.WithLogger(log)}
	if statePath != "" {
		initial, err := state.LoadStateFile(statePath)
		if err != nil {
			_ = backend.Close()
			return nil, err
		}
		storeOpts = append(storeOpts, state.WithInitial(initial))
	}
	return state.NewStore(backend, storeOpts...), nil
}
