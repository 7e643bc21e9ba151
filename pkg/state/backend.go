package state

import (
	"context"

	"github.com/ajitpratap0/tap-salesforce/pkg/config"
	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
)

// Open creates the backend named by cfg.
func Open(ctx context.Context, cfg config.StateConfig) (Backend, error) {
	switch cfg.Backend {
	case "", config.StateBackendMemory:
		return NewMemoryBackend(), nil
	case config.StateBackendFile:
		return NewFileBackend(cfg.Path), nil
	case config.StateBackendS3:
		return NewS3Backend(ctx, S3Options{
			Bucket:   cfg.Bucket,
			Key:      cfg.Key,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
		})
	case config.StateBackendGCS:
		return NewGCSBackend(ctx, GCSOptions{
			Bucket:   cfg.Bucket,
			Object:   cfg.Key,
			Endpoint: cfg.Endpoint,
		})
	case config.StateBackendPostgres:
		return NewPostgresBackend(ctx, cfg.DSN, cfg.Table, cfg.TapID)
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown state backend %q", cfg.Backend)
	}
}
