// Package logger provides structured logging for the tap.
//
// Standard output carries the Singer protocol, so every log line goes to
// standard error unless OutputPaths says otherwise.
package logger

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalLogger *zap.Logger
	mu           sync.RWMutex
)

// contextKey is the type for context keys
type contextKey string

const (
	// RunIDKey is the context key for the sync run ID
	RunIDKey contextKey = "run_id"
	// StreamKey is the context key for the stream name
	StreamKey contextKey = "stream"
)

// Config represents logger configuration
type Config struct {
	Level       string
	Development bool
	Encoding    string // json or console
	OutputPaths []string
}

// Init initializes the global logger
func Init(cfg Config) error {
	l, err := newLogger(cfg)
	if err != nil {
		return err
	}
	mu.Lock()
	globalLogger = l
	mu.Unlock()
	return nil
}

// newLogger creates a new zap logger
func newLogger(cfg Config) (*zap.Logger, error) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	if cfg.Development {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	encoding := cfg.Encoding
	if encoding == "" {
		encoding = "json"
	}

	outputPaths := cfg.OutputPaths
	if len(outputPaths) == 0 {
		outputPaths = []string{"stderr"}
	}

	zapCfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Development,
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	if cfg.Development {
		logger = logger.WithOptions(zap.AddStacktrace(zapcore.ErrorLevel))
	}

	return logger, nil
}

// Get returns the global logger
func Get() *zap.Logger {
	mu.RLock()
	l := globalLogger
	mu.RUnlock()
	if l != nil {
		return l
	}

	if err := Init(Config{Level: "info", Encoding: "json"}); err != nil {
		// Fallback to a stderr production logger
		fallback, _ := zap.NewProduction()
		mu.Lock()
		globalLogger = fallback
		mu.Unlock()
	}
	mu.RLock()
	defer mu.RUnlock()
	return globalLogger
}

// Annotate returns l with the run ID and stream name carried by ctx.
func Annotate(ctx context.Context, l *zap.Logger) *zap.Logger {
	if runID, ok := ctx.Value(RunIDKey).(string); ok {
		l = l.With(zap.String("run_id", runID))
	}
	if stream, ok := ctx.Value(StreamKey).(string); ok {
		l = l.With(zap.String("stream", stream))
	}
	return l
}

// ContextWithRunID tags ctx with the sync run ID.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// ContextWithStream tags ctx with a stream name.
func ContextWithStream(ctx context.Context, stream string) context.Context {
	return context.WithValue(ctx, StreamKey, stream)
}

// Sync flushes any buffered log entries
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	if globalLogger != nil {
		return globalLogger.Sync()
	}
	return nil
}
