// Package logging builds the zap loggers used across Muse and carries
// per-request identifiers through contexts.
package logging

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jxucoder/muse/internal/config"
)

// Common field keys.
const (
	FieldSessionID = "session_id"
	FieldTaskID    = "task_id"
	FieldPanel     = "panel"
	FieldEngine    = "engine"
	FieldRequestID = "request_id"
)

// Options describes logger construction parameters.
type Options struct {
	Level  string
	Format string
	// OutputPaths default to stderr.
	OutputPaths []string
	Development bool
}

// New constructs a logger. Unknown levels fall back to info.
func New(opts Options) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(parseLevel(opts.Level))

	format := strings.ToLower(strings.TrimSpace(opts.Format))
	if format == "" {
		format = "console"
	}
	if format != "console" && format != "json" {
		return nil, fmt.Errorf("log format: unsupported value %q", opts.Format)
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	if format == "console" {
		enc.EncodeLevel = zapcore.CapitalLevelEncoder
		enc.EncodeDuration = zapcore.StringDurationEncoder
	}

	outputs := opts.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	cfg := zap.Config{
		Level:             level,
		Development:       opts.Development,
		DisableStacktrace: !opts.Development,
		Encoding:          format,
		EncoderConfig:     enc,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

// NewFromConfig creates a logger from application config.
func NewFromConfig(cfg *config.Config) (*zap.Logger, error) {
	if cfg == nil {
		return New(Options{Level: "info", Format: "console"})
	}
	return New(Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
}

func parseLevel(s string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(s)))); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

type ctxKey int

const (
	sessionKey ctxKey = iota
	taskKey
	requestKey
)

// WithSessionID tags ctx with a session id.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey, id)
}

// WithTaskID tags ctx with a task id.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskKey, id)
}

// WithRequestID tags ctx with a request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestKey, id)
}

// WithContext returns logger annotated with the ids carried by ctx.
func WithContext(ctx context.Context, logger *zap.Logger) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ctx == nil {
		return logger
	}
	var fields []zap.Field
	if v, ok := ctx.Value(sessionKey).(string); ok && v != "" {
		fields = append(fields, zap.String(FieldSessionID, v))
	}
	if v, ok := ctx.Value(taskKey).(string); ok && v != "" {
		fields = append(fields, zap.String(FieldTaskID, v))
	}
	if v, ok := ctx.Value(requestKey).(string); ok && v != "" {
		fields = append(fields, zap.String(FieldRequestID, v))
	}
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}
