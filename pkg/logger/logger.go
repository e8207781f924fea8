package logger

import (
	"context"
	"fmt"
	"strings"

	"callcore/pkg/tracing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a logger writing to stderr. format is "json" or "console".
func New(level, format string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	switch format {
	case "", "json":
	case "console":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

// WithTrace annotates log with the trace id carried by ctx.
func WithTrace(ctx context.Context, log *zap.SugaredLogger) *zap.SugaredLogger {
	if traceID := tracing.TraceID(ctx); traceID != "" {
		return log.With("trace_id", traceID)
	}
	return log
}
