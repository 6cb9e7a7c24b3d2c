// Package logger configures the process-wide slog logger and carries
// request- and run-scoped attributes through contexts.
package logger

import (
	"context"
	"log/slog"
	"os"
)

type contextKey struct{}

// Setup installs the default slog handler. format is "json" or "text".
func Setup(level string, format string) {
	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// WithRequestID stores a request id so FromContext can tag log lines with it.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return WithAttrs(ctx, "request_id", requestID)
}

// WithAttrs appends key/value pairs to the attributes carried by ctx.
func WithAttrs(ctx context.Context, args ...any) context.Context {
	existing, _ := ctx.Value(contextKey{}).([]any)
	merged := make([]any, 0, len(existing)+len(args))
	merged = append(merged, existing...)
	merged = append(merged, args...)
	return context.WithValue(ctx, contextKey{}, merged)
}

// FromContext returns the default logger decorated with the attributes in ctx.
func FromContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()
	if attrs, ok := ctx.Value(contextKey{}).([]any); ok && len(attrs) > 0 {
		logger = logger.With(attrs...)
	}
	return logger
}

func WithComponent(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
