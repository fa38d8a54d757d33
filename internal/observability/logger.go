// Package observability provides structured logging for streamcore.
package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/thomasbambino/streamcore/internal/config"
)

// LevelTrace sits below slog.LevelDebug for per-request noise on hot
// paths: segment fetches, heartbeats, poll loops.
const LevelTrace = slog.LevelDebug - 4

// NewLogger builds the process logger from config. Format picks the
// slog handler, "text" or JSON for anything else; level accepts
// trace, debug, info, warn, and error.
//
// Every attribute passes through a redaction layer before reaching the
// handler: fields tagged `masq:"secret"`, well-known credential field
// names, and credential query parameters inside URL strings are
// replaced with a marker.
func NewLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	redact := newRedactor()
	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 {
				if a, done := rewriteBuiltin(cfg, a); done {
					return a
				}
			}
			return redact(groups, a)
		},
	}

	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// rewriteBuiltin reformats slog's own record attributes. The second
// result reports whether a was one of them; those bypass redaction.
func rewriteBuiltin(cfg config.LoggingConfig, a slog.Attr) (slog.Attr, bool) {
	switch a.Key {
	case slog.TimeKey:
		if cfg.TimeFormat != "" {
			if t, ok := a.Value.Any().(time.Time); ok {
				a = slog.String(slog.TimeKey, t.Format(cfg.TimeFormat))
			}
		}
		return a, true
	case slog.LevelKey:
		// slog renders the custom level as "DEBUG-4"; name it.
		if lv, ok := a.Value.Any().(slog.Level); ok && lv == LevelTrace {
			a = slog.String(slog.LevelKey, "TRACE")
		}
		return a, true
	case slog.SourceKey:
		if src, ok := a.Value.Any().(*slog.Source); ok {
			a = slog.String("logpos",
				fmt.Sprintf("%s:%d", shortSourcePath(src.File), src.Line))
		}
		return a, true
	case slog.MessageKey:
		return a, true
	}
	return a, false
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch level {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// shortSourcePath trims an absolute source file path down to the last
// few elements so log positions stay readable regardless of checkout
// location.
func shortSourcePath(file string) string {
	parts := strings.Split(filepath.ToSlash(file), "/")
	if len(parts) > 3 {
		parts = parts[len(parts)-3:]
	}
	return strings.Join(parts, "/")
}

// WithComponent tags the logger with the subsystem it logs for.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String("component", component))
}

// WithOperation tags the logger with the operation in progress.
func WithOperation(logger *slog.Logger, operation string) *slog.Logger {
	return logger.With(slog.String("operation", operation))
}

// SetDefault sets the provided logger as the default slog logger,
// covering code that logs through the package-level slog functions.
func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}

type loggerKey struct{}

// ContextWithLogger returns ctx carrying logger. The HTTP middleware
// uses this to hand request-scoped loggers to handlers.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFromContext returns the logger carried by ctx, or
// slog.Default() when none is set.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// TimedOperation logs the start of a named operation and returns a
// func, meant to be deferred, that logs completion with the elapsed
// time.
func TimedOperation(ctx context.Context, logger *slog.Logger, operation string) func() {
	return TimedOperationWithError(ctx, logger, operation, nil)
}

// TimedOperationWithError is TimedOperation for fallible operations.
// errPtr is dereferenced when the returned func runs, so a deferred
// call observes an error assigned after setup; a non-nil error turns
// the completion line into "operation failed" at error level.
func TimedOperationWithError(ctx context.Context, logger *slog.Logger, operation string, errPtr *error) func() {
	logger = logger.With(slog.String("operation", operation))
	start := time.Now()
	logger.InfoContext(ctx, "operation started")

	return func() {
		elapsed := time.Since(start)
		if errPtr != nil && *errPtr != nil {
			logger.ErrorContext(ctx, "operation failed",
				slog.Duration("duration", elapsed),
				slog.String("error", (*errPtr).Error()))
			return
		}
		logger.InfoContext(ctx, "operation completed",
			slog.Duration("duration", elapsed))
	}
}
