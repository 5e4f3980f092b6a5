// Package observability provides structured logging helpers for vodproxy.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/vodproxy/internal/config"
	"github.com/m-mizutani/masq"
)

// contextKey is a type for context keys to avoid collisions.
type contextKey string

const (
	// RequestIDKey is the context key for request IDs.
	RequestIDKey contextKey = "request_id"
	// CorrelationIDKey is the context key for correlation IDs.
	CorrelationIDKey contextKey = "correlation_id"
)

// LevelTrace is more verbose than debug. Used for per-chunk relay output.
const LevelTrace = slog.Level(-8)

const redactedMarker = "[REDACTED]"

// sensitiveKeys are matched case-insensitively as substrings of attribute keys.
var sensitiveKeys = []string{
	"password",
	"secret",
	"token",
	"apikey",
	"api_key",
	"credential",
	"authorization",
	"signature",
}

// sensitiveQueryParam matches key=value pairs in URLs whose key is sensitive.
var sensitiveQueryParam = regexp.MustCompile(
	`(?i)([?&](?:password|secret|token|apikey|api_key|credential|signature|sig)=)[^&#\s"]*`,
)

var requestLogging atomic.Bool

func init() {
	requestLogging.Store(true)
}

// IsRequestLoggingEnabled reports whether successful requests are logged.
// Requests that end with a 4xx or 5xx status are always logged.
func IsRequestLoggingEnabled() bool {
	return requestLogging.Load()
}

// SetRequestLogging toggles logging of successful requests.
func SetRequestLogging(enabled bool) {
	requestLogging.Store(enabled)
}

// NewLogger creates a new slog.Logger based on the provided configuration.
// The logger supports JSON and text formats with configurable log levels.
func NewLogger(cfg config.LoggingConfig) *slog.Logger {
	return NewLoggerWithWriter(cfg, os.Stdout)
}

// NewLoggerWithWriter creates a new slog.Logger that writes to the provided writer.
// Attribute values under sensitive keys, and sensitive URL query parameters,
// are replaced with [REDACTED].
func NewLoggerWithWriter(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	level := parseLevel(cfg.Level)
	redact := newRedactor()

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 {
				switch a.Key {
				case slog.TimeKey:
					if cfg.TimeFormat != "" {
						if t, ok := a.Value.Any().(time.Time); ok {
							return slog.String(slog.TimeKey, t.Format(cfg.TimeFormat))
						}
					}
					return a
				case slog.LevelKey:
					if lvl, ok := a.Value.Any().(slog.Level); ok && lvl <= LevelTrace {
						return slog.String(slog.LevelKey, "TRACE")
					}
					return a
				case slog.MessageKey, slog.SourceKey:
					return a
				}
			}

			switch a.Value.Kind() {
			case slog.KindString:
				return redact(groups, a)
			case slog.KindAny:
				if _, isErr := a.Value.Any().(error); isErr {
					return a
				}
				return redact(groups, a)
			default:
				return a
			}
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler)
}

func newRedactor() func(groups []string, a slog.Attr) slog.Attr {
	return masq.New(
		masq.WithRedactMessage(redactedMarker),
		masq.WithCensor(func(fieldName string, _ any, _ string) bool {
			return isSensitiveKey(fieldName)
		}),
		masq.WithRegex(sensitiveQueryParam, masq.RedactString(func(s string) string {
			return sensitiveQueryParam.ReplaceAllString(s, "${1}"+redactedMarker)
		})),
	)
}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(key)
	if key == "sig" {
		return true
	}
	for _, s := range sensitiveKeys {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
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

// WithApp tags every record with the application name.
func WithApp(logger *slog.Logger, app string) *slog.Logger {
	return logger.With(slog.String("app", app))
}

// WithRequestID adds a request ID to the logger.
func WithRequestID(logger *slog.Logger, requestID string) *slog.Logger {
	return logger.With(slog.String("request_id", requestID))
}

// WithComponent adds a component name to the logger for identifying the source.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String("component", component))
}

// WithJob adds a transcode or ingest job ID to the logger.
func WithJob(logger *slog.Logger, jobID string) *slog.Logger {
	return logger.With(slog.String("job_id", jobID))
}

// WithOperation adds an operation name to the logger.
func WithOperation(logger *slog.Logger, operation string) *slog.Logger {
	return logger.With(slog.String("operation", operation))
}

// WithError adds an error to the logger attributes.
func WithError(logger *slog.Logger, err error) *slog.Logger {
	if err == nil {
		return logger
	}
	return logger.With(slog.String("error", err.Error()))
}

// LoggerFromContext extracts a logger from the context.
// If no logger is found, returns the default logger.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// ContextWithLogger adds a logger to the context.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

const loggerKey contextKey = "logger"

// RequestIDFromContext extracts a request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextWithRequestID adds a request ID to the context.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// SetDefault sets the provided logger as the default slog logger.
func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}

// TimedOperationWithError logs the start of an operation and returns a
// function that logs completion or failure with the elapsed duration.
// The error pointer is read when the returned function runs.
//
// Usage:
//
//	var err error
//	done := observability.TimedOperationWithError(ctx, logger, "transcode", &err)
//	defer done()
//	err = doSomething()
//
//nolint:gocritic // errPtr must be a pointer to capture errors set after this call
func TimedOperationWithError(ctx context.Context, logger *slog.Logger, operation string, errPtr *error) func() {
	start := time.Now()
	logger.InfoContext(ctx, "operation started", slog.String("operation", operation))

	return func() {
		duration := time.Since(start)
		if errPtr != nil && *errPtr != nil {
			logger.ErrorContext(ctx, "operation failed",
				slog.String("operation", operation),
				slog.Duration("duration", duration),
				slog.String("error", (*errPtr).Error()),
			)
			return
		}
		logger.InfoContext(ctx, "operation completed",
			slog.String("operation", operation),
			slog.Duration("duration", duration),
		)
	}
}
