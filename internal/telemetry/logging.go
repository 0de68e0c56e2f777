// Package telemetry builds the structured JSON loggers used by dispatchd and
// dispatch-worker.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/go-dispatch/internal/shared"
)

// Output owns the log file behind a logger and its adjustable level.
type Output struct {
	file  *os.File
	level *slog.LevelVar
}

func (o *Output) Close() error {
	if o == nil || o.file == nil {
		return nil
	}
	return o.file.Close()
}

// SetLevel changes the minimum level at runtime, e.g. after a config reload.
func (o *Output) SetLevel(level string) {
	if o == nil {
		return
	}
	o.level.Set(ParseLevel(level))
}

// NewLogger writes JSON lines to <home>/logs/<component>.jsonl and, unless
// quiet, to stdout.
func NewLogger(homeDir, component, level string, quiet bool) (*slog.Logger, *Output, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	if component == "" {
		component = "dispatchd"
	}

	logFilePath := filepath.Join(logDir, component+".jsonl")
	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	out := &Output{file: file, level: new(slog.LevelVar)}
	out.level.Set(ParseLevel(level))

	var w io.Writer
	if quiet {
		w = file
	} else {
		w = io.MultiWriter(os.Stdout, file)
	}
	return newJSONLogger(w, out.level, component), out, nil
}

func newJSONLogger(w io.Writer, level slog.Leveler, component string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceAttr,
	})
	return slog.New(handler).With("component", component, "trace_id", "-")
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if shouldRedactKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		if redacted, ok := redactStringValue(a.Value.String()); ok {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

// WithContext returns logger annotated with the trace, organization and
// request ids carried by ctx.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	args := []any{"trace_id", shared.TraceID(ctx)}
	if org := shared.OrgID(ctx); org != "" {
		args = append(args, "org_id", org)
	}
	if id := shared.RequestID(ctx); id != "" {
		args = append(args, "request_id", id)
	}
	return logger.With(args...)
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"} {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

func redactStringValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") {
		return "[REDACTED]", true
	}
	redacted := shared.Redact(v)
	if redacted != v {
		return redacted, true
	}
	return v, false
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
