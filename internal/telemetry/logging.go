// Package telemetry builds the structured JSON logger shared by every
// switchboard subsystem.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/switchboard/internal/shared"
)

// LogFile is the JSON-lines log under <home>/logs.
const LogFile = "system.jsonl"

// NewLogger writes JSON logs to <home>/logs/system.jsonl and, unless quiet,
// to stdout as well. The returned closer owns the log file.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, LogFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}
	return NewWriterLogger(w, level), file, nil
}

// NewWriterLogger builds the redacting JSON logger over w. Its level can be
// changed later with SetLevel.
func NewWriterLogger(w io.Writer, level string) *slog.Logger {
	lv := new(slog.LevelVar)
	lv.Set(parseLevel(level))
	h := &handler{
		Handler: slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lv, ReplaceAttr: replaceAttr}),
		level:   lv,
	}
	return slog.New(h).With("component", "switchboard", "trace_id", "-")
}

// SetLevel changes the level of a logger built by NewWriterLogger, and of
// every logger derived from it. It reports false for foreign loggers.
func SetLevel(logger *slog.Logger, level string) bool {
	if logger == nil {
		return false
	}
	h, ok := logger.Handler().(*handler)
	if !ok {
		return false
	}
	h.level.Set(parseLevel(level))
	return true
}

// handler carries the shared LevelVar through With and WithGroup.
type handler struct {
	slog.Handler
	level *slog.LevelVar
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &handler{Handler: h.Handler.WithAttrs(attrs), level: h.level}
}

func (h *handler) WithGroup(name string) slog.Handler {
	return &handler{Handler: h.Handler.WithGroup(name), level: h.level}
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
		return a
	}
	if shared.IsSensitiveKey(a.Key) {
		return slog.String(a.Key, shared.Redacted)
	}
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, redactValue(a.Value.String()))
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			return slog.String(a.Key, redactValue(err.Error()))
		}
	}
	return a
}

// redactValue blanks whole values that carry an Authorization header and
// scrubs credentials out of anything else.
func redactValue(v string) string {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") {
		return shared.Redacted
	}
	return shared.Redact(v)
}

// Component derives a logger tagged with a subsystem name.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("subsystem", name)
}

// FromContext attaches the trace and request ids carried by ctx.
func FromContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	var attrs []any
	if id := shared.TraceID(ctx); id != "-" {
		attrs = append(attrs, "trace_id", id)
	}
	if id := shared.RequestID(ctx); id != "" {
		attrs = append(attrs, "request_id", id)
	}
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		if strings.EqualFold(strings.TrimSpace(level), "warning") {
			return slog.LevelWarn
		}
		return slog.LevelInfo
	}
	return l
}
