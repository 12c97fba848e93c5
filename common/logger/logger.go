// Package logger is the one logging stack of the runtime: slog behind a
// thin wrapper that owns handler selection and the contextual helpers
// components hang their identity on. Text output goes through tint for
// readable local runs; production sets LOG_FORMAT=json.
package logger

import (
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Logger embeds slog.Logger; Debug, Info and Warn are used as promoted.
type Logger struct {
	*slog.Logger
}

// New builds a logger at the given level. Format "json" selects the
// machine-readable handler; anything else gets the tinted console.
func New(level, format string) *Logger {
	return &Logger{Logger: slog.New(newHandler(parseLevel(level), format))}
}

func newHandler(level slog.Level, format string) slog.Handler {
	if format == "json" {
		return slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	})
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// WithToken tags every record with the token the component is handling.
func (l *Logger) WithToken(tokenID uint64) *Logger {
	return &Logger{Logger: l.With("token_id", tokenID)}
}

// WithVersion tags records with a rule base version.
func (l *Logger) WithVersion(version string) *Logger {
	return &Logger{Logger: l.With("rule_base_version", version)}
}

// WithComponent names the control-node component emitting the record.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{Logger: l.With("component", name)}
}

// Error appends the goroutine stack so diverted-token and coordination
// failures can be traced without a debugger attached.
func (l *Logger) Error(msg string, args ...any) {
	args = append(args, "stack", string(debug.Stack()))
	l.Logger.Error(msg, args...)
}
