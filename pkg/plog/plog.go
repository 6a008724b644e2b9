package plog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LevelNotice sits between Debug and Info. It is used for per-path action
// lines (LINK, UNLINK, ANALYZE, ...) which are useful while watching a run
// but too chatty for summary-oriented logs.
const LevelNotice = slog.Level(-2)

// levelNames maps custom levels to their display names, since slog only
// knows how to render its four built-in levels.
var levelNames = map[slog.Level]string{
	LevelNotice: "NOTICE",
}

// LevelDispatchHandler is a slog.Handler that writes log records to different
// handlers based on the record's level. INFO and below go to one handler,
// while WARNING and above go to another.
type LevelDispatchHandler struct {
	stdoutHandler slog.Handler
	stderrHandler slog.Handler
}

// Enabled checks if the level is enabled for either of the underlying handlers.
func (h *LevelDispatchHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.stdoutHandler.Enabled(ctx, level) || h.stderrHandler.Enabled(ctx, level)
}

// Handle dispatches the record to the appropriate handler.
func (h *LevelDispatchHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		return h.stderrHandler.Handle(ctx, r)
	}
	return h.stdoutHandler.Handle(ctx, r)
}

// WithAttrs returns a new LevelDispatchHandler with the given attributes added.
func (h *LevelDispatchHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LevelDispatchHandler{
		stdoutHandler: h.stdoutHandler.WithAttrs(attrs),
		stderrHandler: h.stderrHandler.WithAttrs(attrs),
	}
}

// WithGroup returns a new LevelDispatchHandler with the given group.
func (h *LevelDispatchHandler) WithGroup(name string) slog.Handler {
	return &LevelDispatchHandler{
		stdoutHandler: h.stdoutHandler.WithGroup(name),
		stderrHandler: h.stderrHandler.WithGroup(name),
	}
}

var defaultLogger *slog.Logger
var logLevel = new(slog.LevelVar)

// handlerOptions builds the options shared by all handlers: the minimum
// level and the renaming of custom levels in the output.
func handlerOptions(minLevel slog.Leveler) *slog.HandlerOptions {
	return &slog.HandlerOptions{
		Level: minLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if level, ok := a.Value.Any().(slog.Level); ok {
					if name, ok := levelNames[level]; ok {
						a.Value = slog.StringValue(name)
					}
				}
			}
			return a
		},
	}
}

// buildLogger wires the dispatch handler over the given writers. The stdout
// handler follows the global level var; the stderr handler is pinned at
// Warn so warnings and errors are never suppressed.
func buildLogger(stdout, stderr io.Writer) *slog.Logger {
	return slog.New(&LevelDispatchHandler{
		stdoutHandler: slog.NewTextHandler(stdout, handlerOptions(logLevel)),
		stderrHandler: slog.NewTextHandler(stderr, handlerOptions(slog.LevelWarn)),
	})
}

func init() {
	logLevel.Set(slog.LevelInfo)
	defaultLogger = buildLogger(os.Stdout, os.Stderr)
}

// SetLevel changes the minimum level written to stdout. Warnings and errors
// are always written regardless of the configured level.
func SetLevel(level slog.Level) {
	logLevel.Set(level)
}

// LevelFromString maps a configuration string to a slog level.
// Unknown values fall back to Info.
func LevelFromString(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "notice":
		return LevelNotice
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetOutput allows redirecting the logger's output, primarily for testing.
// All levels are written to the provided writer.
func SetOutput(w io.Writer) {
	logLevel.Set(slog.LevelDebug)
	defaultLogger = slog.New(slog.NewTextHandler(w, handlerOptions(logLevel)))
}

// EnableFileOutput duplicates all log output into a rotating log file in
// addition to the console. Rotation keeps the file from growing without
// bound across scheduled runs.
func EnableFileOutput(path string) {
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
	}
	defaultLogger = buildLogger(
		io.MultiWriter(os.Stdout, rotator),
		io.MultiWriter(os.Stderr, rotator),
	)
}

// Debug logs a debug message.
func Debug(msg string, args ...any) {
	defaultLogger.Debug(msg, args...)
}

// Notice logs a per-action message.
func Notice(msg string, args ...any) {
	defaultLogger.Log(context.Background(), LevelNotice, msg, args...)
}

// Info logs an informational message.
func Info(msg string, args ...any) {
	defaultLogger.Info(msg, args...)
}

// Warn logs a warning message.
func Warn(msg string, args ...any) {
	defaultLogger.Warn(msg, args...)
}

// Error logs an error message.
func Error(msg string, args ...any) {
	defaultLogger.Error(msg, args...)
}
