// Package logging provides structured logging for the mailman engine.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

type contextKey string

const (
	listKey     contextKey = "list"
	runnerKey   contextKey = "runner"
	queueKey    contextKey = "queue"
	filebaseKey contextKey = "filebase"
)

// Logger wraps slog with engine-specific context plumbing.
type Logger struct {
	*slog.Logger
}

// Config configures the logger.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// Format is the output format (json, text).
	Format string
	// Output is the output destination (stdout, stderr, or file path).
	Output string
	// AddSource adds source code location to log entries.
	AddSource bool
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Format:    "json",
		Output:    "stdout",
		AddSource: false,
	}
}

// New creates a new Logger with the given configuration.
func New(cfg Config) (*Logger, error) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var output io.Writer
	switch cfg.Output {
	case "stdout", "":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		output = f
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339Nano))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = slog.NewJSONHandler(output, opts)
	}

	return &Logger{Logger: slog.New(handler)}, nil
}

// Default returns a default logger, ignoring construction errors (stdout
// JSON output never fails to open).
func Default() *Logger {
	logger, _ := New(DefaultConfig())
	return logger
}

// Reopen rebuilds the logger's handler from cfg in place, closing and
// reopening any file-backed output. Every holder of this *Logger observes
// the new handler immediately, since Reopen replaces the embedded
// slog.Logger rather than swapping the pointer. Used by qrunner and
// mailmanctl on SIGHUP, per spec.md §4.4's "reopen log files" contract.
func (l *Logger) Reopen(cfg Config) error {
	next, err := New(cfg)
	if err != nil {
		return err
	}
	*l = *next
	return nil
}

// WithList returns a new context carrying the list name, for cross-cutting
// list-scoped log lines (lock acquisition, sweeps, handler dispatch).
func WithList(ctx context.Context, list string) context.Context {
	return context.WithValue(ctx, listKey, list)
}

// WithRunner returns a new context carrying the runner name.
func WithRunner(ctx context.Context, runner string) context.Context {
	return context.WithValue(ctx, runnerKey, runner)
}

// WithQueue returns a new context carrying the queue name.
func WithQueue(ctx context.Context, queue string) context.Context {
	return context.WithValue(ctx, queueKey, queue)
}

// WithFilebase returns a new context carrying the queue entry's filebase.
func WithFilebase(ctx context.Context, filebase string) context.Context {
	return context.WithValue(ctx, filebaseKey, filebase)
}

func extractContextAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	if v := ctx.Value(listKey); v != nil {
		attrs = append(attrs, slog.String("list", v.(string)))
	}
	if v := ctx.Value(runnerKey); v != nil {
		attrs = append(attrs, slog.String("runner", v.(string)))
	}
	if v := ctx.Value(queueKey); v != nil {
		attrs = append(attrs, slog.String("queue", v.(string)))
	}
	if v := ctx.Value(filebaseKey); v != nil {
		attrs = append(attrs, slog.String("filebase", v.(string)))
	}
	return attrs
}

func (l *Logger) argsWithContext(ctx context.Context, args []any) []any {
	attrs := extractContextAttrs(ctx)
	all := make([]any, 0, len(attrs)*2+len(args))
	for _, attr := range attrs {
		all = append(all, attr.Key, attr.Value.Any())
	}
	return append(all, args...)
}

// InfoContext logs an info message with context-carried fields.
func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.Logger.InfoContext(ctx, msg, l.argsWithContext(ctx, args)...)
}

// WarnContext logs a warning message with context-carried fields.
func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.Logger.WarnContext(ctx, msg, l.argsWithContext(ctx, args)...)
}

// DebugContext logs a debug message with context-carried fields.
func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.Logger.DebugContext(ctx, msg, l.argsWithContext(ctx, args)...)
}

// ErrorContext logs an error message with context-carried fields.
func (l *Logger) ErrorContext(ctx context.Context, msg string, err error, args ...any) {
	all := l.argsWithContext(ctx, args)
	if err != nil {
		all = append([]any{"error", err.Error()}, all...)
	}
	l.Logger.ErrorContext(ctx, msg, all...)
}

// WithError returns a logger with the error attached.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{Logger: l.Logger.With("error", err.Error())}
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Lock returns a logger configured for FileLock operations.
func (l *Logger) Lock() *Logger {
	return &Logger{Logger: l.Logger.With("component", "lock")}
}

// Runner returns a logger configured for a named runner.
func (l *Logger) Runner(name string) *Logger {
	return &Logger{Logger: l.Logger.With("component", "runner", "runner", name)}
}

// Master returns a logger configured for the supervisor.
func (l *Logger) Master() *Logger {
	return &Logger{Logger: l.Logger.With("component", "master")}
}

// Delivery returns a logger configured for outbound delivery.
func (l *Logger) Delivery() *Logger {
	return &Logger{Logger: l.Logger.With("component", "delivery")}
}

// Moderation returns a logger configured for the moderation engine.
func (l *Logger) Moderation() *Logger {
	return &Logger{Logger: l.Logger.With("component", "moderation")}
}

// Bounce returns a logger configured for the bounce engine.
func (l *Logger) Bounce() *Logger {
	return &Logger{Logger: l.Logger.With("component", "bounce")}
}

// Periodic returns a logger configured for a named periodic task.
func (l *Logger) Periodic(task string) *Logger {
	return &Logger{Logger: l.Logger.With("component", "periodic", "task", task)}
}
