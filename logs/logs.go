package logs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Level represents the severity of a log message
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// ParseLevel maps a level name to a Level. Unknown names default to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Format selects the slog handler used by the default logger.
type Format string

const (
	TextFormat Format = "text"
	JSONFormat Format = "json"
)

// Logger is the interface that wraps the basic logging methods.
type Logger interface {
	Debug(ctx context.Context, msg string, keysAndValues ...interface{})
	Info(ctx context.Context, msg string, keysAndValues ...interface{})
	Warn(ctx context.Context, msg string, keysAndValues ...interface{})
	Error(ctx context.Context, msg string, keysAndValues ...interface{})
	WithFields(fields map[string]interface{}) Logger
}

type defaultLogger struct {
	logger *slog.Logger
}

// Option configures the default logger.
type Option func(*config)

type config struct {
	format Format
	output io.Writer
}

// WithFormat selects text or JSON output.
func WithFormat(format Format) Option {
	return func(c *config) {
		c.format = format
	}
}

// WithOutput redirects log output (defaults to stdout).
func WithOutput(w io.Writer) Option {
	return func(c *config) {
		c.output = w
	}
}

// NewDefaultLogger builds a slog-backed Logger at the given level.
func NewDefaultLogger(level slog.Leveler, opts ...Option) Logger {
	cfg := &config{
		format: TextFormat,
		output: os.Stdout,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch cfg.format {
	case JSONFormat:
		handler = slog.NewJSONHandler(cfg.output, handlerOpts)
	default:
		handler = slog.NewTextHandler(cfg.output, handlerOpts)
	}
	return &defaultLogger{logger: slog.New(handler)}
}

func (l *defaultLogger) Debug(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.logger.DebugContext(ctx, msg, keysAndValues...)
}

func (l *defaultLogger) Info(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.logger.InfoContext(ctx, msg, keysAndValues...)
}

func (l *defaultLogger) Warn(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.logger.WarnContext(ctx, msg, keysAndValues...)
}

func (l *defaultLogger) Error(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.logger.ErrorContext(ctx, msg, keysAndValues...)
}

func (l *defaultLogger) WithFields(fields map[string]interface{}) Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &defaultLogger{logger: l.logger.With(args...)}
}

func slogLevel(level Level) slog.Level {
	switch level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Initialize installs the package-level logger at the given level.
func Initialize(level Level, opts ...Option) {
	Log = NewDefaultLogger(slogLevel(level), opts...)
}

var Log Logger

func Debug(ctx context.Context, msg string, keysAndValues ...interface{}) {
	if Log != nil {
		Log.Debug(ctx, msg, keysAndValues...)
	}
}

func Info(ctx context.Context, msg string, keysAndValues ...interface{}) {
	if Log != nil {
		Log.Info(ctx, msg, keysAndValues...)
	}
}

func Warn(ctx context.Context, msg string, keysAndValues ...interface{}) {
	if Log != nil {
		Log.Warn(ctx, msg, keysAndValues...)
	}
}

func Error(ctx context.Context, msg string, keysAndValues ...interface{}) {
	if Log != nil {
		Log.Error(ctx, msg, keysAndValues...)
	}
}
