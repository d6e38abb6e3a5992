// Package log provides the structured logger used throughout AEGIS.
//
// It wraps log/slog in a Logger value that can be Named per component,
// carries default attributes, and supports both a machine-readable
// JSON format and a human-readable pretty format for local
// development.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
)

type (
	// Logger is a structured logger with a component name and a set of
	// default attributes applied to every record.
	Logger struct {
		base  *slog.Logger
		level *slog.LevelVar
		name  string
	}

	// Option configures a Logger during construction.
	Option func(*config)

	config struct {
		output io.Writer
		format Format
		level  slog.Level
		attrs  []slog.Attr
	}

	Format string
)

const (
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
)

// WithOutput directs log output to w. Default os.Stderr.
func WithOutput(w io.Writer) Option { return func(c *config) { c.output = w } }

// WithFormat selects JSON or pretty-console rendering. Default JSON.
func WithFormat(f Format) Option { return func(c *config) { c.format = f } }

// WithLevel sets the minimum level emitted. Default Info.
func WithLevel(l slog.Level) Option { return func(c *config) { c.level = l } }

// WithAttrs attaches default attributes to every record emitted by the
// returned Logger (and its descendants created via Named).
func WithAttrs(attrs ...slog.Attr) Option {
	return func(c *config) { c.attrs = append(c.attrs, attrs...) }
}

// New builds a root Logger.
func New(opts ...Option) *Logger {
	cfg := &config{output: os.Stderr, format: FormatJSON, level: slog.LevelInfo}
	for _, o := range opts {
		o(cfg)
	}

	lv := &slog.LevelVar{}
	lv.Set(cfg.level)

	handlerOpts := &slog.HandlerOptions{Level: lv}
	var handler slog.Handler
	switch cfg.format {
	case FormatPretty:
		handler = slog.NewTextHandler(cfg.output, handlerOpts)
	default:
		handler = slog.NewJSONHandler(cfg.output, handlerOpts)
	}

	base := slog.New(handler)
	if len(cfg.attrs) > 0 {
		args := make([]any, 0, len(cfg.attrs))
		for _, a := range cfg.attrs {
			args = append(args, a)
		}
		base = base.With(args...)
	}

	return &Logger{base: base, level: lv}
}

// Named returns a child Logger tagged with "component": name.
func (l *Logger) Named(name string) *Logger {
	full := name
	if l.name != "" {
		full = l.name + "." + name
	}
	return &Logger{base: l.base.With("component", full), level: l.level, name: full}
}

// SetLevel adjusts the minimum level emitted by this Logger and all of
// its descendants (they share the same LevelVar).
func (l *Logger) SetLevel(lvl slog.Level) { l.level.Set(lvl) }

func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.base.DebugContext(ctx, msg, args...)
}
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.base.InfoContext(ctx, msg, args...)
}
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.base.WarnContext(ctx, msg, args...)
}
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.base.ErrorContext(ctx, msg, args...)
}

// Noop returns a Logger that discards everything, for tests and
// components constructed without explicit logging configuration.
func Noop() *Logger {
	return New(WithOutput(io.Discard))
}
