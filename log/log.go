package log

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/log"
)

type options struct {
	out    io.Writer
	level  log.Level
	format log.Formatter
}

type Option func(*options)

// WithLevel sets the minimum level, given as "debug", "info", "warn" or
// "error". Unknown names leave the default (debug) in place.
func WithLevel(level string) Option {
	return func(o *options) {
		if l, err := log.ParseLevel(level); err == nil {
			o.level = l
		}
	}
}

// WithJSON switches the handler to one JSON object per line.
func WithJSON(enabled bool) Option {
	return func(o *options) {
		if enabled {
			o.format = log.JSONFormatter
		}
	}
}

func WithOutput(w io.Writer) Option {
	return func(o *options) {
		o.out = w
	}
}

func NewHandler(name string, opts ...Option) slog.Handler {
	o := options{
		out:    os.Stderr,
		level:  log.DebugLevel,
		format: log.TextFormatter,
	}
	for _, opt := range opts {
		opt(&o)
	}

	return log.NewWithOptions(o.out, log.Options{
		ReportTimestamp: true,
		Prefix:          name,
		Level:           o.level,
		Formatter:       o.format,
	})
}

func New(name string, opts ...Option) *slog.Logger {
	return slog.New(NewHandler(name, opts...))
}

func NewContext(ctx context.Context, name string, opts ...Option) context.Context {
	return IntoContext(ctx, New(name, opts...))
}

type ctxKey struct{}

// IntoContext adds a logger to a context. Use FromContext to
// pull the logger out.
func IntoContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns a logger from a context.Context;
// if the passed context is nil, we return the default slog
// logger.
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		v := ctx.Value(ctxKey{})
		if v == nil {
			return slog.Default()
		}
		return v.(*slog.Logger)
	}

	return slog.Default()
}

// SubLogger derives a new logger from an existing one by appending a
// suffix to its prefix. Level and formatter are carried over.
func SubLogger(base *slog.Logger, suffix string) *slog.Logger {
	if cl, ok := base.Handler().(*log.Logger); ok {
		prefix := cl.GetPrefix()
		if prefix != "" {
			prefix = prefix + "/" + suffix
		} else {
			prefix = suffix
		}
		return slog.New(cl.WithPrefix(prefix))
	}

	return slog.New(NewHandler(suffix))
}
