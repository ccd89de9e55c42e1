// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

// Package log provides the structured logger shared by every throttle
// component. It wraps log/slog, attaches the active OpenTelemetry
// trace and span ids to each record and can render either JSON or a
// colored human readable format.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger is a named structured logger.
	Logger struct {
		logger     *slog.Logger
		output     io.Writer
		format     Format
		path       string
		level      *slog.LevelVar
		attributes []Attr
	}

	// Option configures Logger during initialization.
	Option func(l *Logger)

	// Format selects the handler used to render records.
	Format string

	// Level defines log levels for filtering log messages.
	Level = slog.Level

	// Attr is a key-value pair attached to a log record.
	Attr = slog.Attr
)

const (
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
)

var (
	LevelInfo  = slog.LevelInfo
	LevelError = slog.LevelError
	LevelWarn  = slog.LevelWarn
	LevelDebug = slog.LevelDebug
)

// WithLevel sets the minimum level of emitted records.
func WithLevel(level Level) Option {
	return func(l *Logger) {
		l.level.Set(level)
	}
}

// WithOutput directs the log output to the specified io.Writer.
func WithOutput(w io.Writer) Option {
	return func(l *Logger) {
		l.output = w
	}
}

// WithFormat selects JSON (the default) or pretty output.
func WithFormat(f Format) Option {
	return func(l *Logger) {
		l.format = f
	}
}

// WithName sets the dotted path identifying the logging source.
func WithName(name string) Option {
	return func(l *Logger) {
		l.path = name
	}
}

// WithAttributes assigns default attributes to all log entries.
func WithAttributes(attrs ...Attr) Option {
	return func(l *Logger) {
		l.attributes = attrs
	}
}

func Any(k string, v any) Attr                { return slog.Any(k, v) }
func Bool(k string, v bool) Attr              { return slog.Bool(k, v) }
func Duration(k string, v time.Duration) Attr { return slog.Duration(k, v) }
func Float64(k string, v float64) Attr        { return slog.Float64(k, v) }
func Int(k string, v int) Attr                { return slog.Int(k, v) }
func Int64(k string, v int64) Attr            { return slog.Int64(k, v) }
func String(k, v string) Attr                 { return slog.String(k, v) }
func Strings(k string, v []string) Attr       { return slog.Any(k, v) }
func Time(k string, v time.Time) Attr         { return slog.Time(k, v) }

// Error creates an "error" attribute holding the error message.
func Error(err error) Attr {
	return String("error", err.Error())
}

// ParseFormat maps a configuration string to a Format, falling back
// to JSON for unknown values.
func ParseFormat(s string) Format {
	if Format(s) == FormatPretty {
		return FormatPretty
	}

	return FormatJSON
}

// NewLogger initializes a new Logger writing JSON to stderr at info
// level unless configured otherwise.
func NewLogger(options ...Option) *Logger {
	l := &Logger{
		output: os.Stderr,
		format: FormatJSON,
		level:  new(slog.LevelVar),
	}

	for _, option := range options {
		option(l)
	}

	opts := &slog.HandlerOptions{Level: l.level}

	var handler slog.Handler
	switch l.format {
	case FormatPretty:
		handler = NewPrettyHandler(l.output, opts)
	default:
		handler = slog.NewJSONHandler(l.output, opts)
	}

	l.logger = slog.New(handler)

	return l
}

func (l *Logger) clone(options ...Option) *Logger {
	attrs := make([]Attr, len(l.attributes))
	copy(attrs, l.attributes)

	base := []Option{
		WithName(l.path),
		WithOutput(l.output),
		WithFormat(l.format),
		WithLevel(l.level.Level()),
		WithAttributes(attrs...),
	}

	return NewLogger(append(base, options...)...)
}

// With returns a new Logger carrying additional attributes.
func (l *Logger) With(attrs ...Attr) *Logger {
	merged := make([]Attr, 0, len(l.attributes)+len(attrs))
	merged = append(merged, l.attributes...)
	merged = append(merged, attrs...)

	return l.clone(WithAttributes(merged...))
}

// Named returns a new Logger whose name is the current name suffixed
// with name, e.g. "throttled" + "throttle" gives "throttled.throttle".
func (l *Logger) Named(name string, options ...Option) *Logger {
	newPath := l.path
	if newPath != "" {
		newPath += "."
	}
	newPath += name

	return l.clone(append([]Option{WithName(newPath)}, options...)...)
}

// Log logs msg at level, adding trace and span ids when ctx carries a
// recording span.
func (l *Logger) Log(ctx context.Context, level Level, msg string, args ...Attr) {
	if !l.logger.Enabled(ctx, level) {
		return
	}

	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		spanCtx := span.SpanContext()
		args = append(
			args,
			String("trace_id", spanCtx.TraceID().String()),
			String("span_id", spanCtx.SpanID().String()),
		)
	}

	attrs := make([]Attr, 0, len(l.attributes)+len(args)+1)
	if l.path != "" {
		attrs = append(attrs, String("name", l.path))
	}
	attrs = append(attrs, l.attributes...)
	attrs = append(attrs, args...)

	l.logger.LogAttrs(ctx, level, msg, attrs...)
}

func (l *Logger) Info(msg string, args ...Attr) {
	l.Log(context.Background(), LevelInfo, msg, args...)
}

func (l *Logger) InfoCtx(ctx context.Context, msg string, args ...Attr) {
	l.Log(ctx, LevelInfo, msg, args...)
}

func (l *Logger) Error(msg string, args ...Attr) {
	l.Log(context.Background(), LevelError, msg, args...)
}

func (l *Logger) ErrorCtx(ctx context.Context, msg string, args ...Attr) {
	l.Log(ctx, LevelError, msg, args...)
}

func (l *Logger) Warn(msg string, args ...Attr) {
	l.Log(context.Background(), LevelWarn, msg, args...)
}

func (l *Logger) WarnCtx(ctx context.Context, msg string, args ...Attr) {
	l.Log(ctx, LevelWarn, msg, args...)
}

func (l *Logger) Debug(msg string, args ...Attr) {
	l.Log(context.Background(), LevelDebug, msg, args...)
}

func (l *Logger) DebugCtx(ctx context.Context, msg string, args ...Attr) {
	l.Log(ctx, LevelDebug, msg, args...)
}
