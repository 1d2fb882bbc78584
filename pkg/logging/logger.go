// Package logging provides structured logging for the trackable engine and its tools.
// Engine code logs through the Logger interface; zerolog is the only backend.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Level is a minimum log severity as written in trackctl config.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

var zerologLevels = map[Level]zerolog.Level{
	LevelDebug: zerolog.DebugLevel,
	LevelInfo:  zerolog.InfoLevel,
	LevelWarn:  zerolog.WarnLevel,
	LevelError: zerolog.ErrorLevel,
}

// ParseLevel maps a config string onto a Level, defaulting to info.
func ParseLevel(s string) Level {
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := zerologLevels[l]; ok {
		return l
	}
	return LevelInfo
}

// Config holds logger configuration.
type Config struct {
	Level Level
	// ServiceName tags every entry, "trackctl" for the CLI.
	ServiceName string
	// Environment tags every entry, e.g. "development".
	Environment string
	// JSONFormat selects JSON lines; otherwise a console writer is used.
	JSONFormat bool
	// Output defaults to os.Stderr.
	Output io.Writer
}

// DefaultConfig returns a Config suitable for local development.
func DefaultConfig() *Config {
	return &Config{
		Level:       LevelInfo,
		ServiceName: "trackable",
		Environment: "development",
		Output:      os.Stderr,
	}
}

// Logger is the interface for structured logging.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// With returns a Logger that adds fields to every entry.
	With(fields ...Field) Logger

	// WithContext returns a Logger tagged with the actor, job and trace
	// carried by ctx.
	WithContext(ctx context.Context) Logger
}

// Field is a key-value pair attached to an entry.
type Field struct {
	Key   string
	Value any
}

// F creates a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Err creates the "error" Field.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

type contextKey int

const (
	actorKey contextKey = iota
	jobKey
)

// ContextWithActor records the acting user for WithContext.
func ContextWithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey, actorID)
}

// ContextWithJob records the job being run for WithContext.
func ContextWithJob(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobKey, jobID)
}

type logger struct {
	zl zerolog.Logger
}

// NewLogger creates a Logger from cfg. A nil cfg means DefaultConfig.
func NewLogger(cfg *Config) Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if !cfg.JSONFormat {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	level, ok := zerologLevels[cfg.Level]
	if !ok {
		level = zerolog.InfoLevel
	}
	zl := zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service_name", cfg.ServiceName).
		Str("environment", cfg.Environment).
		Logger()
	return &logger{zl: zl}
}

func (l *logger) Debug(msg string, fields ...Field) { encode(l.zl.Debug(), fields).Msg(msg) }
func (l *logger) Info(msg string, fields ...Field)  { encode(l.zl.Info(), fields).Msg(msg) }
func (l *logger) Warn(msg string, fields ...Field)  { encode(l.zl.Warn(), fields).Msg(msg) }
func (l *logger) Error(msg string, fields ...Field) { encode(l.zl.Error(), fields).Msg(msg) }

func (l *logger) With(fields ...Field) Logger {
	return &logger{zl: encode(l.zl.With(), fields).Logger()}
}

func (l *logger) WithContext(ctx context.Context) Logger {
	zctx := l.zl.With()
	if v, ok := ctx.Value(actorKey).(string); ok && v != "" {
		zctx = zctx.Str("actor_id", v)
	}
	if v, ok := ctx.Value(jobKey).(string); ok && v != "" {
		zctx = zctx.Str("job_id", v)
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		zctx = zctx.Str("trace_id", sc.TraceID().String()).Str("span_id", sc.SpanID().String())
	}
	return &logger{zl: zctx.Logger()}
}

// sink is what *zerolog.Event and zerolog.Context have in common.
type sink[T any] interface {
	Str(key, val string) T
	Int(key string, i int) T
	Int64(key string, i int64) T
	Float64(key string, f float64) T
	Bool(key string, b bool) T
	Err(err error) T
	Dur(key string, d time.Duration) T
	Time(key string, t time.Time) T
	Stringer(key string, val fmt.Stringer) T
	Interface(key string, i any) T
}

func encode[T sink[T]](s T, fields []Field) T {
	for _, f := range fields {
		switch v := f.Value.(type) {
		case string:
			s = s.Str(f.Key, v)
		case int:
			s = s.Int(f.Key, v)
		case int64:
			s = s.Int64(f.Key, v)
		case float64:
			s = s.Float64(f.Key, v)
		case bool:
			s = s.Bool(f.Key, v)
		case error:
			s = s.Err(v)
		case time.Duration:
			s = s.Dur(f.Key, v)
		case time.Time:
			s = s.Time(f.Key, v)
		case fmt.Stringer:
			s = s.Stringer(f.Key, v)
		default:
			s = s.Interface(f.Key, v)
		}
	}
	return s
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...Field)               {}
func (nopLogger) Info(string, ...Field)                {}
func (nopLogger) Warn(string, ...Field)                {}
func (nopLogger) Error(string, ...Field)               {}
func (n nopLogger) With(...Field) Logger               { return n }
func (n nopLogger) WithContext(context.Context) Logger { return n }

// NewNopLogger returns a logger that discards all output.
func NewNopLogger() Logger {
	return nopLogger{}
}
