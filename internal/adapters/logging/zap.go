package logging

import (
	"context"
	"io"
	"os"

	"github.com/felixgeelhaar/kubeboot/internal/ports"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger adapts a zap.Logger to ports.Logger.
type ZapLogger struct {
	base  *zap.Logger
	level zap.AtomicLevel
}

type zapOptions struct {
	out        io.Writer
	level      ports.Level
	jsonFormat bool
	timestamp  bool
}

// ZapLoggerOption configures the zap logger.
type ZapLoggerOption func(*zapOptions)

// WithOutput sets the output writer (default: os.Stderr).
func WithOutput(w io.Writer) ZapLoggerOption {
	return func(o *zapOptions) {
		o.out = w
	}
}

// WithLevel sets the minimum log level (default: Info).
func WithLevel(level ports.Level) ZapLoggerOption {
	return func(o *zapOptions) {
		o.level = level
	}
}

// WithJSONFormat switches from the console encoder to JSON lines.
func WithJSONFormat(enabled bool) ZapLoggerOption {
	return func(o *zapOptions) {
		o.jsonFormat = enabled
	}
}

// WithTimestamp includes timestamp in log entries.
func WithTimestamp(enabled bool) ZapLoggerOption {
	return func(o *zapOptions) {
		o.timestamp = enabled
	}
}

// NewZapLogger creates a logger writing to stderr unless configured otherwise.
func NewZapLogger(opts ...ZapLoggerOption) *ZapLogger {
	o := &zapOptions{
		out:       os.Stderr,
		level:     ports.LevelInfo,
		timestamp: true,
	}
	for _, opt := range opts {
		opt(o)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.MessageKey = "msg"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	if !o.timestamp {
		encCfg.TimeKey = ""
	}

	var enc zapcore.Encoder
	if o.jsonFormat {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	level := zap.NewAtomicLevelAt(toZapLevel(o.level))
	core := zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(o.out)), level)
	return &ZapLogger{base: zap.New(core), level: level}
}

// NewZapLoggerFromCore wraps an existing core, e.g. an observer in tests.
func NewZapLoggerFromCore(core zapcore.Core) *ZapLogger {
	level := zap.NewAtomicLevelAt(zapcore.DebugLevel)
	for _, l := range []zapcore.Level{zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel, zapcore.ErrorLevel} {
		if core.Enabled(l) {
			level.SetLevel(l)
			break
		}
	}
	return &ZapLogger{base: zap.New(core), level: level}
}

// Debug logs a debug message.
func (l *ZapLogger) Debug(_ context.Context, msg string, fields ...ports.Field) {
	l.base.Debug(msg, toZapFields(fields)...)
}

// Info logs an informational message.
func (l *ZapLogger) Info(_ context.Context, msg string, fields ...ports.Field) {
	l.base.Info(msg, toZapFields(fields)...)
}

// Warn logs a warning message.
func (l *ZapLogger) Warn(_ context.Context, msg string, fields ...ports.Field) {
	l.base.Warn(msg, toZapFields(fields)...)
}

// Error logs an error message.
func (l *ZapLogger) Error(_ context.Context, msg string, fields ...ports.Field) {
	l.base.Error(msg, toZapFields(fields)...)
}

// With returns a child logger sharing the level of its parent.
func (l *ZapLogger) With(fields ...ports.Field) ports.Logger {
	return &ZapLogger{base: l.base.With(toZapFields(fields)...), level: l.level}
}

// Level returns the log level.
func (l *ZapLogger) Level() ports.Level {
	return fromZapLevel(l.level.Level())
}

// SetLevel sets the log level.
func (l *ZapLogger) SetLevel(level ports.Level) {
	l.level.SetLevel(toZapLevel(level))
}

// Sync flushes buffered entries.
func (l *ZapLogger) Sync() error {
	return l.base.Sync()
}

func toZapFields(fields []ports.Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		if err, ok := f.Value.(error); ok {
			out = append(out, zap.NamedError(f.Key, err))
			continue
		}
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}

func toZapLevel(level ports.Level) zapcore.Level {
	switch level {
	case ports.LevelDebug:
		return zapcore.DebugLevel
	case ports.LevelWarn:
		return zapcore.WarnLevel
	case ports.LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func fromZapLevel(level zapcore.Level) ports.Level {
	switch {
	case level <= zapcore.DebugLevel:
		return ports.LevelDebug
	case level == zapcore.InfoLevel:
		return ports.LevelInfo
	case level == zapcore.WarnLevel:
		return ports.LevelWarn
	default:
		return ports.LevelError
	}
}

var _ ports.Logger = (*ZapLogger)(nil)
