package log

import (
	"io"
	"os"
	"path/filepath"
	"time"

	zaplogfmt "github.com/jsternberg/zap-logfmt"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var _ Logger = (*ZapLogger)(nil)

// ZapLogger is the production Logger backed by zap.
type ZapLogger struct {
	lg     *zap.SugaredLogger
	fields []any
}

// NewZapLogger builds a zap logger from conf. Entries are additionally copied
// to every extra writer, which tests use to capture output.
func NewZapLogger(conf Config, extra ...zapcore.WriteSyncer) Logger {
	sink := zapcore.NewMultiWriteSyncer(append(extra, openSink(conf.Output))...)
	core := zapcore.NewCore(newEncoder(conf.Format), sink, zapLevel(conf.Level))

	// Two frames: the public level method and ZapLogger.write.
	lg := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2)).Sugar()
	return &ZapLogger{lg: lg}
}

func newEncoder(format string) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = func(ts time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(ts.UTC().Format(time.RFC3339))
	}

	switch format {
	case "logfmt":
		return zaplogfmt.NewEncoder(cfg)
	case "json":
		return zapcore.NewJSONEncoder(cfg)
	default:
		return zapcore.NewConsoleEncoder(cfg)
	}
}

func openSink(output string) zapcore.WriteSyncer {
	switch output {
	case "", "stderr":
		return zapcore.Lock(os.Stderr)
	case "stdout":
		return zapcore.Lock(os.Stdout)
	case "discard":
		return zapcore.AddSync(io.Discard)
	}

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return zapcore.Lock(os.Stderr)
	}
	f, err := os.OpenFile(output, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return zapcore.Lock(os.Stderr)
	}
	return zapcore.AddSync(f)
}

func (l *ZapLogger) Debug(msg string, keysAndValues ...any) { l.write(LevelDebug, msg, keysAndValues) }
func (l *ZapLogger) Info(msg string, keysAndValues ...any)  { l.write(LevelInfo, msg, keysAndValues) }
func (l *ZapLogger) Warn(msg string, keysAndValues ...any)  { l.write(LevelWarn, msg, keysAndValues) }
func (l *ZapLogger) Error(msg string, keysAndValues ...any) { l.write(LevelError, msg, keysAndValues) }
func (l *ZapLogger) Fatal(msg string, keysAndValues ...any) { l.write(LevelFatal, msg, keysAndValues) }

func (l *ZapLogger) write(level Level, msg string, keysAndValues []any) {
	l.lg.Logw(zapLevel(level), msg, keysAndValues...)
}

func (l *ZapLogger) With(keysAndValues ...any) Logger {
	fields := make([]any, 0, len(l.fields)+len(keysAndValues))
	fields = append(fields, l.fields...)
	fields = append(fields, keysAndValues...)
	return &ZapLogger{lg: l.lg.With(keysAndValues...), fields: fields}
}

func (l *ZapLogger) Fields() []any { return l.fields }

func (l *ZapLogger) Named(name string) Logger {
	return &ZapLogger{lg: l.lg.Named(name), fields: l.fields}
}

func (l *ZapLogger) Name() string { return l.lg.Desugar().Name() }

func (l *ZapLogger) Skip(n int) Logger {
	return &ZapLogger{lg: l.lg.WithOptions(zap.AddCallerSkip(n)), fields: l.fields}
}

func zapLevel(level Level) zapcore.Level {
	switch level {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	case LevelFatal:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}
