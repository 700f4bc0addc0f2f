// Package log is the structured logging layer shared by the keyring packages
// and the keyringd daemon.
//
// Components receive a Logger at construction time and derive named child
// loggers from it:
//
//	lg := log.NewZapLogger(log.Config{Format: "logfmt", Level: log.LevelDebug})
//	hw := lg.Named("hardware").With("deviceId", id)
//	hw.Info("device unlocked", "hdPath", path)
//
// Request scoped code pulls the logger out of the context with FromContext.
// When the context carries an OpenTelemetry span, every log line is also
// recorded as a span event.
package log

// Logger is the logging contract used across the module.
// keysAndValues are alternating keys and values ("address", addr, "index", i).
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
	// Fatal logs and terminates the process for the zap backed logger.
	Fatal(msg string, keysAndValues ...any)

	// With returns a child logger that attaches the pairs to every entry.
	With(keysAndValues ...any) Logger
	// Fields returns the pairs attached through With.
	Fields() []any
	// Named returns a child logger whose name is suffixed with name.
	Named(name string) Logger
	Name() string
	// Skip returns a logger that reports the caller n frames further up.
	Skip(n int) Logger
}

// Level is a log severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelFatal Level = "fatal"
)

// Config configures NewZapLogger. It is read from the environment by cleanenv.
type Config struct {
	Format string `env:"LOG_FORMAT" env-default:"console"` // console, logfmt or json
	Level  Level  `env:"LOG_LEVEL" env-default:"info"`
	Output string `env:"LOG_OUTPUT" env-default:"stderr"` // stderr, stdout, discard or a file path
}

// SpanEventRecorder mirrors log entries onto a tracing span.
type SpanEventRecorder interface {
	TraceID() string
	SpanID() string
	RecordEvent(name string, keysAndValues ...any)
	RecordError(name string, keysAndValues ...any)
}
