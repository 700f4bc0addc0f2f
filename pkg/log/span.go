package log

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	_ Logger            = (*SpanLogger)(nil)
	_ SpanEventRecorder = (*OtelSpanEventRecorder)(nil)
)

// SpanLogger forwards entries to an inner logger, tagged with trace and span
// ids, and records them on a span. Error and Fatal mark the span as failed.
type SpanLogger struct {
	lg  Logger
	ser SpanEventRecorder
}

func NewSpanLogger(lg Logger, ser SpanEventRecorder) Logger {
	return &SpanLogger{lg: lg.Skip(1), ser: ser}
}

func (s *SpanLogger) Debug(msg string, keysAndValues ...any) {
	s.ser.RecordEvent(msg, s.spanFields(LevelDebug, keysAndValues)...)
	s.lg.Debug(msg, s.traceFields(keysAndValues)...)
}

func (s *SpanLogger) Info(msg string, keysAndValues ...any) {
	s.ser.RecordEvent(msg, s.spanFields(LevelInfo, keysAndValues)...)
	s.lg.Info(msg, s.traceFields(keysAndValues)...)
}

func (s *SpanLogger) Warn(msg string, keysAndValues ...any) {
	s.ser.RecordEvent(msg, s.spanFields(LevelWarn, keysAndValues)...)
	s.lg.Warn(msg, s.traceFields(keysAndValues)...)
}

func (s *SpanLogger) Error(msg string, keysAndValues ...any) {
	s.ser.RecordError(msg, s.spanFields(LevelError, keysAndValues)...)
	s.lg.Error(msg, s.traceFields(keysAndValues)...)
}

func (s *SpanLogger) Fatal(msg string, keysAndValues ...any) {
	s.ser.RecordError(msg, s.spanFields(LevelFatal, keysAndValues)...)
	s.lg.Fatal(msg, s.traceFields(keysAndValues)...)
}

func (s *SpanLogger) With(keysAndValues ...any) Logger {
	return &SpanLogger{lg: s.lg.With(keysAndValues...), ser: s.ser}
}

func (s *SpanLogger) Fields() []any { return s.lg.Fields() }

func (s *SpanLogger) Named(name string) Logger {
	return &SpanLogger{lg: s.lg.Named(name), ser: s.ser}
}

func (s *SpanLogger) Name() string { return s.lg.Name() }

func (s *SpanLogger) Skip(n int) Logger {
	return &SpanLogger{lg: s.lg.Skip(n), ser: s.ser}
}

func (s *SpanLogger) traceFields(keysAndValues []any) []any {
	return append([]any{"traceId", s.ser.TraceID(), "spanId", s.ser.SpanID()}, keysAndValues...)
}

// The span has no logger context of its own, so persistent fields are copied in.
func (s *SpanLogger) spanFields(level Level, keysAndValues []any) []any {
	out := append([]any{"level", string(level), "component", s.lg.Name()}, s.lg.Fields()...)
	return append(out, keysAndValues...)
}

// OtelSpanEventRecorder records log entries as OpenTelemetry span events.
type OtelSpanEventRecorder struct {
	span trace.Span
}

func NewOtelSpanEventRecorder(span trace.Span) *OtelSpanEventRecorder {
	return &OtelSpanEventRecorder{span: span}
}

func (r *OtelSpanEventRecorder) TraceID() string { return r.span.SpanContext().TraceID().String() }
func (r *OtelSpanEventRecorder) SpanID() string  { return r.span.SpanContext().SpanID().String() }

func (r *OtelSpanEventRecorder) RecordEvent(name string, keysAndValues ...any) {
	r.span.AddEvent(name, trace.WithAttributes(toAttributes(keysAndValues)...))
}

func (r *OtelSpanEventRecorder) RecordError(name string, keysAndValues ...any) {
	r.span.AddEvent(name, trace.WithAttributes(toAttributes(keysAndValues)...))
	r.span.SetStatus(codes.Error, name)
}

const (
	missingValue = "MISSING"
	badKeysKey   = "invalidKeysAndValues"
)

// toAttributes converts pairs to span attributes. A trailing key gets
// missingValue. A non-string key stops conversion and the remainder is
// stored under badKeysKey.
func toAttributes(keysAndValues []any) []attribute.KeyValue {
	if len(keysAndValues)%2 != 0 {
		keysAndValues = append(keysAndValues, missingValue)
	}

	attrs := make([]attribute.KeyValue, 0, len(keysAndValues)/2)
	for i := 0; i < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			attrs = append(attrs, attribute.String(badKeysKey, fmt.Sprint(keysAndValues[i:])))
			break
		}
		attrs = append(attrs, toAttribute(key, keysAndValues[i+1]))
	}
	return attrs
}

func toAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int8:
		return attribute.Int64(key, int64(v))
	case int16:
		return attribute.Int64(key, int64(v))
	case int32:
		return attribute.Int64(key, int64(v))
	case int64:
		return attribute.Int64(key, v)
	case uint8:
		return attribute.Int64(key, int64(v))
	case uint16:
		return attribute.Int64(key, int64(v))
	case uint32:
		return attribute.Int64(key, int64(v))
	case float32:
		return attribute.Float64(key, float64(v))
	case float64:
		return attribute.Float64(key, v)
	case string:
		return attribute.String(key, v)
	case fmt.Stringer:
		return attribute.String(key, v.String())
	case error:
		return attribute.String(key, v.Error())
	default:
		return attribute.String(key, fmt.Sprint(v))
	}
}
