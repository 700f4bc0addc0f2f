package log

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

type ctxKey struct{}

// WithContext stores lg in ctx. A nil logger stores a NoopLogger. When ctx
// carries a valid span the logger is wrapped so entries reach the span too.
func WithContext(ctx context.Context, lg Logger) context.Context {
	if lg == nil {
		lg = NewNoopLogger()
	}
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		lg = NewSpanLogger(lg, NewOtelSpanEventRecorder(span))
	}
	return context.WithValue(ctx, ctxKey{}, lg)
}

// FromContext returns the logger stored by WithContext or a NoopLogger.
func FromContext(ctx context.Context) Logger {
	if lg, ok := ctx.Value(ctxKey{}).(Logger); ok {
		return lg
	}
	return NewNoopLogger()
}
