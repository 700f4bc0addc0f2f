package log_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"

	"github.com/erc7824/nitrolite/keyring/pkg/log"
)

func TestFromContext(t *testing.T) {
	t.Run("empty context", func(t *testing.T) {
		_, ok := log.FromContext(context.Background()).(log.NoopLogger)
		assert.True(t, ok)
	})

	t.Run("nil logger", func(t *testing.T) {
		ctx := log.WithContext(context.Background(), nil)
		_, ok := log.FromContext(ctx).(log.NoopLogger)
		assert.True(t, ok)
	})

	t.Run("stored logger", func(t *testing.T) {
		ctx := log.WithContext(context.Background(), log.NewZapLogger(log.Config{Output: "discard"}))
		_, ok := log.FromContext(ctx).(*log.ZapLogger)
		assert.True(t, ok)
	})

	t.Run("span wraps logger", func(t *testing.T) {
		ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
			TraceID: [16]byte{1},
			SpanID:  [8]byte{1},
		}))
		ctx = log.WithContext(ctx, log.NewZapLogger(log.Config{Output: "discard"}))
		_, ok := log.FromContext(ctx).(*log.SpanLogger)
		assert.True(t, ok)
	})
}
