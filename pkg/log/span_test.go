package log

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

type recordedEvent struct {
	name   string
	fields []any
	failed bool
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeRecorder) TraceID() string { return "trace-1" }
func (f *fakeRecorder) SpanID() string  { return "span-1" }

func (f *fakeRecorder) RecordEvent(name string, keysAndValues ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{name: name, fields: keysAndValues})
}

func (f *fakeRecorder) RecordError(name string, keysAndValues ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{name: name, fields: keysAndValues, failed: true})
}

type fieldsLogger struct {
	NoopLogger
	name   string
	fields []any
	last   []any
}

func (l *fieldsLogger) Info(_ string, keysAndValues ...any)  { l.last = keysAndValues }
func (l *fieldsLogger) Error(_ string, keysAndValues ...any) { l.last = keysAndValues }
func (l *fieldsLogger) Fields() []any                        { return l.fields }
func (l *fieldsLogger) Name() string                         { return l.name }
func (l *fieldsLogger) Skip(int) Logger                      { return l }

func TestSpanLogger(t *testing.T) {
	inner := &fieldsLogger{name: "multisig", fields: []any{"safe", "0xabc"}}
	rec := &fakeRecorder{}
	lg := NewSpanLogger(inner, rec)

	lg.Info("signature added", "signer", "0x01")
	assert.Equal(t, []any{"traceId", "trace-1", "spanId", "span-1", "signer", "0x01"}, inner.last)

	lg.Error("execution failed")

	require.Len(t, rec.events, 2)
	assert.Equal(t, "signature added", rec.events[0].name)
	assert.False(t, rec.events[0].failed)
	assert.Equal(t, []any{"level", "info", "component", "multisig", "safe", "0xabc", "signer", "0x01"}, rec.events[0].fields)
	assert.True(t, rec.events[1].failed)
}

type hexString string

func (h hexString) String() string { return "0x" + string(h) }

func TestToAttributes(t *testing.T) {
	tcs := []struct {
		name string
		in   []any
		want []attribute.KeyValue
	}{
		{
			name: "typed values",
			in:   []any{"ok", true, "n", 7, "u", uint8(3), "f", 1.5, "s", "x", "h", hexString("ff")},
			want: []attribute.KeyValue{
				attribute.Bool("ok", true),
				attribute.Int("n", 7),
				attribute.Int64("u", 3),
				attribute.Float64("f", 1.5),
				attribute.String("s", "x"),
				attribute.String("h", "0xff"),
			},
		},
		{
			name: "dangling key",
			in:   []any{"k"},
			want: []attribute.KeyValue{attribute.String("k", missingValue)},
		},
		{
			name: "non string key",
			in:   []any{"a", 1, 2, "b"},
			want: []attribute.KeyValue{attribute.Int("a", 1), attribute.String(badKeysKey, "[2 b]")},
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, toAttributes(tc.in))
		})
	}
}
