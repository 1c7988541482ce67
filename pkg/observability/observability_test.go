package observability

import (
	"bytes"
	"context"
	"testing"

	"github.com/ajitpratap0/memcap/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric/noop"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	UseTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))
	t.Cleanup(func() { _ = Shutdown(context.Background()) })
	return sr
}

func TestTaskTracerSpans(t *testing.T) {
	sr := newRecorder(t)
	tt := NewTaskTracer("q1", "q1.0")

	ctx, task := tt.StartTask(context.Background())
	require.NoError(t, tt.TraceDriver(ctx, 0, 0, func(context.Context) error { return nil }))

	capErr := errors.New(errors.ErrorTypeMemCapExceeded, "Exceeded memory cap of 5.00MB when requesting 2.00MB.")
	err := tt.TraceDriver(ctx, 0, 1, func(context.Context) error { return capErr })
	assert.Equal(t, error(capErr), err)
	task.RecordResult(err)
	task.End()

	spans := sr.Ended()
	require.Len(t, spans, 3)

	assert.Equal(t, "driver.run", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)

	failed := spans[1]
	assert.Equal(t, codes.Error, failed.Status().Code)
	assert.Equal(t, "mem_cap_exceeded: Exceeded memory cap of 5.00MB when requesting 2.00MB.", failed.Status().Description)
	var names []string
	for _, ev := range failed.Events() {
		names = append(names, ev.Name)
	}
	assert.Contains(t, names, "memory_cap_exceeded")

	assert.Equal(t, "task.run", spans[2].Name())
	assert.Equal(t, spans[2].SpanContext().SpanID(), spans[1].Parent().SpanID())
}

func TestSpanAttributes(t *testing.T) {
	sr := newRecorder(t)

	_, span := NewSpan(context.Background(), "op")
	span.SetAttribute("s", "v")
	span.SetAttribute("i", 3)
	span.SetAttribute("b", true)
	span.SetAttribute("other", struct{}{})
	span.End()

	spans := sr.Ended()
	require.Len(t, spans, 1)
	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "v", attrs["s"])
	assert.Equal(t, "3", attrs["i"])
	assert.Equal(t, "true", attrs["b"])
	assert.Equal(t, "{}", attrs["other"])
	assert.Contains(t, attrs, "duration_ms")
}

func TestInitializeStdoutExporter(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.ExporterType = "stdout"
	cfg.Writer = &buf

	require.NoError(t, Initialize(cfg))
	_, span := NewSpan(context.Background(), "exported-span")
	span.End()
	require.NoError(t, Shutdown(context.Background()))

	assert.Contains(t, buf.String(), "exported-span")
}

func TestInitializeUnknownExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExporterType = "zipkin"
	err := Initialize(cfg)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestTaskInstruments(t *testing.T) {
	inst, err := NewTaskInstrumentsFrom(noop.NewMeterProvider())
	require.NoError(t, err)
	inst.RecordTask(context.Background(), "q1", "finished", 4<<20)

	global, err := NewTaskInstruments()
	require.NoError(t, err)
	assert.NotNil(t, global)

	var none *TaskInstruments
	assert.NotPanics(t, func() { none.RecordTask(context.Background(), "q1", "aborted", 0) })
}
