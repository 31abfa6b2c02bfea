package observability

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestTraceRecordsStatus(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	setTracer(tp.Tracer("test"))
	t.Cleanup(func() { setTracer(nil) })

	ctx := context.Background()
	require.NoError(t, Trace(ctx, "part_loader", "upload_part", func(context.Context) error { return nil }))

	failure := errors.New("bucket unavailable")
	err := Trace(ctx, "upload_completer", "complete", func(context.Context) error { return failure })
	assert.Equal(t, failure, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "part_loader.upload_part", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Equal(t, "upload_completer.complete", spans[1].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Len(t, spans[1].Events(), 1, "error is recorded as an event")
}

func TestSpanAttributes(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	setTracer(tp.Tracer("test"))
	t.Cleanup(func() { setTracer(nil) })

	_, span := StartSpan(context.Background(), "part_loader", "upload_part")
	span.SetAttribute("object.key", "out/a.jsonl")
	span.SetAttribute("part.index", 3)
	span.SetAttribute("part.final", true)
	require.NoError(t, span.Finish(nil))

	attrs := map[string]string{}
	for _, kv := range recorder.Ended()[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "part_loader", attrs["pipeline.step"])
	assert.Equal(t, "out/a.jsonl", attrs["object.key"])
	assert.Equal(t, "3", attrs["part.index"])
	assert.Equal(t, "true", attrs["part.final"])
	assert.Contains(t, attrs, "duration_ms")
}

func TestInitializeExportsSpans(t *testing.T) {
	var out bytes.Buffer
	shutdown, err := Initialize(TracingConfig{ServiceName: "loader-test", Enabled: true, Output: &out})
	require.NoError(t, err)

	require.NoError(t, Trace(context.Background(), "dlq_loader", "flush", func(context.Context) error { return nil }))
	require.NoError(t, shutdown(context.Background()))

	assert.Contains(t, out.String(), "dlq_loader.flush")
}

func TestInitializeDisabledIsNoop(t *testing.T) {
	shutdown, err := Initialize(TracingConfig{})
	require.NoError(t, err)
	assert.NotNil(t, GetTracer())
	require.NoError(t, shutdown(context.Background()))
}
