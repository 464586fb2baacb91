package emit

import (
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingTracer() (*OTelEmitter, *tracetest.SpanRecorder) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	return NewOTelEmitter(tp.Tracer("flowrun-test")), sr
}

func TestOTelEmitter_NodeSpan(t *testing.T) {
	emitter, sr := newRecordingTracer()
	end := time.UnixMilli(1700000000000)

	emitter.Emit(Event{
		ExecutionID: "exec-1",
		Type:        NodeComplete,
		Timestamp:   end.UnixMilli(),
		NodeID:      "p1",
		NodeName:    "Summarize",
		Meta:        map[string]any{"duration_ms": int64(250), "tokens": 42, "model": "gpt-4o"},
	})

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name() != "flowrun.node_complete" {
		t.Errorf("unexpected span name %q", span.Name())
	}
	if got := span.EndTime().Sub(span.StartTime()); got != 250*time.Millisecond {
		t.Errorf("expected span to cover 250ms, got %v", got)
	}

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range span.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	if attrs["flowrun.execution_id"].AsString() != "exec-1" {
		t.Errorf("missing execution id attribute")
	}
	if attrs["flowrun.node_id"].AsString() != "p1" {
		t.Errorf("missing node id attribute")
	}
	if attrs["flowrun.llm.tokens"].AsInt64() != 42 {
		t.Errorf("expected tokens attribute 42, got %v", attrs["flowrun.llm.tokens"])
	}
	if attrs["flowrun.llm.model"].AsString() != "gpt-4o" {
		t.Errorf("expected model attribute")
	}
	if span.Status().Code != codes.Unset {
		t.Errorf("expected unset status, got %v", span.Status().Code)
	}
}

func TestOTelEmitter_ErrorStatus(t *testing.T) {
	emitter, sr := newRecordingTracer()

	emitter.Emit(Event{ExecutionID: "exec-1", Type: ExecutionError, Error: "node failed"})

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status().Code != codes.Error || spans[0].Status().Description != "node failed" {
		t.Errorf("unexpected status %+v", spans[0].Status())
	}
	if len(spans[0].Events()) == 0 {
		t.Error("expected recorded error event")
	}
}
