package emit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns execution events into OpenTelemetry spans.
//
// Every event becomes an instant span named after its type. When the event
// carries "duration_ms" in Meta (node_complete, node_error and the terminal
// execution events do) the span start is back-dated so the span covers the
// measured work.
//
//	tracer := otel.Tracer("flowrun")
//	emitter := emit.NewOTelEmitter(tracer)
type OTelEmitter struct {
	tracer trace.Tracer
}

func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

func (o *OTelEmitter) Emit(event Event) {
	end := event.Time()
	if event.Timestamp == 0 {
		end = time.Now()
	}
	start := end
	if d, ok := durationMeta(event.Meta); ok {
		start = end.Add(-d)
	}

	_, span := o.tracer.Start(context.Background(), "flowrun."+string(event.Type), trace.WithTimestamp(start))
	span.SetAttributes(
		attribute.String("flowrun.execution_id", event.ExecutionID),
		attribute.Int("flowrun.progress", event.Progress),
		attribute.Int("flowrun.completed_nodes", event.CompletedNodes),
		attribute.Int("flowrun.total_nodes", event.TotalNodes),
	)
	if event.NodeID != "" {
		span.SetAttributes(
			attribute.String("flowrun.node_id", event.NodeID),
			attribute.String("flowrun.node_name", event.NodeName),
		)
	}
	o.addMetaAttributes(span, event.Meta)

	if event.Error != "" {
		span.SetStatus(codes.Error, event.Error)
		span.RecordError(errors.New(event.Error))
	}
	span.End(trace.WithTimestamp(end))
}

func (o *OTelEmitter) addMetaAttributes(span trace.Span, meta map[string]any) {
	for key, value := range meta {
		attrKey := "flowrun." + key
		switch key {
		case "tokens":
			attrKey = "flowrun.llm.tokens"
		case "model":
			attrKey = "flowrun.llm.model"
		case "duration_ms":
			attrKey = "flowrun.node.latency_ms"
		}

		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, v))
		case int:
			span.SetAttributes(attribute.Int(attrKey, v))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, v))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, v))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, v))
		case time.Duration:
			span.SetAttributes(attribute.Int64(attrKey, v.Milliseconds()))
		default:
			span.SetAttributes(attribute.String(attrKey, fmt.Sprintf("%v", v)))
		}
	}
}

func durationMeta(meta map[string]any) (time.Duration, bool) {
	switch v := meta["duration_ms"].(type) {
	case int64:
		return time.Duration(v) * time.Millisecond, true
	case int:
		return time.Duration(v) * time.Millisecond, true
	case float64:
		return time.Duration(v * float64(time.Millisecond)), true
	}
	return 0, false
}
