package emit

import (
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordedSpans(t *testing.T, events ...Event) []sdktrace.ReadOnlySpan {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(t.Context()) })

	emitter := NewOTelEmitter(provider.Tracer("flowmach-test"))
	for _, event := range events {
		emitter.Emit(event)
	}
	return recorder.Ended()
}

func attributeMap(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	m := map[attribute.Key]attribute.Value{}
	for _, kv := range span.Attributes() {
		m[kv.Key] = kv.Value
	}
	return m
}

func TestOTelEmitterCreatesSpanPerEvent(t *testing.T) {
	spans := recordedSpans(t, Event{
		InstanceID: "wi-001",
		Workflow:   "order-flow",
		Position:   "/do/0/validate",
		Msg:        "task_started",
	})
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	span := spans[0]
	if span.Name() != "task_started" {
		t.Errorf("name = %q", span.Name())
	}
	attrs := attributeMap(span)
	if attrs["flowmach.instance_id"].AsString() != "wi-001" {
		t.Errorf("instance attribute = %v", attrs["flowmach.instance_id"])
	}
	if attrs["flowmach.workflow"].AsString() != "order-flow" {
		t.Errorf("workflow attribute = %v", attrs["flowmach.workflow"])
	}
	if attrs["flowmach.position"].AsString() != "/do/0/validate" {
		t.Errorf("position attribute = %v", attrs["flowmach.position"])
	}
	if span.Status().Code != codes.Unset {
		t.Errorf("status = %v, want unset", span.Status())
	}
}

func TestOTelEmitterMetaAttributes(t *testing.T) {
	spans := recordedSpans(t, Event{
		Msg: "task_retrying",
		Meta: map[string]any{
			"attempt": 3,
			"delay":   1500 * time.Millisecond,
			"ratio":   0.5,
			"final":   false,
			"tag":     "backoff",
			"shape":   []int{1, 2},
		},
	})
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	attrs := attributeMap(spans[0])
	if attrs["flowmach.attempt"].AsInt64() != 3 {
		t.Errorf("attempt = %v", attrs["flowmach.attempt"])
	}
	if attrs["flowmach.delay"].AsInt64() != 1500 {
		t.Errorf("delay = %v, want milliseconds", attrs["flowmach.delay"])
	}
	if attrs["flowmach.ratio"].AsFloat64() != 0.5 {
		t.Errorf("ratio = %v", attrs["flowmach.ratio"])
	}
	if attrs["flowmach.final"].AsBool() {
		t.Errorf("final = %v", attrs["flowmach.final"])
	}
	if attrs["flowmach.tag"].AsString() != "backoff" {
		t.Errorf("tag = %v", attrs["flowmach.tag"])
	}
	// Unknown types fall back to their string rendering.
	if attrs["flowmach.shape"].AsString() != "[1 2]" {
		t.Errorf("shape = %v", attrs["flowmach.shape"])
	}
}

func TestOTelEmitterErrorStatus(t *testing.T) {
	spans := recordedSpans(t, Event{
		Msg:  "task_faulted",
		Meta: map[string]any{"error": "card declined"},
	})
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	span := spans[0]
	if span.Status().Code != codes.Error || span.Status().Description != "card declined" {
		t.Errorf("status = %+v", span.Status())
	}
	if len(span.Events()) == 0 {
		t.Error("expected a recorded error event")
	}
}
