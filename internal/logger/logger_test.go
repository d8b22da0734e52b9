package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestComponentAndTraceFields(t *testing.T) {
	var buf bytes.Buffer
	log := Component(New(&buf, "debug", "json"), "finalizer")

	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	traced := WithTrace(ctx, log)
	traced.Info().Msg("scored")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["component"] != "finalizer" {
		t.Errorf("component = %v", line["component"])
	}
	if line["trace_id"] != traceID.String() {
		t.Errorf("trace_id = %v", line["trace_id"])
	}
	if line["span_id"] != spanID.String() {
		t.Errorf("span_id = %v", line["span_id"])
	}
}

func TestWithTraceWithoutSpan(t *testing.T) {
	var buf bytes.Buffer
	log := WithTrace(context.Background(), New(&buf, "info", "json"))
	log.Info().Msg("plain")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := line["trace_id"]; ok {
		t.Fatal("trace_id must be absent without an active span")
	}
}

func TestUnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "loud", "json")
	log.Debug().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug line written at fallback info level: %s", buf.String())
	}
}
