package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		ok   bool
	}{
		{"debug", slog.LevelDebug, true},
		{" WARN ", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"", slog.LevelInfo, false},
		{"verbose", slog.LevelInfo, false},
	}
	for _, tt := range tests {
		got, ok := ParseLevel(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestNewWithWriter_Levels(t *testing.T) {
	ctx := context.Background()

	if !New("debug", "text").Enabled(ctx, slog.LevelDebug) {
		t.Error("debug logger should enable debug")
	}
	if New("error", "text").Enabled(ctx, slog.LevelInfo) {
		t.Error("error logger should not enable info")
	}
	if !New("bogus", "json").Enabled(ctx, slog.LevelInfo) {
		t.Error("unknown level should fall back to info")
	}
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(&buf, "info", "json").Info("provisioned", "tier", "starter")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if rec["msg"] != "provisioned" || rec["tier"] != "starter" {
		t.Errorf("unexpected record %v", rec)
	}
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	Component(NewWithWriter(&buf, "info", "text"), "reconciler").Info("sweep")

	if !strings.Contains(buf.String(), "component=reconciler") {
		t.Errorf("expected component attribute, got %s", buf.String())
	}
	if Component(nil, "x") == nil {
		t.Error("nil logger should fall back to the default")
	}
}

func TestRequestID(t *testing.T) {
	ctx := context.Background()
	if id := RequestID(ctx); id != "" {
		t.Errorf("expected empty request id, got %q", id)
	}
	ctx = WithRequestID(WithRequestID(ctx, "first"), "second")
	if id := RequestID(ctx); id != "second" {
		t.Errorf("expected 'second', got %q", id)
	}
}

func TestFromContext(t *testing.T) {
	if FromContext(context.Background()) != slog.Default() {
		t.Error("expected default logger when none is stored")
	}
	custom := New("debug", "json")
	if FromContext(WithLogger(context.Background(), custom)) != custom {
		t.Error("expected stored logger")
	}
}

func TestWithDefault(t *testing.T) {
	fallback := New("info", "text")
	if FromContext(WithDefault(context.Background(), fallback)) != fallback {
		t.Error("expected fallback when ctx carries no logger")
	}
	stored := New("debug", "json")
	if FromContext(WithDefault(WithLogger(context.Background(), stored), fallback)) != stored {
		t.Error("expected the stored logger to win over the fallback")
	}
	if FromContext(WithDefault(context.Background(), nil)) != slog.Default() {
		t.Error("expected nil fallback to leave ctx alone")
	}
}

func TestL_AttachesRequestAndTrace(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "json"))
	ctx = WithRequestID(ctx, "req-456")

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx = trace.ContextWithSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	}))

	L(ctx).Info("handled")

	out := buf.String()
	if !strings.Contains(out, `"request_id":"req-456"`) {
		t.Errorf("expected request_id, got %s", out)
	}
	if !strings.Contains(out, `"trace_id":"4bf92f3577b34da6a3ce929d0e0e4736"`) {
		t.Errorf("expected trace_id, got %s", out)
	}
}

func TestL_NoScopeReturnsStoredLogger(t *testing.T) {
	custom := New("info", "text")
	if L(WithLogger(context.Background(), custom)) != custom {
		t.Error("expected the stored logger unchanged when nothing is in scope")
	}
}

func TestWithInstance_AddsAttributes(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "json"))
	ctx = WithInstance(ctx, "inst-1", "provision")

	L(ctx).Info("step done")

	out := buf.String()
	if !strings.Contains(out, `"instance_id":"inst-1"`) {
		t.Errorf("expected instance_id attribute, got %s", out)
	}
	if !strings.Contains(out, `"op":"provision"`) {
		t.Errorf("expected op attribute, got %s", out)
	}
}
