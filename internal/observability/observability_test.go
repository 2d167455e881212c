package observability

import (
	"context"
	"errors"
	"testing"
)

func TestStartSpan(t *testing.T) {
	tests := []struct {
		name     string
		spanName string
		data     map[string]any
	}{
		{
			name:     "span with nil data",
			spanName: "run",
			data:     nil,
		},
		{
			name:     "span with empty data",
			spanName: "model.invoke",
			data:     map[string]any{},
		},
		{
			name:     "span with string data",
			spanName: "tool.dispatch",
			data: map[string]any{
				"tool.name":         "calculator",
				"drover.session_id": "default",
			},
		},
		{
			name:     "span with mixed data types",
			spanName: "delegation",
			data: map[string]any{
				"drover.iteration": 3,
				"drover.elapsed":   1.25,
				"drover.paused":    false,
				"drover.tools":     []string{"calculator", "clock"},
			},
		},
		{
			name:     "span with empty name",
			spanName: "",
			data:     map[string]any{"test": "data"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, span := StartSpan(context.Background(), tt.spanName, tt.data)

			if span == nil {
				t.Fatal("StartSpan returned nil span")
			}
			if ctx == nil {
				t.Fatal("StartSpan returned nil context")
			}
			if span.Name() != tt.spanName {
				t.Errorf("span.Name() = %v, want %v", span.Name(), tt.spanName)
			}
			if span.IsEnded() {
				t.Error("span reports ended before End was called")
			}

			span.End()

			if !span.IsEnded() {
				t.Error("span does not report ended after End")
			}
		})
	}
}

func TestSpanEndIdempotent(t *testing.T) {
	_, span := StartSpan(context.Background(), "idempotent", nil)

	span.End()
	span.End()
	span.End()

	if !span.IsEnded() {
		t.Error("span does not report ended")
	}
}

func TestSpanZeroValue(t *testing.T) {
	var span Span

	// None of these may panic on an unstarted span.
	span.End()
	span.SetAttribute("key", "value")
	span.SetError(errors.New("boom"))

	if span.Name() != "" {
		t.Errorf("zero value span.Name() = %v, want empty", span.Name())
	}
	if span.Context() == nil {
		t.Error("zero value span.Context() returned nil")
	}
}

func TestSpanNilReceiver(t *testing.T) {
	var span *Span

	span.End()
	span.SetAttribute("key", 1)
	span.SetError(errors.New("boom"))

	if span.IsEnded() {
		t.Error("nil span reports ended")
	}
	if span.Name() != "" {
		t.Error("nil span reports a name")
	}
}

func TestSpanAttributesAndErrors(t *testing.T) {
	_, span := StartSpan(context.Background(), "attrs", nil)
	defer span.End()

	span.SetAttribute("drover.session_id", "user-42")
	span.SetAttribute("drover.iteration", 7)
	span.SetAttribute("drover.duration_ms", int64(1500))
	span.SetAttribute("drover.score", 0.93)
	span.SetAttribute("drover.ok", true)
	span.SetAttribute("drover.other", struct{ X int }{X: 1})
	span.SetError(errors.New("model call failed"))
	span.SetError(nil)
}

func TestSpanConcurrent(t *testing.T) {
	done := make(chan bool, 10)

	for i := 0; i < 10; i++ {
		go func(id int) {
			_, span := StartSpan(context.Background(), "concurrent", map[string]any{"id": id})
			span.End()
			done <- true
		}(i)
	}

	for i := 0; i < 10; i++ {
		<-done
	}
}

func TestInitDisabled(t *testing.T) {
	if err := Init(Config{Enabled: false}); err != nil {
		t.Fatalf("Init(disabled) error: %v", err)
	}

	// Spans still work without an exporter.
	_, span := StartSpan(context.Background(), "disabled", nil)
	span.End()

	if err := Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}
}

func TestInitUnknownExporter(t *testing.T) {
	err := Init(Config{Enabled: true, ExporterType: "carrier-pigeon"})
	if err == nil {
		t.Fatal("expected error for unknown exporter type")
	}
}

func TestParseHeaders(t *testing.T) {
	tests := []struct {
		raw  string
		want map[string]string
	}{
		{"", nil},
		{"Authorization=Basic abc123", map[string]string{"Authorization": "Basic abc123"}},
		{"a=1,b=2", map[string]string{"a": "1", "b": "2"}},
		{" a = 1 , b = 2 ", map[string]string{"a": "1", "b": "2"}},
		{"novalue", nil},
	}

	for _, tt := range tests {
		got := parseHeaders(tt.raw)
		if len(got) != len(tt.want) {
			t.Errorf("parseHeaders(%q) = %v, want %v", tt.raw, got, tt.want)
			continue
		}
		for k, v := range tt.want {
			if got[k] != v {
				t.Errorf("parseHeaders(%q)[%s] = %v, want %v", tt.raw, k, got[k], v)
			}
		}
	}
}
