package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// setupTestTracer creates a test tracer with an in-memory span recorder
func setupTestTracer(t *testing.T) (*tracetest.SpanRecorder, trace.Tracer) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	return recorder, tp.Tracer("test-tracer")
}

func TestGetTraceContext(t *testing.T) {
	_, tracer := setupTestTracer(t)

	t.Run("returns empty context when ctx is nil", func(t *testing.T) {
		tc := GetTraceContext(nil)
		if tc.TraceID != "" || tc.SpanID != "" || tc.Sampled {
			t.Errorf("Expected zero TraceContext, got %+v", tc)
		}
	})

	t.Run("returns empty context when no span in context", func(t *testing.T) {
		tc := GetTraceContext(context.Background())
		if tc.TraceID != "" {
			t.Errorf("Expected empty TraceID, got %s", tc.TraceID)
		}
	})

	t.Run("extracts trace context from active span", func(t *testing.T) {
		ctx, span := tracer.Start(context.Background(), "test-operation")
		defer span.End()

		tc := GetTraceContext(ctx)
		if len(tc.TraceID) != 32 {
			t.Errorf("Expected 32-char TraceID, got %d chars: %s", len(tc.TraceID), tc.TraceID)
		}
		if len(tc.SpanID) != 16 {
			t.Errorf("Expected 16-char SpanID, got %d chars: %s", len(tc.SpanID), tc.SpanID)
		}
		if !tc.Sampled {
			t.Error("Expected Sampled to be true")
		}
	})
}

func TestAddSpanEvent(t *testing.T) {
	recorder, tracer := setupTestTracer(t)

	ctx, span := tracer.Start(context.Background(), "op")
	AddSpanEvent(ctx, "fanin_complete")
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 recorded span, got %d", len(spans))
	}
	events := spans[0].Events()
	if len(events) != 1 || events[0].Name != "fanin_complete" {
		t.Errorf("Expected fanin_complete event, got %+v", events)
	}

	// Safe with no span in context
	AddSpanEvent(context.Background(), "noop")
	AddSpanEvent(nil, "noop")
}

func TestRecordSpanError(t *testing.T) {
	recorder, tracer := setupTestTracer(t)

	ctx, span := tracer.Start(context.Background(), "op")
	RecordSpanError(ctx, errors.New("boom"))
	RecordSpanError(ctx, nil) // nil error must be ignored
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 recorded span, got %d", len(spans))
	}
	if len(spans[0].Events()) != 1 {
		t.Errorf("Expected exactly one exception event, got %d", len(spans[0].Events()))
	}
}
