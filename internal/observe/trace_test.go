package observe

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// useTracerProvider installs an in-memory tracer provider as the global one
// for the duration of the test.
func useTracerProvider(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return exp
}

// useDefaultLogger routes slog.Default into a JSON buffer at level.
func useDefaultLogger(t *testing.T, level slog.Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: level})))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

// logLines decodes every JSON log record in buf.
func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	dec := json.NewDecoder(buf)
	for dec.More() {
		var rec map[string]any
		if err := dec.Decode(&rec); err != nil {
			t.Fatalf("decode log line: %v", err)
		}
		out = append(out, rec)
	}
	return out
}

func TestStartSpan_SessionSpans(t *testing.T) {
	exp := useTracerProvider(t)

	ctx, parent := StartSpan(context.Background(), "session",
		trace.WithAttributes(attribute.String("session.id", "s-1")),
	)
	_, child := StartSpan(ctx, "session.connect")
	child.End()
	parent.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	connect, session := spans[0], spans[1]
	if connect.Name != "session.connect" || session.Name != "session" {
		t.Fatalf("span names = %q, %q", connect.Name, session.Name)
	}
	if connect.Parent.SpanID() != session.SpanContext.SpanID() {
		t.Error("session.connect is not a child of session")
	}
	if connect.InstrumentationScope.Name != tracerName {
		t.Errorf("scope = %q, want %q", connect.InstrumentationScope.Name, tracerName)
	}
	var id string
	for _, kv := range session.Attributes {
		if kv.Key == "session.id" {
			id = kv.Value.AsString()
		}
	}
	if id != "s-1" {
		t.Errorf("session.id attribute = %q, want s-1", id)
	}
}

func TestCorrelationID(t *testing.T) {
	useTracerProvider(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without span = %q, want empty", got)
	}

	ctx, span := StartSpan(context.Background(), "op")
	defer span.End()
	want := span.SpanContext().TraceID().String()
	if got := CorrelationID(ctx); got != want {
		t.Errorf("CorrelationID = %q, want trace id %q", got, want)
	}

	_, other := StartSpan(context.Background(), "op")
	defer other.End()
	if other.SpanContext().TraceID().String() == want {
		t.Error("independent root spans share a trace id")
	}
}

func TestLoggerFrom_EnrichesBaseLogger(t *testing.T) {
	useTracerProvider(t)

	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil)).With("session_id", "s-1")

	ctx, span := StartSpan(context.Background(), "session")
	defer span.End()
	LoggerFrom(ctx, base).Info("session open")

	lines := logLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("got %d log lines, want 1", len(lines))
	}
	rec := lines[0]
	if rec["session_id"] != "s-1" {
		t.Errorf("session_id = %v, base attributes lost", rec["session_id"])
	}
	if rec["trace_id"] != span.SpanContext().TraceID().String() {
		t.Errorf("trace_id = %v, want %s", rec["trace_id"], span.SpanContext().TraceID())
	}
	if rec["span_id"] != span.SpanContext().SpanID().String() {
		t.Errorf("span_id = %v, want %s", rec["span_id"], span.SpanContext().SpanID())
	}
}

func TestLoggerFrom_NoSpanKeepsBase(t *testing.T) {
	base := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	if got := LoggerFrom(context.Background(), base); got != base {
		t.Error("LoggerFrom without a span returned a different logger")
	}
}

func TestLogger_UsesDefault(t *testing.T) {
	useTracerProvider(t)
	buf := useDefaultLogger(t, slog.LevelInfo)

	ctx, span := StartSpan(context.Background(), "op")
	Logger(ctx).Info("with span")
	span.End()
	Logger(context.Background()).Info("without span")

	lines := logLines(t, buf)
	if len(lines) != 2 {
		t.Fatalf("got %d log lines, want 2", len(lines))
	}
	if _, ok := lines[0]["trace_id"]; !ok {
		t.Error("record inside a span has no trace_id")
	}
	if _, ok := lines[1]["trace_id"]; ok {
		t.Error("record outside a span has a trace_id")
	}
}
