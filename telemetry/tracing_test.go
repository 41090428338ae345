package telemetry

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func attrs(s sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := map[attribute.Key]attribute.Value{}
	for _, kv := range s.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestStageSpanCarriesMeetingAndStage(t *testing.T) {
	rec := recordSpans(t)
	ctx := WithCorrelation(context.Background(), "corr-1")

	_, span := StageSpan(ctx, "transcription", "m-1", AttrChunk.Int(4))
	RecordError(span, errors.New("whisper unavailable"))
	span.End()

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d", len(ended))
	}
	s := ended[0]
	if s.Name() != "pipeline.transcription" {
		t.Errorf("name = %q", s.Name())
	}
	a := attrs(s)
	if a[AttrMeetingID].AsString() != "m-1" || a[AttrStage].AsString() != "transcription" {
		t.Errorf("attributes = %v", a)
	}
	if a[AttrChunk].AsInt64() != 4 || a[AttrCorr].AsString() != "corr-1" {
		t.Errorf("attributes = %v", a)
	}
	if s.Status().Code != codes.Error {
		t.Errorf("status = %v", s.Status())
	}
}

func TestEndRequestSpanMarksClientErrors(t *testing.T) {
	rec := recordSpans(t)
	for _, code := range []int{200, 404} {
		_, span := RequestSpan(context.Background(), httptest.NewRequest("GET", "/meetings/x", nil))
		EndRequestSpan(span, code)
	}
	ended := rec.Ended()
	if len(ended) != 2 {
		t.Fatalf("ended spans = %d", len(ended))
	}
	if ended[0].Name() != "GET /meetings/x" || ended[0].Status().Code == codes.Error {
		t.Errorf("200 span: %s %v", ended[0].Name(), ended[0].Status())
	}
	if ended[1].Status().Code != codes.Error {
		t.Errorf("404 span status = %v", ended[1].Status())
	}
}

func TestTracingConfigSampler(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.25")
	cfg := TracingFromEnv("svc", "v1")
	if cfg.SampleRatio != 0.25 || cfg.Endpoint != "" {
		t.Fatalf("cfg = %+v", cfg)
	}
	shutdown, err := InitTracing(cfg)
	if err != nil {
		t.Fatal(err)
	}
	shutdown()
	if got := (TracingConfig{}).sampler().Description(); got != sdktrace.ParentBased(sdktrace.AlwaysSample()).Description() {
		t.Errorf("default sampler = %s", got)
	}
}
