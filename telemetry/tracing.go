package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName names every span this service emits.
const TracerName = "meeting-tender"

// Span attribute keys shared by pipeline and HTTP spans.
const (
	AttrMeetingID = attribute.Key("meeting.id")
	AttrStage     = attribute.Key("pipeline.stage")
	AttrChunk     = attribute.Key("meeting.chunk")
	AttrEvent     = attribute.Key("meeting.event")
	AttrCorr      = attribute.Key("correlation_id")
)

type TracingConfig struct {
	Endpoint string
	Service  string
	Version  string
	// SampleRatio of root traces to keep; 0 or anything >= 1 keeps all.
	SampleRatio float64
}

// TracingFromEnv reads OTEL_EXPORTER_OTLP_ENDPOINT and OTEL_TRACES_SAMPLER_ARG.
func TracingFromEnv(service, version string) TracingConfig {
	cfg := TracingConfig{Endpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), Service: service, Version: version}
	if v, err := strconv.ParseFloat(os.Getenv("OTEL_TRACES_SAMPLER_ARG"), 64); err == nil {
		cfg.SampleRatio = v
	}
	return cfg
}

func (c TracingConfig) sampler() sdktrace.Sampler {
	if c.SampleRatio <= 0 || c.SampleRatio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.SampleRatio))
}

// InitTracing installs an OTLP/gRPC exporter. Without an endpoint spans stay
// no-ops and the returned shutdown does nothing.
func InitTracing(cfg TracingConfig) (func(), error) {
	if cfg.Endpoint == "" {
		slog.Info("tracing disabled: OTEL_EXPORTER_OTLP_ENDPOINT not set")
		return func() {}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithInsecure(), otlptracegrpc.WithEndpoint(cfg.Endpoint))
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.Service),
		semconv.ServiceVersion(cfg.Version),
	))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(cfg.sampler()),
	)
	otel.SetTracerProvider(tp)
	slog.Info("tracing initialized",
		slog.String("service", cfg.Service),
		slog.String("endpoint", cfg.Endpoint),
		slog.Float64("sample_ratio", cfg.SampleRatio))

	return func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := tp.Shutdown(sctx); err != nil {
			slog.Error("failed to shutdown tracer provider", slog.Any("err", err))
		}
	}, nil
}

func start(ctx context.Context, name string, kind trace.SpanKind, attrs []attribute.KeyValue) (context.Context, trace.Span) {
	if corr := GetCorrelation(ctx); corr != "" {
		attrs = append(attrs, AttrCorr.String(corr))
	}
	return otel.Tracer(TracerName).Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// StageSpan starts the span for one pipeline job on a meeting. The span is
// named pipeline.<stage> and always carries the meeting id and stage.
func StageSpan(ctx context.Context, stage, meetingID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	base := make([]attribute.KeyValue, 0, len(attrs)+3)
	base = append(base, AttrMeetingID.String(meetingID), AttrStage.String(stage))
	return start(ctx, "pipeline."+stage, trace.SpanKindConsumer, append(base, attrs...))
}

// RequestSpan starts the server span for an API request.
func RequestSpan(ctx context.Context, r *http.Request) (context.Context, trace.Span) {
	return start(ctx, r.Method+" "+r.URL.Path, trace.SpanKindServer, []attribute.KeyValue{
		semconv.HTTPMethod(r.Method),
		semconv.HTTPRoute(r.URL.Path),
		attribute.String("http.url", r.URL.String()),
	})
}

// EndRequestSpan records the response code and ends the span. Client and
// server errors both mark it failed.
func EndRequestSpan(span trace.Span, code int) {
	span.SetAttributes(semconv.HTTPStatusCode(code))
	if code >= 400 {
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", code))
	}
	span.End()
}

// RecordError records err on the span and marks it failed. nil is ignored.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func SetSpanSuccess(span trace.Span) { span.SetStatus(codes.Ok, "") }
