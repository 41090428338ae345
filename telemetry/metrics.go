// Package telemetry provides Prometheus metrics, OpenTelemetry tracing and
// correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Pipeline
	StageJobs      *prometheus.CounterVec   // stage, outcome
	StageDuration  *prometheus.HistogramVec // stage
	QueueDepth     *prometheus.GaugeVec     // stage
	BarrierResults *prometheus.CounterVec   // result

	// Ingest
	ChunksIngested *prometheus.CounterVec // outcome

	// Lifecycle
	StatusTransitions *prometheus.CounterVec // to

	// Bot sessions
	ActiveBotSessions prometheus.Gauge
	BotEvents         *prometheus.CounterVec // kind
	HandlerFailures   *prometheus.CounterVec // kind

	// Realtime hub
	HubSubscribers prometheus.Gauge
	HubPublished   *prometheus.CounterVec // kind
	HubDropped     prometheus.Counter
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		StageJobs = promauto.NewCounterVec(prometheus.CounterOpts{Name: "meeting_stage_jobs_total", Help: "Pipeline jobs processed by stage and outcome"}, []string{"stage", "outcome"})
		StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "meeting_stage_job_duration_seconds", Help: "Pipeline job duration seconds", Buckets: prometheus.DefBuckets}, []string{"stage"})
		QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "meeting_queue_depth", Help: "Pending jobs per stage queue"}, []string{"stage"})
		BarrierResults = promauto.NewCounterVec(prometheus.CounterOpts{Name: "meeting_completion_barrier_total", Help: "Completion barrier results (completed, error, discarded)"}, []string{"result"})
		ChunksIngested = promauto.NewCounterVec(prometheus.CounterOpts{Name: "meeting_chunks_ingested_total", Help: "Audio chunks by ingest outcome"}, []string{"outcome"})
		StatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "meeting_status_transitions_total", Help: "Applied meeting status transitions by target"}, []string{"to"})
		ActiveBotSessions = promauto.NewGauge(prometheus.GaugeOpts{Name: "meeting_bot_sessions_active", Help: "Live bot sessions"})
		BotEvents = promauto.NewCounterVec(prometheus.CounterOpts{Name: "meeting_bot_events_total", Help: "Events received from bot sessions"}, []string{"kind"})
		HandlerFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "meeting_bot_handler_failures_total", Help: "Bot event handlers that errored or panicked"}, []string{"kind"})
		HubSubscribers = promauto.NewGauge(prometheus.GaugeOpts{Name: "meeting_hub_subscribers", Help: "Connected realtime subscribers"})
		HubPublished = promauto.NewCounterVec(prometheus.CounterOpts{Name: "meeting_hub_published_total", Help: "Realtime messages published by kind"}, []string{"kind"})
		HubDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "meeting_hub_dropped_total", Help: "Realtime messages dropped for slow subscribers"})
	})
}

// ObserveStageJob records one pipeline job.
func ObserveStageJob(stage, outcome string, d time.Duration) {
	if StageJobs == nil {
		return
	}
	StageJobs.WithLabelValues(stage, outcome).Inc()
	StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// SetQueueDepth records the pending job count for a stage.
func SetQueueDepth(stage string, n int64) {
	if QueueDepth != nil {
		QueueDepth.WithLabelValues(stage).Set(float64(n))
	}
}

func IncBarrier(result string) {
	if BarrierResults != nil {
		BarrierResults.WithLabelValues(result).Inc()
	}
}

func IncChunk(outcome string) {
	if ChunksIngested != nil {
		ChunksIngested.WithLabelValues(outcome).Inc()
	}
}

func IncTransition(to string) {
	if StatusTransitions != nil {
		StatusTransitions.WithLabelValues(to).Inc()
	}
}

func SetActiveBots(n int) {
	if ActiveBotSessions != nil {
		ActiveBotSessions.Set(float64(n))
	}
}

func IncBotEvent(kind string) {
	if BotEvents != nil {
		BotEvents.WithLabelValues(kind).Inc()
	}
}

func IncHandlerFailure(kind string) {
	if HandlerFailures != nil {
		HandlerFailures.WithLabelValues(kind).Inc()
	}
}

func AddHubSubscribers(delta int) {
	if HubSubscribers != nil {
		HubSubscribers.Add(float64(delta))
	}
}

func IncHubPublished(kind string) {
	if HubPublished != nil {
		HubPublished.WithLabelValues(kind).Inc()
	}
}

func IncHubDropped() {
	if HubDropped != nil {
		HubDropped.Inc()
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context carrying the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns the default logger with a corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
