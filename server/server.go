// Package server exposes the HTTP API: health, status and metrics, meeting
// management, the conferencing webhook ingress and the realtime event stream.
// Every request carries a correlation ID that flows into logs and spans.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/meeting-tender/backend/analysis"
	"github.com/onnwee/meeting-tender/backend/bot"
	"github.com/onnwee/meeting-tender/backend/config"
	"github.com/onnwee/meeting-tender/backend/hub"
	"github.com/onnwee/meeting-tender/backend/ingest"
	"github.com/onnwee/meeting-tender/backend/meetings"
	"github.com/onnwee/meeting-tender/backend/pipeline"
	"github.com/onnwee/meeting-tender/backend/store"
	"github.com/onnwee/meeting-tender/backend/telemetry"
	"github.com/onnwee/meeting-tender/backend/worker"
)

// Meetings is the application service behind the meeting routes.
type Meetings interface {
	Create(ctx context.Context, in meetings.CreateInput) (*store.Meeting, error)
	Get(ctx context.Context, id string) (*store.Meeting, error)
	GetByExternalID(ctx context.Context, externalID string) (*store.Meeting, error)
	List(ctx context.Context, status store.Status, page store.Page) ([]store.Meeting, error)
	Start(ctx context.Context, id string) (*store.Meeting, error)
	End(ctx context.Context, id string) (*store.Meeting, error)
	Delete(ctx context.Context, id string) error

	Transcript(ctx context.Context, id string, page store.Page) ([]store.TranscriptSegment, error)
	Summaries(ctx context.Context, id string) ([]store.Summary, error)
	ActionItems(ctx context.Context, id string) ([]store.ActionItem, error)
	Topics(ctx context.Context, id string) ([]store.Topic, error)
	Participants(ctx context.Context, id string) ([]store.Participant, error)
	Analytics(ctx context.Context, id string) (*store.Analytics, error)
	Search(ctx context.Context, meetingID, query string, limit int) ([]analysis.SearchHit, error)

	IngestAudio(ctx context.Context, c ingest.Chunk) (ingest.Outcome, error)
	Event(ctx context.Context, ev pipeline.Event) error
}

// Pipeline reports per-stage worker statistics.
type Pipeline interface {
	Stats(ctx context.Context) []worker.Stats
}

// Bots lists live bot sessions.
type Bots interface {
	Active() []bot.SessionInfo
	Status(meetingID string) (bot.SessionInfo, bool)
}

// Realtime is the subscriber side of the notification hub.
type Realtime interface {
	Attach(subscriberID string) (*hub.Client, error)
	Subscribe(meetingID, subscriberID string) error
	Unsubscribe(meetingID, subscriberID string)
	Disconnect(subscriberID string)
	Connections() int
}

// Check is one readiness check.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Deps wires the HTTP surface.
type Deps struct {
	Meetings Meetings
	Pipeline Pipeline
	Bots     Bots
	Hub      Realtime
	Ready    []Check
	Config   *config.Config
}

// NewMux returns the HTTP handler with all routes.
// The provided context bounds the rate limiter cleanup goroutine and open event streams.
func NewMux(ctx context.Context, d Deps) http.Handler {
	if d.Config == nil {
		d.Config = &config.Config{}
	}
	authCfg := newAuthConfig(d.Config)
	limiter := newIPRateLimiter(ctx, newRateLimiterConfig(d.Config))
	corsCfg := newCORSConfig(d.Config)

	h := NewHandlers(ctx, d)
	limited := func(fn http.HandlerFunc) http.Handler { return rateLimitMiddleware(fn, limiter) }
	admin := func(fn http.HandlerFunc) http.Handler { return adminAuth(fn, authCfg) }

	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)
	mux.HandleFunc("GET /status", h.HandleStatus)

	mux.Handle("GET /bots", admin(h.HandleBotsList))
	mux.Handle("GET /bots/{id}", admin(h.HandleBotStatus))

	mux.HandleFunc("GET /meetings", h.HandleMeetingsList)
	mux.HandleFunc("POST /meetings", h.HandleMeetingCreate)
	mux.HandleFunc("GET /meetings/search", h.HandleSearch)
	mux.HandleFunc("GET /meetings/{id}", h.HandleMeetingGet)
	mux.Handle("DELETE /meetings/{id}", admin(h.HandleMeetingDelete))
	mux.HandleFunc("POST /meetings/{id}/start", h.HandleMeetingStart)
	mux.HandleFunc("POST /meetings/{id}/end", h.HandleMeetingEnd)
	mux.HandleFunc("GET /meetings/{id}/transcript", h.HandleTranscript)
	mux.HandleFunc("GET /meetings/{id}/summaries", h.HandleSummaries)
	mux.HandleFunc("GET /meetings/{id}/action-items", h.HandleActionItems)
	mux.HandleFunc("GET /meetings/{id}/topics", h.HandleTopics)
	mux.HandleFunc("GET /meetings/{id}/participants", h.HandleParticipants)
	mux.HandleFunc("GET /meetings/{id}/analytics", h.HandleAnalytics)
	mux.HandleFunc("GET /meetings/{id}/search", h.HandleSearch)
	mux.Handle("POST /meetings/{id}/chunks", limited(h.HandleChunkUpload))

	mux.Handle("POST /webhooks/conference", limited(h.HandleConferenceWebhook))

	mux.HandleFunc("GET /realtime", h.HandleRealtime)
	mux.HandleFunc("POST /realtime/{subscriber}/join", h.HandleRealtimeJoin)
	mux.HandleFunc("POST /realtime/{subscriber}/leave", h.HandleRealtimeLeave)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.RequestSpan(ctx, r)

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		mux.ServeHTTP(rec, r.WithContext(ctx))

		telemetry.EndRequestSpan(span, rec.statusCode)
	})
	return withCORSConfig(handler, corsCfg)
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
		// no WriteTimeout: /realtime streams stay open
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
