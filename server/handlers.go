package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/onnwee/meeting-tender/backend/apperr"
	"github.com/onnwee/meeting-tender/backend/config"
	"github.com/onnwee/meeting-tender/backend/telemetry"
)

// maxJSONBody bounds request bodies other than chunk uploads.
const maxJSONBody = 1 << 20

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	ctx      context.Context
	meetings Meetings
	pipeline Pipeline
	bots     Bots
	hub      Realtime
	ready    []Check
	cfg      *config.Config
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, d Deps) *Handlers {
	return &Handlers{
		ctx:      ctx,
		meetings: d.Meetings,
		pipeline: d.Pipeline,
		bots:     d.Bots,
		hub:      d.Hub,
		ready:    d.Ready,
		cfg:      d.Config,
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps application errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case apperr.IsValidation(err):
		return http.StatusBadRequest
	case apperr.IsNotFound(err):
		return http.StatusNotFound
	case apperr.IsConflict(err), apperr.IsInvalidTransition(err):
		return http.StatusConflict
	case apperr.IsTransient(err), apperr.IsStageFailure(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError logs server-side failures and writes a JSON error body.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		telemetry.LoggerWithCorr(r.Context()).Error("request failed",
			slog.String("component", "http"),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Any("err", err))
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// decodeJSON reads a bounded JSON body into v; malformed input is a validation error.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("request body: %v: %w", err, apperr.ErrValidation)
	}
	return nil
}
