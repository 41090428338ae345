package server

import (
	"context"
	"net/http"
	"time"

	"github.com/onnwee/meeting-tender/backend/bot"
	"github.com/onnwee/meeting-tender/backend/worker"
)

// HandleHealthz answers liveness checks. It never touches dependencies.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz runs every readiness check in order and reports the first failure.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	for _, check := range h.ready {
		if err := check.Fn(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.Name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statusResponse struct {
	Stages      []worker.Stats    `json:"stages"`
	Bots        []bot.SessionInfo `json:"bots"`
	Subscribers int               `json:"subscribers"`
	Time        time.Time         `json:"time"`
}

// HandleStatus reports pipeline, bot and realtime load.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Stages: []worker.Stats{},
		Bots:   []bot.SessionInfo{},
		Time:   time.Now().UTC(),
	}
	if h.pipeline != nil {
		resp.Stages = h.pipeline.Stats(r.Context())
	}
	if h.bots != nil {
		if active := h.bots.Active(); active != nil {
			resp.Bots = active
		}
	}
	if h.hub != nil {
		resp.Subscribers = h.hub.Connections()
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleBotsList returns every live bot session.
func (h *Handlers) HandleBotsList(w http.ResponseWriter, r *http.Request) {
	out := h.bots.Active()
	if out == nil {
		out = []bot.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleBotStatus returns the live session for one meeting.
func (h *Handlers) HandleBotStatus(w http.ResponseWriter, r *http.Request) {
	info, ok := h.bots.Status(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no bot session"})
		return
	}
	writeJSON(w, http.StatusOK, info)
}
