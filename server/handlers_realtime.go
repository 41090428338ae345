package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/meeting-tender/backend/apperr"
	"github.com/onnwee/meeting-tender/backend/telemetry"
)

// heartbeatInterval keeps idle event streams open through proxies.
const heartbeatInterval = 25 * time.Second

// HandleRealtime streams hub messages as Server-Sent Events.
// GET /realtime?subscriber=<id>&meetings=<id>,<id>; the subscriber id is
// generated when absent and announced in the first "connected" event. An id
// held by another open stream is rejected with 409.
func (h *Handlers) HandleRealtime(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ctx := r.Context()
	subscriber := r.URL.Query().Get("subscriber")
	if subscriber == "" {
		subscriber = uuid.NewString()
	}
	var rooms []string
	for _, id := range strings.Split(r.URL.Query().Get("meetings"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			if _, err := h.meetings.Get(ctx, id); err != nil {
				writeError(w, r, err)
				return
			}
			rooms = append(rooms, id)
		}
	}

	client, err := h.hub.Attach(subscriber)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer h.hub.Disconnect(subscriber)
	for _, id := range rooms {
		if err := h.hub.Subscribe(id, subscriber); err != nil {
			writeError(w, r, err)
			return
		}
	}
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "realtime"), slog.String("subscriber", subscriber))
	log.Info("event stream opened", slog.Int("rooms", len(rooms)))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	hello, _ := json.Marshal(map[string]any{"subscriber": subscriber, "meetings": rooms})
	if _, err := fmt.Fprintf(w, "event: connected\ndata: %s\n\n", hello); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("event stream closed")
			return
		case <-h.ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case msg, ok := <-client.C:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				log.Warn("event encode failed", slog.String("type", string(msg.Type)), slog.Any("err", err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

type roomRequest struct {
	MeetingID string `json:"meeting_id"`
}

// HandleRealtimeJoin adds an open stream to a meeting's room.
func (h *Handlers) HandleRealtimeJoin(w http.ResponseWriter, r *http.Request) {
	var req roomRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.MeetingID == "" {
		writeError(w, r, fmt.Errorf("meeting_id is required: %w", apperr.ErrValidation))
		return
	}
	if _, err := h.meetings.Get(r.Context(), req.MeetingID); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.hub.Subscribe(req.MeetingID, r.PathValue("subscriber")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRealtimeLeave removes a stream from a meeting's room. Leaving a room
// that was never joined succeeds.
func (h *Handlers) HandleRealtimeLeave(w http.ResponseWriter, r *http.Request) {
	var req roomRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.MeetingID == "" {
		writeError(w, r, fmt.Errorf("meeting_id is required: %w", apperr.ErrValidation))
		return
	}
	h.hub.Unsubscribe(req.MeetingID, r.PathValue("subscriber"))
	w.WriteHeader(http.StatusNoContent)
}
