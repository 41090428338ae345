package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/meeting-tender/backend/apperr"
	"github.com/onnwee/meeting-tender/backend/pipeline"
	"github.com/onnwee/meeting-tender/backend/telemetry"
)

// conferenceWebhook is the payload posted by the conferencing system.
// meeting_id is the conferencing room id, not ours.
type conferenceWebhook struct {
	Event       string          `json:"event"`
	MeetingID   string          `json:"meeting_id"`
	UserID      string          `json:"user_id"`
	UserName    string          `json:"user_name"`
	Role        string          `json:"role"`
	Timestamp   json.RawMessage `json:"timestamp"`
	PlaybackURL string          `json:"playback_url"`
}

var webhookKinds = map[string]pipeline.EventKind{
	"participant_joined": pipeline.EventParticipantJoined,
	"participant_left":   pipeline.EventParticipantLeft,
	"meeting_started":    pipeline.EventMeetingStarted,
	"meeting_ended":      pipeline.EventMeetingEnded,
	"recording_ready":    pipeline.EventRecordingReady,
}

// parseWebhookTime accepts RFC 3339 strings and Unix epoch milliseconds.
// An absent timestamp yields the zero time.
func parseWebhookTime(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), nil
		}
		return time.Parse(time.RFC3339Nano, s)
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

// HandleConferenceWebhook verifies the signature when a secret is configured,
// resolves the room to a meeting and queues the event. Unknown rooms and event
// types are acknowledged and ignored so the sender does not retry them.
func (h *Handlers) HandleConferenceWebhook(w http.ResponseWriter, r *http.Request) {
	log := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "webhook"))
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err != nil {
		writeError(w, r, fmt.Errorf("webhook body: %v: %w", err, apperr.ErrValidation))
		return
	}
	if secret := h.cfg.WebhookSecret; secret != "" && !validSignature(secret, body, r.Header.Get(signatureHeader)) {
		log.Warn("webhook signature rejected", slog.String("remote_addr", r.RemoteAddr))
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid signature"})
		return
	}

	var p conferenceWebhook
	if err := json.Unmarshal(body, &p); err != nil {
		writeError(w, r, fmt.Errorf("webhook payload: %v: %w", err, apperr.ErrValidation))
		return
	}
	kind, ok := webhookKinds[strings.ReplaceAll(strings.ToLower(p.Event), "-", "_")]
	if !ok {
		log.Warn("unknown webhook event", slog.String("event", p.Event))
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if p.MeetingID == "" {
		writeError(w, r, fmt.Errorf("webhook %s: meeting_id is required: %w", p.Event, apperr.ErrValidation))
		return
	}
	at, err := parseWebhookTime(p.Timestamp)
	if err != nil {
		writeError(w, r, fmt.Errorf("webhook timestamp: %v: %w", err, apperr.ErrValidation))
		return
	}

	m, err := h.meetings.GetByExternalID(r.Context(), p.MeetingID)
	if apperr.IsNotFound(err) {
		log.Info("webhook for unknown meeting", slog.String("external_id", p.MeetingID), slog.String("event", p.Event))
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	ev := pipeline.Event{
		Kind:          kind,
		MeetingID:     m.ID,
		ParticipantID: p.UserID,
		Name:          p.UserName,
		Role:          p.Role,
		At:            at,
		RecordingURL:  p.PlaybackURL,
	}
	if err := h.meetings.Event(r.Context(), ev); err != nil {
		writeError(w, r, err)
		return
	}
	log.Debug("webhook queued", slog.String("meeting_id", m.ID), slog.String("event", string(kind)))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}
