package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/meeting-tender/backend/apperr"
	"github.com/onnwee/meeting-tender/backend/config"
	"github.com/onnwee/meeting-tender/backend/hub"
	"github.com/onnwee/meeting-tender/backend/queue"
	"github.com/onnwee/meeting-tender/backend/store"
	"github.com/onnwee/meeting-tender/backend/telemetry"
)

// EventKind names an events-stage job.
type EventKind string

const (
	EventParticipantJoined EventKind = "participant_joined"
	EventParticipantLeft   EventKind = "participant_left"
	EventMeetingStarted    EventKind = "meeting_started"
	EventMeetingEnded      EventKind = "meeting_ended"
	EventRecordingReady    EventKind = "recording_ready"
)

// Event is a participant or meeting event from a webhook, a bot or the API.
// Handling is idempotent: redelivery leaves the same state behind.
type Event struct {
	Kind          EventKind `json:"kind"`
	MeetingID     string    `json:"meeting_id"`
	ParticipantID string    `json:"participant_id,omitempty"`
	Name          string    `json:"name,omitempty"`
	Role          string    `json:"role,omitempty"`
	At            time.Time `json:"at"`
	RecordingURL  string    `json:"recording_url,omitempty"`
}

func (e Event) validate() error {
	if e.MeetingID == "" {
		return fmt.Errorf("event %s: missing meeting id: %w", e.Kind, apperr.ErrValidation)
	}
	switch e.Kind {
	case EventParticipantJoined, EventParticipantLeft:
		if e.ParticipantID == "" {
			return fmt.Errorf("event %s: missing participant id: %w", e.Kind, apperr.ErrValidation)
		}
	case EventRecordingReady:
		if e.RecordingURL == "" {
			return fmt.Errorf("event %s: missing recording url: %w", e.Kind, apperr.ErrValidation)
		}
	case EventMeetingStarted, EventMeetingEnded:
	default:
		return fmt.Errorf("unknown event kind %q: %w", e.Kind, apperr.ErrValidation)
	}
	return nil
}

// ParticipantUpdate is the participant_update payload.
type ParticipantUpdate struct {
	Action      string            `json:"action"` // joined | left
	Participant store.Participant `json:"participant"`
}

// RecordingUpdate is published as a meeting_status_update when a recording
// becomes available.
type RecordingUpdate struct {
	Status       store.Status `json:"status"`
	RecordingURL string       `json:"recording_url"`
}

func (c *Coordinator) handleEvent(ctx context.Context, job *queue.Job) error {
	var ev Event
	if err := job.Decode(&ev); err != nil {
		return fmt.Errorf("event payload: %w: %w", apperr.ErrValidation, err)
	}
	if err := ev.validate(); err != nil {
		return err
	}
	if ev.At.IsZero() {
		ev.At = job.EnqueuedAt.UTC()
	}
	ctx, span := telemetry.StageSpan(ctx, config.StageEvents, ev.MeetingID, telemetry.AttrEvent.String(string(ev.Kind)))
	defer span.End()
	log := c.log.With(slog.String("stage", config.StageEvents), slog.String("meeting_id", ev.MeetingID), slog.String("event", string(ev.Kind)))

	err := c.applyEvent(ctx, ev)
	switch {
	case err == nil:
		telemetry.SetSpanSuccess(span)
		return nil
	case apperr.IsNotFound(err):
		log.Debug("event for unknown meeting dropped")
		return nil
	case apperr.IsInvalidTransition(err):
		// a late or out-of-order lifecycle event; the state machine already moved on
		log.Info("event ignored", slog.Any("err", err))
		return nil
	}
	telemetry.RecordError(span, err)
	return err
}

func (c *Coordinator) applyEvent(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case EventParticipantJoined:
		p := store.Participant{MeetingID: ev.MeetingID, ExternalID: ev.ParticipantID, Name: ev.Name, Role: ev.Role, JoinTime: ev.At}
		if err := c.store.UpsertParticipantJoin(ctx, p); err != nil {
			return err
		}
		c.publish(ctx, ev.MeetingID, hub.KindParticipant, ParticipantUpdate{Action: "joined", Participant: p})
	case EventParticipantLeft:
		if err := c.store.MarkParticipantLeft(ctx, ev.MeetingID, ev.ParticipantID, ev.At); err != nil {
			return err
		}
		at := ev.At
		c.publish(ctx, ev.MeetingID, hub.KindParticipant, ParticipantUpdate{Action: "left", Participant: store.Participant{
			MeetingID: ev.MeetingID, ExternalID: ev.ParticipantID, Name: ev.Name, LeaveTime: &at,
		}})
	case EventMeetingStarted:
		return c.lc.RequestTransition(ctx, ev.MeetingID, store.StatusLive)
	case EventMeetingEnded:
		return c.lc.RequestTransition(ctx, ev.MeetingID, store.StatusProcessing)
	case EventRecordingReady:
		if err := c.store.SetRecordingURL(ctx, ev.MeetingID, ev.RecordingURL); err != nil {
			return err
		}
		m, err := c.store.GetMeeting(ctx, ev.MeetingID)
		if err != nil {
			return err
		}
		c.publish(ctx, ev.MeetingID, hub.KindMeetingStatus, RecordingUpdate{Status: m.Status, RecordingURL: ev.RecordingURL})
	}
	return nil
}
