package bot

import (
	"context"
	"time"
)

// Event is one of AudioChunk, ParticipantJoined, ParticipantLeft or Ended.
type Event interface {
	kind() string
}

type AudioChunk struct {
	Index       int
	Timestamp   float64 // seconds since the meeting started
	DurationSec float64
	Data        []byte
}

type ParticipantJoined struct {
	ID   string
	Name string
	Role string
	At   time.Time
}

type ParticipantLeft struct {
	ID   string
	Name string
	At   time.Time
}

type Ended struct {
	Reason string
}

func (AudioChunk) kind() string        { return "audio_chunk" }
func (ParticipantJoined) kind() string { return "participant_joined" }
func (ParticipantLeft) kind() string   { return "participant_left" }
func (Ended) kind() string             { return "ended" }

// Handlers receive session events. Nil handlers are skipped. Ended is always
// followed by the registry's own transition to PROCESSING and leave.
type Handlers struct {
	Audio             func(ctx context.Context, meetingID string, e AudioChunk) error
	ParticipantJoined func(ctx context.Context, meetingID string, e ParticipantJoined) error
	ParticipantLeft   func(ctx context.Context, meetingID string, e ParticipantLeft) error
	Ended             func(ctx context.Context, meetingID string, e Ended) error
}

func (h Handlers) dispatch(ctx context.Context, meetingID string, ev Event) error {
	switch e := ev.(type) {
	case AudioChunk:
		if h.Audio != nil {
			return h.Audio(ctx, meetingID, e)
		}
	case ParticipantJoined:
		if h.ParticipantJoined != nil {
			return h.ParticipantJoined(ctx, meetingID, e)
		}
	case ParticipantLeft:
		if h.ParticipantLeft != nil {
			return h.ParticipantLeft(ctx, meetingID, e)
		}
	case Ended:
		if h.Ended != nil {
			return h.Ended(ctx, meetingID, e)
		}
	}
	return nil
}
