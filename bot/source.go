package bot

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onnwee/meeting-tender/backend/apperr"
)

// SessionConfig carries what a source needs to attach to a room.
type SessionConfig struct {
	ExternalID  string // conferencing room id
	Credentials string
	Language    string
}

// Attachment is a live connection to a room. Events is closed when the
// transport ends, after Close or on an unrecoverable error.
type Attachment struct {
	Events <-chan Event
	Close  func() error
}

// Source attaches to external rooms.
type Source interface {
	Join(ctx context.Context, meetingID string, cfg SessionConfig) (*Attachment, error)
}

// ScriptedSource replays a fixed event sequence on every join. It backs the
// demo mode and tests.
type ScriptedSource struct {
	Script []Event
	// Interval between events. Zero emits as fast as the session consumes.
	Interval time.Duration
	// FailJoins makes the first FailJoins calls to Join fail transiently.
	FailJoins int32
	// HoldOpen keeps Events open after the script until Close.
	HoldOpen bool

	joins atomic.Int32
}

// Joins is the number of Join calls seen, failed ones included.
func (s *ScriptedSource) Joins() int { return int(s.joins.Load()) }

func (s *ScriptedSource) Join(ctx context.Context, meetingID string, cfg SessionConfig) (*Attachment, error) {
	if n := s.joins.Add(1); n <= s.FailJoins {
		return nil, fmt.Errorf("scripted join %d for %s: %w", n, meetingID, apperr.ErrTransientIO)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	events := make(chan Event)
	stop := make(chan struct{})
	var once sync.Once
	go func() {
		defer close(events)
		for _, ev := range s.Script {
			if s.Interval > 0 {
				select {
				case <-time.After(s.Interval):
				case <-stop:
					return
				}
			}
			select {
			case events <- ev:
			case <-stop:
				return
			}
		}
		if s.HoldOpen {
			<-stop
		}
	}()
	return &Attachment{
		Events: events,
		Close: func() error {
			once.Do(func() { close(stop) })
			return nil
		},
	}, nil
}

// DemoScript is a short meeting: two participants, n text chunks of five
// seconds each, a leave and the end of the meeting. Chunk payloads are UTF-8
// so the mock transcriber reads them back as speech.
func DemoScript(n int) []Event {
	now := time.Now().UTC()
	lines := []string{
		"Welcome everyone, let's review the launch plan.",
		"Ana will send the updated deck by Friday.",
		"Do we have budget approval for the extra servers?",
		"Yes, finance approved it this morning.",
		"Great, Ben will book the load test for next week.",
	}
	script := []Event{
		ParticipantJoined{ID: "ana", Name: "Ana", Role: "host", At: now},
		ParticipantJoined{ID: "ben", Name: "Ben", Role: "attendee", At: now},
	}
	for i := 0; i < n; i++ {
		script = append(script, AudioChunk{
			Index:       i,
			Timestamp:   float64(i * 5),
			DurationSec: 5,
			Data:        []byte(lines[i%len(lines)]),
		})
	}
	return append(script,
		ParticipantLeft{ID: "ben", Name: "Ben", At: now.Add(time.Duration(n*5) * time.Second)},
		Ended{Reason: "host ended meeting"},
	)
}
