package bot

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/onnwee/meeting-tender/backend/apperr"
)

// WebSocketSource attaches to a media gateway that streams JSON frames:
//
//	{"type":"audio_chunk","index":3,"timestamp":15,"duration":5,"data":"<base64>"}
//	{"type":"participant_joined","participant":{"id":"u1","name":"Ana","role":"host"},"timestamp":"2026-01-02T15:04:05Z"}
//	{"type":"participant_left","participant":{"id":"u1"},"timestamp":"..."}
//	{"type":"meeting_ended","reason":"host left"}
type WebSocketSource struct {
	URL    string
	Origin string
}

type wsParticipant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

type wsFrame struct {
	Type        string         `json:"type"`
	Index       int            `json:"index"`
	Timestamp   flexTime       `json:"timestamp"`
	Duration    float64        `json:"duration"`
	Data        []byte         `json:"data"`
	Participant *wsParticipant `json:"participant"`
	Reason      string         `json:"reason"`
}

func (f wsFrame) event() (Event, bool) {
	switch f.Type {
	case "audio_chunk":
		return AudioChunk{Index: f.Index, Timestamp: f.Timestamp.Seconds, DurationSec: f.Duration, Data: f.Data}, true
	case "participant_joined":
		if f.Participant == nil {
			return nil, false
		}
		return ParticipantJoined{ID: f.Participant.ID, Name: f.Participant.Name, Role: f.Participant.Role, At: f.Timestamp.timeOrNow()}, true
	case "participant_left":
		if f.Participant == nil {
			return nil, false
		}
		return ParticipantLeft{ID: f.Participant.ID, Name: f.Participant.Name, At: f.Timestamp.timeOrNow()}, true
	case "meeting_ended":
		return Ended{Reason: f.Reason}, true
	}
	return nil, false
}

func (s *WebSocketSource) Join(ctx context.Context, meetingID string, cfg SessionConfig) (*Attachment, error) {
	u, err := url.Parse(s.URL)
	if err != nil {
		return nil, fmt.Errorf("websocket url: %w", apperr.ErrValidation)
	}
	q := u.Query()
	q.Set("meeting", meetingID)
	if cfg.ExternalID != "" {
		q.Set("room", cfg.ExternalID)
	}
	u.RawQuery = q.Encode()

	origin := s.Origin
	if origin == "" {
		origin = "http://localhost/"
	}
	wcfg, err := websocket.NewConfig(u.String(), origin)
	if err != nil {
		return nil, fmt.Errorf("websocket config: %w", apperr.ErrValidation)
	}
	if cfg.Credentials != "" {
		wcfg.Header.Set("Authorization", "Bearer "+cfg.Credentials)
	}
	ws, err := wcfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w: %w", apperr.ErrTransientIO, err)
	}

	log := slog.Default().With(slog.String("component", "bot_websocket"), slog.String("meeting_id", meetingID))
	events := make(chan Event)
	stop := make(chan struct{})
	var once sync.Once
	closeFn := func() error {
		var err error
		once.Do(func() {
			close(stop)
			err = ws.Close()
		})
		return err
	}

	go func() {
		defer close(events)
		for {
			var f wsFrame
			if err := websocket.JSON.Receive(ws, &f); err != nil {
				select {
				case <-stop:
				default:
					log.Warn("websocket receive ended", slog.Any("err", err))
				}
				return
			}
			ev, ok := f.event()
			if !ok {
				log.Debug("ignoring frame", slog.String("type", f.Type))
				continue
			}
			select {
			case events <- ev:
			case <-stop:
				return
			}
		}
	}()
	return &Attachment{Events: events, Close: closeFn}, nil
}

// flexTime accepts either seconds as a number or an RFC 3339 string.
type flexTime struct {
	Seconds float64
	Time    time.Time
}

func (t *flexTime) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		parsed, err := time.Parse(`"`+time.RFC3339Nano+`"`, string(b))
		if err != nil {
			return err
		}
		t.Time = parsed.UTC()
		return nil
	}
	if string(b) == "null" {
		return nil
	}
	v, err := strconv.ParseFloat(string(b), 64)
	t.Seconds = v
	return err
}

func (t flexTime) timeOrNow() time.Time {
	if t.Time.IsZero() {
		return time.Now().UTC()
	}
	return t.Time
}
