package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/meeting-tender/backend/apperr"
)

// IRCSource is a presence-only source over Twitch IRC: the room is the
// channel named by SessionConfig.ExternalID. JOIN and PART become participant
// events and EndCommand from the broadcaster or a moderator ends the meeting.
// It never produces audio.
type IRCSource struct {
	Username   string
	Token      string
	EndCommand string
	// ConnectTimeout bounds the wait for the IRC handshake.
	ConnectTimeout time.Duration
	// Address overrides the Twitch IRC endpoint; a custom address is dialled
	// without TLS.
	Address string
}

func (s *IRCSource) Join(ctx context.Context, meetingID string, cfg SessionConfig) (*Attachment, error) {
	channel := strings.TrimPrefix(strings.ToLower(cfg.ExternalID), "#")
	if channel == "" {
		return nil, fmt.Errorf("irc source needs a channel: %w", apperr.ErrValidation)
	}
	token := s.Token
	if cfg.Credentials != "" {
		token = cfg.Credentials
	}
	client := twitch.NewClient(s.Username, token)
	if s.Address != "" {
		client.IrcAddress = s.Address
		client.TLS = false
	}
	client.Capabilities = []string{twitch.TagsCapability, twitch.CommandsCapability, twitch.MembershipCapability}

	log := slog.Default().With(slog.String("component", "bot_irc"), slog.String("meeting_id", meetingID), slog.String("channel", channel))
	events := make(chan Event)
	stop := make(chan struct{})
	emit := func(ev Event) {
		select {
		case events <- ev:
		case <-stop:
		}
	}

	endCmd := s.EndCommand
	if endCmd == "" {
		endCmd = "!endmeeting"
	}
	client.OnUserJoinMessage(func(m twitch.UserJoinMessage) {
		if m.Channel != channel {
			return
		}
		emit(ParticipantJoined{ID: m.User, Name: m.User, Role: "viewer", At: time.Now().UTC()})
	})
	client.OnUserPartMessage(func(m twitch.UserPartMessage) {
		if m.Channel != channel {
			return
		}
		emit(ParticipantLeft{ID: m.User, Name: m.User, At: time.Now().UTC()})
	})
	client.OnPrivateMessage(func(m twitch.PrivateMessage) {
		if strings.TrimSpace(m.Message) != endCmd {
			return
		}
		if m.User.Badges["broadcaster"] == 0 && m.User.Badges["moderator"] == 0 {
			log.Info("ignoring end command from regular user", slog.String("user", m.User.Name))
			return
		}
		emit(Ended{Reason: "end command from " + m.User.Name})
	})

	connected := make(chan struct{})
	var connectOnce sync.Once
	client.OnConnect(func() { connectOnce.Do(func() { close(connected) }) })

	connErr := make(chan error, 1)
	client.Join(channel)
	go func() {
		defer close(events)
		err := client.Connect()
		if err != nil && !errors.Is(err, twitch.ErrClientDisconnected) {
			log.Warn("irc connection ended", slog.Any("err", err))
		}
		connErr <- err
	}()

	var stopOnce sync.Once
	closeFn := func() error {
		stopOnce.Do(func() {
			close(stop)
			_ = client.Disconnect()
		})
		return nil
	}

	timeout := s.ConnectTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	select {
	case <-connected:
		return &Attachment{Events: events, Close: closeFn}, nil
	case err := <-connErr:
		_ = closeFn()
		return nil, fmt.Errorf("irc connect: %w: %w", apperr.ErrTransientIO, err)
	case <-time.After(timeout):
		_ = closeFn()
		return nil, fmt.Errorf("irc connect timed out after %s: %w", timeout, apperr.ErrTransientIO)
	case <-ctx.Done():
		_ = closeFn()
		return nil, ctx.Err()
	}
}
