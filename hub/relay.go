package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Relay carries messages between hub instances.
type Relay interface {
	Publish(ctx context.Context, m Message) error
	// Run delivers messages published by other instances until ctx is done.
	Run(ctx context.Context, deliver func(Message)) error
}

// ChannelPrefix namespaces relay channels; the full name is meetings.<id>.
const ChannelPrefix = "meetings."

type relayEnvelope struct {
	Origin  string  `json:"origin"`
	Message Message `json:"message"`
}

// RedisRelay relays over Redis pub/sub. Messages published by this instance are
// ignored on receipt since Publish already delivered them locally.
type RedisRelay struct {
	client *redis.Client
	origin string
	log    *slog.Logger
}

func NewRedisRelay(client *redis.Client) *RedisRelay {
	return &RedisRelay{
		client: client,
		origin: uuid.NewString(),
		log:    slog.Default().With(slog.String("component", "hub_relay")),
	}
}

func (r *RedisRelay) Publish(ctx context.Context, m Message) error {
	data, err := json.Marshal(relayEnvelope{Origin: r.origin, Message: m})
	if err != nil {
		return fmt.Errorf("marshal relay message: %w", err)
	}
	if err := r.client.Publish(ctx, ChannelPrefix+m.MeetingID, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (r *RedisRelay) Run(ctx context.Context, deliver func(Message)) error {
	sub := r.client.PSubscribe(ctx, ChannelPrefix+"*")
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	r.log.Info("relay subscribed", slog.String("pattern", ChannelPrefix+"*"))
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.log.Warn("dropping malformed relay message", slog.String("channel", msg.Channel), slog.Any("err", err))
				continue
			}
			if env.Origin == r.origin {
				continue
			}
			if env.Message.MeetingID == "" {
				env.Message.MeetingID = strings.TrimPrefix(msg.Channel, ChannelPrefix)
			}
			deliver(env.Message)
		}
	}
}
