// Package hub fans realtime meeting updates out to per-meeting subscriber
// rooms. Rooms and clients carry their own locks; Publish never takes a
// hub-wide lock and never blocks on a slow subscriber.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onnwee/meeting-tender/backend/apperr"
	"github.com/onnwee/meeting-tender/backend/telemetry"
)

// Kind is a realtime message type.
type Kind string

const (
	KindTranscript    Kind = "transcript_update"
	KindSummary       Kind = "summary_update"
	KindActionItem    Kind = "action_item_update"
	KindMeetingStatus Kind = "meeting_status_update"
	KindParticipant   Kind = "participant_update"
)

// Message is the envelope delivered to subscribers.
type Message struct {
	Type      Kind      `json:"type"`
	MeetingID string    `json:"meetingId"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// DefaultBuffer is the per-client queue length used when Options.Buffer is zero.
const DefaultBuffer = 64

type Options struct {
	Buffer int
	Relay  Relay
	Logger *slog.Logger
}

// Hub owns every room and connected client.
type Hub struct {
	rooms   sync.Map // meeting id -> *room
	clients sync.Map // subscriber id -> *Client
	buffer  int
	relay   Relay
	log     *slog.Logger
	conns   atomic.Int64
}

func New(opts Options) *Hub {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With(slog.String("component", "hub"))
	}
	return &Hub{buffer: opts.Buffer, relay: opts.Relay, log: opts.Logger}
}

type room struct {
	mu      sync.RWMutex
	members map[string]*Client
	dead    bool
}

// Client is one connected subscriber. Messages arrive on C until Disconnect.
type Client struct {
	ID string
	C  <-chan Message

	ch      chan Message
	mu      sync.Mutex
	rooms   map[string]struct{}
	closed  bool
	dropped atomic.Int64
}

// Dropped reports how many messages were discarded because the buffer was full.
func (c *Client) Dropped() int64 { return c.dropped.Load() }

// Rooms returns the meeting ids the client is subscribed to.
func (c *Client) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	return out
}

func (c *Client) deliver(m Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.ch <- m:
		return true
	default:
		c.dropped.Add(1)
		telemetry.IncHubDropped()
		return false
	}
}

// Connect registers subscriberID, returning the existing client when already connected.
func (h *Hub) Connect(subscriberID string) *Client {
	c, _ := h.register(subscriberID)
	return c
}

// Attach registers subscriberID for a new stream. It fails with ErrConflict
// while another stream holds the id.
func (h *Hub) Attach(subscriberID string) (*Client, error) {
	c, fresh := h.register(subscriberID)
	if !fresh {
		return nil, fmt.Errorf("subscriber %s already connected: %w", subscriberID, apperr.ErrConflict)
	}
	return c, nil
}

func (h *Hub) register(subscriberID string) (*Client, bool) {
	ch := make(chan Message, h.buffer)
	c := &Client{ID: subscriberID, C: ch, ch: ch, rooms: map[string]struct{}{}}
	actual, loaded := h.clients.LoadOrStore(subscriberID, c)
	if loaded {
		return actual.(*Client), false
	}
	h.conns.Add(1)
	telemetry.AddHubSubscribers(1)
	h.log.Debug("subscriber connected", slog.String("subscriber", subscriberID))
	return c, true
}

// Subscribe adds subscriberID to the meeting's room. Repeats are no-ops.
func (h *Hub) Subscribe(meetingID, subscriberID string) error {
	v, ok := h.clients.Load(subscriberID)
	if !ok {
		return fmt.Errorf("subscriber %s: %w", subscriberID, apperr.ErrNotFound)
	}
	c := v.(*Client)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("subscriber %s: %w", subscriberID, apperr.ErrNotFound)
	}
	c.rooms[meetingID] = struct{}{}
	c.mu.Unlock()

	for {
		v, _ := h.rooms.LoadOrStore(meetingID, &room{members: map[string]*Client{}})
		r := v.(*room)
		r.mu.Lock()
		if r.dead {
			// lost a race with the last member leaving; retry with a fresh room
			r.mu.Unlock()
			continue
		}
		r.members[subscriberID] = c
		r.mu.Unlock()
		break
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		// disconnected while joining
		h.leaveRoom(meetingID, subscriberID)
		return fmt.Errorf("subscriber %s: %w", subscriberID, apperr.ErrNotFound)
	}
	return nil
}

// Unsubscribe removes subscriberID from the meeting's room. Safe when absent.
func (h *Hub) Unsubscribe(meetingID, subscriberID string) {
	if v, ok := h.clients.Load(subscriberID); ok {
		c := v.(*Client)
		c.mu.Lock()
		delete(c.rooms, meetingID)
		c.mu.Unlock()
	}
	h.leaveRoom(meetingID, subscriberID)
}

func (h *Hub) leaveRoom(meetingID, subscriberID string) {
	v, ok := h.rooms.Load(meetingID)
	if !ok {
		return
	}
	r := v.(*room)
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, subscriberID)
	if len(r.members) == 0 && !r.dead {
		r.dead = true
		h.rooms.CompareAndDelete(meetingID, r)
	}
}

// UnsubscribeAll removes subscriberID from every room it joined but keeps it connected.
func (h *Hub) UnsubscribeAll(subscriberID string) {
	v, ok := h.clients.Load(subscriberID)
	if !ok {
		return
	}
	c := v.(*Client)
	for _, id := range c.Rooms() {
		h.Unsubscribe(id, subscriberID)
	}
}

// Disconnect sweeps the subscriber out of all rooms and closes its channel.
func (h *Hub) Disconnect(subscriberID string) {
	v, ok := h.clients.LoadAndDelete(subscriberID)
	if !ok {
		return
	}
	c := v.(*Client)
	c.mu.Lock()
	rooms := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	c.rooms = map[string]struct{}{}
	c.closed = true
	close(c.ch)
	c.mu.Unlock()

	for _, id := range rooms {
		h.leaveRoom(id, subscriberID)
	}
	h.conns.Add(-1)
	telemetry.AddHubSubscribers(-1)
	h.log.Debug("subscriber disconnected", slog.String("subscriber", subscriberID), slog.Int("rooms", len(rooms)))
}

// Publish delivers to current members of the meeting's room and forwards the
// message to the relay when one is configured. It returns the local delivery count.
func (h *Hub) Publish(ctx context.Context, meetingID string, kind Kind, payload any) int {
	m := Message{Type: kind, MeetingID: meetingID, Payload: payload, Timestamp: time.Now().UTC()}
	n := h.deliver(m)
	telemetry.IncHubPublished(string(kind))
	if h.relay != nil {
		if err := h.relay.Publish(ctx, m); err != nil {
			h.log.Warn("relay publish failed", slog.String("meeting_id", meetingID), slog.String("kind", string(kind)), slog.Any("err", err))
		}
	}
	return n
}

func (h *Hub) deliver(m Message) int {
	v, ok := h.rooms.Load(m.MeetingID)
	if !ok {
		return 0
	}
	r := v.(*room)
	r.mu.RLock()
	members := make([]*Client, 0, len(r.members))
	for _, c := range r.members {
		members = append(members, c)
	}
	r.mu.RUnlock()

	n := 0
	for _, c := range members {
		if c.deliver(m) {
			n++
		}
	}
	return n
}

// Members lists subscriber ids currently in the meeting's room.
func (h *Hub) Members(meetingID string) []string {
	v, ok := h.rooms.Load(meetingID)
	if !ok {
		return nil
	}
	r := v.(*room)
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.members))
	for id := range r.members {
		out = append(out, id)
	}
	return out
}

// Connections returns the number of connected subscribers.
func (h *Hub) Connections() int { return int(h.conns.Load()) }

// Run consumes relayed messages from other instances until ctx is done.
// Without a relay it returns immediately.
func (h *Hub) Run(ctx context.Context) error {
	if h.relay == nil {
		return nil
	}
	return h.relay.Run(ctx, func(m Message) { h.deliver(m) })
}
