package hub

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/meeting-tender/backend/apperr"
)

func recv(t *testing.T, c *Client) Message {
	t.Helper()
	select {
	case m := <-c.C:
		return m
	case <-time.After(time.Second):
		t.Fatalf("client %s: no message", c.ID)
		return Message{}
	}
}

func assertEmpty(t *testing.T, c *Client) {
	t.Helper()
	select {
	case m, ok := <-c.C:
		if ok {
			t.Fatalf("client %s: unexpected message %+v", c.ID, m)
		}
	default:
	}
}

func TestPublishOnlyReachesRoomMembers(t *testing.T) {
	h := New(Options{})
	a := h.Connect("a")
	b := h.Connect("b")
	if err := h.Subscribe("m1", "a"); err != nil {
		t.Fatal(err)
	}
	if err := h.Subscribe("m2", "b"); err != nil {
		t.Fatal(err)
	}

	if n := h.Publish(context.Background(), "m1", KindTranscript, map[string]string{"text": "hi"}); n != 1 {
		t.Errorf("delivered = %d, want 1", n)
	}
	m := recv(t, a)
	if m.Type != KindTranscript || m.MeetingID != "m1" || m.Timestamp.IsZero() {
		t.Errorf("unexpected envelope %+v", m)
	}
	assertEmpty(t, b)
}

func TestSubscribeIdempotent(t *testing.T) {
	h := New(Options{})
	a := h.Connect("a")
	for i := 0; i < 3; i++ {
		if err := h.Subscribe("m1", "a"); err != nil {
			t.Fatal(err)
		}
	}
	if got := len(h.Members("m1")); got != 1 {
		t.Fatalf("members = %d, want 1", got)
	}
	h.Publish(context.Background(), "m1", KindSummary, nil)
	recv(t, a)
	assertEmpty(t, a)

	h.Unsubscribe("m1", "a")
	h.Unsubscribe("m1", "a")
	if got := len(h.Members("m1")); got != 0 {
		t.Errorf("members after unsubscribe = %d, want 0", got)
	}
}

func TestSubscribeUnknownSubscriber(t *testing.T) {
	h := New(Options{})
	if err := h.Subscribe("m1", "ghost"); !apperr.IsNotFound(err) {
		t.Errorf("Subscribe(ghost) err = %v, want not found", err)
	}
}

func TestDisconnectSweepsAllRooms(t *testing.T) {
	h := New(Options{})
	a := h.Connect("a")
	for _, id := range []string{"m1", "m2", "m3"} {
		if err := h.Subscribe(id, "a"); err != nil {
			t.Fatal(err)
		}
	}
	h.Disconnect("a")
	for _, id := range []string{"m1", "m2", "m3"} {
		if got := h.Members(id); len(got) != 0 {
			t.Errorf("room %s members = %v, want none", id, got)
		}
	}
	if _, ok := <-a.C; ok {
		t.Error("channel should be closed after disconnect")
	}
	if h.Connections() != 0 {
		t.Errorf("connections = %d, want 0", h.Connections())
	}
	// publishing after disconnect is harmless
	if n := h.Publish(context.Background(), "m1", KindSummary, nil); n != 0 {
		t.Errorf("delivered = %d, want 0", n)
	}
}

func TestUnsubscribeAllKeepsConnection(t *testing.T) {
	h := New(Options{})
	a := h.Connect("a")
	_ = h.Subscribe("m1", "a")
	_ = h.Subscribe("m2", "a")
	h.UnsubscribeAll("a")
	if len(a.Rooms()) != 0 {
		t.Errorf("rooms = %v, want none", a.Rooms())
	}
	if err := h.Subscribe("m3", "a"); err != nil {
		t.Errorf("client should still be connected: %v", err)
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	h := New(Options{Buffer: 2})
	slow := h.Connect("slow")
	_ = h.Subscribe("m1", "slow")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.Publish(context.Background(), "m1", KindTranscript, i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber buffer")
	}
	if slow.Dropped() != 8 {
		t.Errorf("dropped = %d, want 8", slow.Dropped())
	}
}

func TestConcurrentSubscribeAndPublish(t *testing.T) {
	h := New(Options{Buffer: 1024})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("s%d", i)
		h.Connect(id)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = h.Subscribe("m1", id)
				h.Unsubscribe("m1", id)
			}
			_ = h.Subscribe("m1", id)
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				h.Publish(context.Background(), "m1", KindParticipant, j)
			}
		}()
	}
	wg.Wait()
	if got := len(h.Members("m1")); got != 20 {
		t.Errorf("members = %d, want 20", got)
	}
}

type fakeRelay struct {
	mu        sync.Mutex
	published []Message
	inbound   chan Message
}

func (f *fakeRelay) Publish(_ context.Context, m Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, m)
	return nil
}

func (f *fakeRelay) Run(ctx context.Context, deliver func(Message)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-f.inbound:
			deliver(m)
		}
	}
}

func TestRelayForwardsAndDelivers(t *testing.T) {
	relay := &fakeRelay{inbound: make(chan Message)}
	h := New(Options{Relay: relay})
	a := h.Connect("a")
	_ = h.Subscribe("m1", "a")

	h.Publish(context.Background(), "m1", KindMeetingStatus, "LIVE")
	recv(t, a)
	relay.mu.Lock()
	if len(relay.published) != 1 {
		t.Errorf("relayed = %d, want 1", len(relay.published))
	}
	relay.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.Run(ctx) }()
	relay.inbound <- Message{Type: KindSummary, MeetingID: "m1"}
	if m := recv(t, a); m.Type != KindSummary {
		t.Errorf("relayed message type = %s, want %s", m.Type, KindSummary)
	}
}

func TestAttachRejectsHeldID(t *testing.T) {
	h := New(Options{})
	a, err := h.Attach("a")
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Subscribe("m1", "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Attach("a"); !apperr.IsConflict(err) {
		t.Fatalf("second attach = %v, want conflict", err)
	}
	if h.Connections() != 1 {
		t.Errorf("connections = %d", h.Connections())
	}
	h.Publish(context.Background(), "m1", KindSummary, nil)
	if m := recv(t, a); m.Type != KindSummary {
		t.Errorf("first stream got %+v", m)
	}

	h.Disconnect("a")
	if _, err := h.Attach("a"); err != nil {
		t.Errorf("attach after disconnect: %v", err)
	}
}
