package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onnwee/meeting-tender/backend/apperr"
	"github.com/onnwee/meeting-tender/backend/hub"
	"github.com/onnwee/meeting-tender/backend/store"
)

type recordingPublisher struct {
	mu      sync.Mutex
	updates []StatusUpdate
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, kind hub.Kind, payload any) int {
	if kind != hub.KindMeetingStatus {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, payload.(StatusUpdate))
	return 1
}

func (p *recordingPublisher) statuses() []store.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]store.Status, len(p.updates))
	for i, u := range p.updates {
		out[i] = u.Status
	}
	return out
}

func setup(t *testing.T) (*Controller, *store.Memory, *recordingPublisher) {
	t.Helper()
	s := store.NewMemory()
	if err := s.CreateMeeting(context.Background(), &store.Meeting{ID: "m1", ExternalID: "room-1", Status: store.StatusScheduled}); err != nil {
		t.Fatal(err)
	}
	pub := &recordingPublisher{}
	return New(s, pub), s, pub
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to store.Status
		want     bool
	}{
		{store.StatusScheduled, store.StatusLive, true},
		{store.StatusLive, store.StatusProcessing, true},
		{store.StatusProcessing, store.StatusCompleted, true},
		{store.StatusScheduled, store.StatusError, true},
		{store.StatusProcessing, store.StatusError, true},
		{store.StatusScheduled, store.StatusProcessing, false},
		{store.StatusLive, store.StatusScheduled, false},
		{store.StatusCompleted, store.StatusError, false},
		{store.StatusError, store.StatusLive, false},
		{store.StatusLive, store.StatusLive, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestHappyPathStampsTimes(t *testing.T) {
	c, s, pub := setup(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	now := start
	c.SetClock(func() time.Time { return now })

	if err := c.RequestTransition(ctx, "m1", store.StatusLive); err != nil {
		t.Fatal(err)
	}
	now = start.Add(30 * time.Minute)
	if err := c.RequestTransition(ctx, "m1", store.StatusProcessing); err != nil {
		t.Fatal(err)
	}
	if err := c.Committer().Complete(ctx, "m1"); err != nil {
		t.Fatal(err)
	}

	m, _ := s.GetMeeting(ctx, "m1")
	if m.Status != store.StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", m.Status)
	}
	if m.DurationSeconds == nil || *m.DurationSeconds != 1800 {
		t.Errorf("duration = %v, want 1800", m.DurationSeconds)
	}
	want := []store.Status{store.StatusLive, store.StatusProcessing, store.StatusCompleted}
	got := pub.statuses()
	if len(got) != len(want) {
		t.Fatalf("published %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("update %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestDuplicateRequestIsNoop(t *testing.T) {
	c, _, pub := setup(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := c.RequestTransition(ctx, "m1", store.StatusLive); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if got := len(pub.statuses()); got != 1 {
		t.Errorf("published %d updates, want 1", got)
	}
}

func TestRequestForCompletedMeetingIsNoop(t *testing.T) {
	c, _, pub := setup(t)
	ctx := context.Background()
	for _, st := range []store.Status{store.StatusLive, store.StatusProcessing} {
		if err := c.RequestTransition(ctx, "m1", st); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.Committer().Complete(ctx, "m1"); err != nil {
		t.Fatal(err)
	}
	if err := c.RequestTransition(ctx, "m1", store.StatusCompleted); err != nil {
		t.Errorf("COMPLETED on a completed meeting = %v, want nil", err)
	}
	if got := len(pub.statuses()); got != 3 {
		t.Errorf("published %d updates, want 3", got)
	}
}

func TestInvalidTransitions(t *testing.T) {
	c, _, _ := setup(t)
	ctx := context.Background()

	if err := c.RequestTransition(ctx, "m1", store.StatusProcessing); !apperr.IsInvalidTransition(err) {
		t.Errorf("SCHEDULED->PROCESSING err = %v, want invalid transition", err)
	}
	if err := c.RequestTransition(ctx, "m1", store.StatusCompleted); !apperr.IsInvalidTransition(err) {
		t.Errorf("direct COMPLETED err = %v, want invalid transition", err)
	}
	if err := c.Committer().Complete(ctx, "m1"); !apperr.IsInvalidTransition(err) {
		t.Errorf("Complete from SCHEDULED err = %v, want invalid transition", err)
	}
	if err := c.RequestTransition(ctx, "m1", store.Status("PAUSED")); !apperr.IsValidation(err) {
		t.Errorf("unknown status err = %v, want validation", err)
	}
	if err := c.RequestTransition(ctx, "nope", store.StatusLive); !apperr.IsNotFound(err) {
		t.Errorf("missing meeting err = %v, want not found", err)
	}
}

func TestErrorIsTerminalAndRecordedOnce(t *testing.T) {
	c, s, pub := setup(t)
	ctx := context.Background()
	_ = c.RequestTransition(ctx, "m1", store.StatusLive)

	if err := c.Fail(ctx, "m1", "bot_join"); err != nil {
		t.Fatal(err)
	}
	if err := c.Fail(ctx, "m1", "completion:topics"); err != nil {
		t.Fatal(err)
	}
	if err := c.RequestTransition(ctx, "m1", store.StatusProcessing); err != nil {
		t.Errorf("request against ERROR err = %v, want nil", err)
	}
	if err := c.Committer().Complete(ctx, "m1"); err != nil {
		t.Errorf("Complete against ERROR err = %v, want nil", err)
	}

	m, _ := s.GetMeeting(ctx, "m1")
	if m.Status != store.StatusError || m.ErrorStage != "bot_join" {
		t.Errorf("meeting = %s/%s, want ERROR/bot_join", m.Status, m.ErrorStage)
	}
	got := pub.statuses()
	if len(got) != 2 || got[1] != store.StatusError {
		t.Errorf("published %v, want [LIVE ERROR]", got)
	}
}

func TestConcurrentRequestsRunHookOnce(t *testing.T) {
	c, _, _ := setup(t)
	ctx := context.Background()
	_ = c.RequestTransition(ctx, "m1", store.StatusLive)

	var entered atomic.Int32
	c.OnEnter(store.StatusProcessing, func(context.Context, store.Meeting) { entered.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.RequestTransition(ctx, "m1", store.StatusProcessing); err != nil {
				t.Errorf("RequestTransition: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := entered.Load(); got != 1 {
		t.Errorf("PROCESSING hook ran %d times, want 1", got)
	}
}

func TestHookPanicIsContained(t *testing.T) {
	c, _, _ := setup(t)
	c.OnEnter(store.StatusLive, func(context.Context, store.Meeting) { panic("boom") })
	if err := c.RequestTransition(context.Background(), "m1", store.StatusLive); err != nil {
		t.Fatalf("RequestTransition err = %v", err)
	}
}

func TestWatchCancelledOnForgetAndFail(t *testing.T) {
	c, s, _ := setup(t)
	ctx := context.Background()

	wctx, cancel := c.Watch(ctx, "m1")
	defer cancel()
	c.Forget("m1")
	select {
	case <-wctx.Done():
	case <-time.After(time.Second):
		t.Fatal("watch not cancelled by Forget")
	}
	if !Gone(wctx) {
		t.Error("Gone = false after Forget")
	}

	wctx2, cancel2 := c.Watch(ctx, "m1")
	defer cancel2()
	_ = c.Fail(ctx, "m1", "completion:analytics")
	if !Gone(wctx2) {
		t.Error("Gone = false after Fail")
	}

	// watching an errored or deleted meeting starts out cancelled
	wctx3, cancel3 := c.Watch(ctx, "m1")
	defer cancel3()
	if !Gone(wctx3) {
		t.Error("watch on errored meeting should be gone")
	}
	_ = s.DeleteMeeting(ctx, "m1")
	wctx4, cancel4 := c.Watch(ctx, "m1")
	defer cancel4()
	if !Gone(wctx4) {
		t.Error("watch on deleted meeting should be gone")
	}
}

func TestWatchCancelFuncIsNotGone(t *testing.T) {
	c, _, _ := setup(t)
	wctx, cancel := c.Watch(context.Background(), "m1")
	cancel()
	if Gone(wctx) {
		t.Error("Gone = true after plain cancel")
	}
}
