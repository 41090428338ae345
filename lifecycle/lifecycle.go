// Package lifecycle owns the meeting state machine:
//
//	SCHEDULED -> LIVE -> PROCESSING -> COMPLETED
//	     \          \          \
//	      +----------+----------+--> ERROR
//
// Transitions requested for the current state are no-ops, which absorbs
// at-least-once delivery from webhooks and the bot transport. ERROR is terminal
// and swallows later requests. COMPLETED can only be written through the
// Committer handed to the completion stage.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/meeting-tender/backend/apperr"
	"github.com/onnwee/meeting-tender/backend/hub"
	"github.com/onnwee/meeting-tender/backend/keyed"
	"github.com/onnwee/meeting-tender/backend/store"
	"github.com/onnwee/meeting-tender/backend/telemetry"
)

// ErrMeetingGone is the cancellation cause for watch contexts of deleted or
// errored meetings.
var ErrMeetingGone = errors.New("meeting deleted or errored")

// Store is the slice of the repository the controller needs.
type Store interface {
	GetMeeting(ctx context.Context, id string) (*store.Meeting, error)
	UpdateStatus(ctx context.Context, id string, ch store.StatusChange) (bool, error)
}

// Publisher broadcasts status updates.
type Publisher interface {
	Publish(ctx context.Context, meetingID string, kind hub.Kind, payload any) int
}

// Hook runs after a transition into a status has been applied.
type Hook func(ctx context.Context, m store.Meeting)

// StatusUpdate is the meeting_status_update payload.
type StatusUpdate struct {
	Status   store.Status `json:"status"`
	Previous store.Status `json:"previous"`
	Stage    string       `json:"stage,omitempty"`
}

type Controller struct {
	store Store
	pub   Publisher
	log   *slog.Logger
	now   func() time.Time

	locks keyed.Mutex

	hooksMu sync.RWMutex
	hooks   map[store.Status][]Hook

	watchMu  sync.Mutex
	watchers map[string]map[*watch]struct{}
}

type watch struct {
	cancel context.CancelCauseFunc
}

func New(s Store, pub Publisher) *Controller {
	return &Controller{
		store:    s,
		pub:      pub,
		log:      slog.Default().With(slog.String("component", "lifecycle")),
		now:      func() time.Time { return time.Now().UTC() },
		hooks:    map[store.Status][]Hook{},
		watchers: map[string]map[*watch]struct{}{},
	}
}

// SetClock replaces the time source. Intended for tests.
func (c *Controller) SetClock(now func() time.Time) { c.now = now }

// OnEnter registers fn to run after every applied transition into status.
func (c *Controller) OnEnter(status store.Status, fn Hook) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.hooks[status] = append(c.hooks[status], fn)
}

// CanTransition reports whether the table allows from -> to. Same-state pairs
// are not transitions and report false.
func CanTransition(from, to store.Status) bool {
	if from.Terminal() || from == to {
		return false
	}
	switch to {
	case store.StatusError:
		return true
	case store.StatusLive:
		return from == store.StatusScheduled
	case store.StatusProcessing:
		return from == store.StatusLive
	case store.StatusCompleted:
		return from == store.StatusProcessing
	}
	return false
}

// RequestTransition moves the meeting to target. Requests for the current
// state and requests against an errored meeting return nil without writing.
// COMPLETED cannot be requested here unless the meeting is already there.
func (c *Controller) RequestTransition(ctx context.Context, meetingID string, target store.Status) error {
	switch {
	case !target.Valid():
		return fmt.Errorf("status %q: %w", target, apperr.ErrValidation)
	case target == store.StatusCompleted:
		m, err := c.store.GetMeeting(ctx, meetingID)
		if err != nil {
			return err
		}
		if m.Status == store.StatusCompleted || m.Status == store.StatusError {
			return nil
		}
		return fmt.Errorf("meeting %s: COMPLETED is only reachable through the completion barrier: %w", meetingID, apperr.ErrInvalidTransition)
	case target == store.StatusError:
		return c.Fail(ctx, meetingID, "requested")
	}
	return c.apply(ctx, meetingID, target, "")
}

// Fail moves the meeting to ERROR from any non-terminal state and records the
// stage responsible. Only the first call logs; later calls are silent no-ops.
func (c *Controller) Fail(ctx context.Context, meetingID, stage string) error {
	return c.apply(ctx, meetingID, store.StatusError, stage)
}

func (c *Controller) apply(ctx context.Context, meetingID string, target store.Status, stage string) error {
	unlock := c.locks.Lock(meetingID)
	m, from, err := c.write(ctx, meetingID, target, stage)
	unlock()
	if err != nil || m == nil {
		return err
	}

	telemetry.IncTransition(string(target))
	if target == store.StatusError {
		c.log.Error("meeting moved to ERROR", slog.String("meeting_id", meetingID), slog.String("stage", stage), slog.String("from", string(from)))
		c.cancelWatchers(meetingID)
	} else {
		c.log.Info("meeting status changed", slog.String("meeting_id", meetingID), slog.String("from", string(from)), slog.String("to", string(target)))
	}
	if c.pub != nil {
		c.pub.Publish(ctx, meetingID, hub.KindMeetingStatus, StatusUpdate{Status: target, Previous: from, Stage: stage})
	}
	c.runHooks(ctx, target, *m)
	return nil
}

// write performs the compare-and-set under the meeting lock. A nil meeting
// with a nil error means nothing was written.
func (c *Controller) write(ctx context.Context, meetingID string, target store.Status, stage string) (*store.Meeting, store.Status, error) {
	// a concurrent writer on another instance can win the CAS; re-read and retry
	for attempt := 0; attempt < 3; attempt++ {
		m, err := c.store.GetMeeting(ctx, meetingID)
		if err != nil {
			return nil, "", err
		}
		from := m.Status
		if from == target || from == store.StatusError {
			return nil, from, nil
		}
		if !CanTransition(from, target) {
			if target == store.StatusError {
				// failing a completed meeting is a no-op
				return nil, from, nil
			}
			return nil, from, fmt.Errorf("meeting %s: %s -> %s: %w", meetingID, from, target, apperr.ErrInvalidTransition)
		}
		ok, err := c.store.UpdateStatus(ctx, meetingID, store.StatusChange{From: from, To: target, At: c.now(), Stage: stage})
		if err != nil {
			return nil, from, err
		}
		if ok {
			m.Status = target
			return m, from, nil
		}
	}
	return nil, "", fmt.Errorf("meeting %s: status changed concurrently: %w", meetingID, apperr.ErrConflict)
}

func (c *Controller) runHooks(ctx context.Context, status store.Status, m store.Meeting) {
	c.hooksMu.RLock()
	hooks := append([]Hook(nil), c.hooks[status]...)
	c.hooksMu.RUnlock()
	for _, fn := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error("status hook panicked", slog.String("meeting_id", m.ID), slog.String("status", string(status)), slog.Any("panic", r))
				}
			}()
			fn(ctx, m)
		}()
	}
}

// Committer is the only path to COMPLETED. The controller hands it to the
// completion stage.
type Committer struct{ c *Controller }

func (c *Controller) Committer() Committer { return Committer{c: c} }

// Complete moves a PROCESSING meeting to COMPLETED. Errored meetings are left
// untouched and nil is returned.
func (cm Committer) Complete(ctx context.Context, meetingID string) error {
	return cm.c.apply(ctx, meetingID, store.StatusCompleted, "")
}

// Watch returns a context that is cancelled with ErrMeetingGone once the
// meeting is deleted (Forget) or moves to ERROR. The context is already done
// when the meeting is missing or errored at call time.
func (c *Controller) Watch(ctx context.Context, meetingID string) (context.Context, context.CancelFunc) {
	wctx, cancel := context.WithCancelCause(ctx)
	w := &watch{cancel: cancel}

	c.watchMu.Lock()
	set, ok := c.watchers[meetingID]
	if !ok {
		set = map[*watch]struct{}{}
		c.watchers[meetingID] = set
	}
	set[w] = struct{}{}
	c.watchMu.Unlock()

	if m, err := c.store.GetMeeting(ctx, meetingID); (err != nil && apperr.IsNotFound(err)) || (m != nil && m.Status == store.StatusError) {
		cancel(ErrMeetingGone)
	}

	return wctx, func() {
		c.watchMu.Lock()
		if set, ok := c.watchers[meetingID]; ok {
			delete(set, w)
			if len(set) == 0 {
				delete(c.watchers, meetingID)
			}
		}
		c.watchMu.Unlock()
		cancel(context.Canceled)
	}
}

// Gone reports whether ctx was cancelled because its meeting went away.
func Gone(ctx context.Context) bool { return errors.Is(context.Cause(ctx), ErrMeetingGone) }

// Forget cancels every watcher of the meeting. Called on deletion.
func (c *Controller) Forget(meetingID string) {
	c.cancelWatchers(meetingID)
}

func (c *Controller) cancelWatchers(meetingID string) {
	c.watchMu.Lock()
	set := c.watchers[meetingID]
	delete(c.watchers, meetingID)
	c.watchMu.Unlock()
	for w := range set {
		w.cancel(ErrMeetingGone)
	}
}
