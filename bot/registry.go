// Package bot keeps at most one live attachment per meeting to an external
// event source and forwards the attachment's events to typed handlers.
//
// A session runs in its own goroutine until the source closes its event
// channel, the meeting ends, Leave is called or the registry shuts down.
// Handler failures are logged and counted; they never end the session.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/onnwee/meeting-tender/backend/apperr"
	"github.com/onnwee/meeting-tender/backend/keyed"
	"github.com/onnwee/meeting-tender/backend/retry"
	"github.com/onnwee/meeting-tender/backend/store"
	"github.com/onnwee/meeting-tender/backend/telemetry"
)

// StageJoin is recorded as the error stage when attaching exhausts its budget.
const StageJoin = "bot_join"

// ErrShutdown is returned by Join after Shutdown.
var ErrShutdown = errors.New("bot registry shut down")

// Lifecycle is the slice of the lifecycle controller the registry drives.
type Lifecycle interface {
	RequestTransition(ctx context.Context, meetingID string, target store.Status) error
	Fail(ctx context.Context, meetingID, stage string) error
}

// Session is the handle for one live attachment.
type Session struct {
	MeetingID string
	StartedAt time.Time

	att    *Attachment
	cancel context.CancelFunc
	done   chan struct{}
	closed sync.Once

	events   atomic.Int64
	failures atomic.Int64
}

// Done is closed when the session goroutine has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) close() {
	s.closed.Do(func() {
		s.cancel()
		if err := s.att.Close(); err != nil {
			slog.Default().Warn("bot attachment close failed", slog.String("meeting_id", s.MeetingID), slog.Any("err", err))
		}
	})
}

// SessionInfo is a snapshot of a live session.
type SessionInfo struct {
	MeetingID string    `json:"meeting_id"`
	StartedAt time.Time `json:"started_at"`
	Events    int64     `json:"events"`
	Failures  int64     `json:"handler_failures"`
}

func (s *Session) Info() SessionInfo {
	return SessionInfo{MeetingID: s.MeetingID, StartedAt: s.StartedAt, Events: s.events.Load(), Failures: s.failures.Load()}
}

type Registry struct {
	src      Source
	lc       Lifecycle
	handlers Handlers
	policy   retry.Policy
	log      *slog.Logger

	base     context.Context
	stopBase context.CancelFunc
	shutdown atomic.Bool

	locks    keyed.Mutex
	sessions sync.Map // meeting id -> *Session
	count    atomic.Int64
}

func NewRegistry(src Source, lc Lifecycle, h Handlers, p retry.Policy) *Registry {
	base, stop := context.WithCancel(context.Background())
	return &Registry{
		src:      src,
		lc:       lc,
		handlers: h,
		policy:   p,
		log:      slog.Default().With(slog.String("component", "bot_registry")),
		base:     base,
		stopBase: stop,
	}
}

// Join attaches to the meeting's room and moves the meeting to LIVE. A
// meeting that already has a session gets the existing handle back and
// nothing new is attached. When every attach attempt fails the meeting is
// moved to ERROR with stage bot_join and the error is returned.
func (r *Registry) Join(ctx context.Context, meetingID string, cfg SessionConfig) (*Session, error) {
	if r.shutdown.Load() {
		return nil, ErrShutdown
	}
	unlock := r.locks.Lock(meetingID)
	defer unlock()

	if v, ok := r.sessions.Load(meetingID); ok {
		r.log.Warn("bot already attached; ignoring join",
			slog.String("meeting_id", meetingID),
			slog.Any("err", fmt.Errorf("meeting %s: %w", meetingID, apperr.ErrConflict)))
		return v.(*Session), nil
	}

	att, err := retry.Value(ctx, r.policy, "bot_join", func(ctx context.Context) (*Attachment, error) {
		return r.src.Join(ctx, meetingID, cfg)
	})
	if err != nil {
		telemetry.IncBotEvent("join_failed")
		if ferr := r.lc.Fail(context.WithoutCancel(ctx), meetingID, StageJoin); ferr != nil {
			r.log.Error("failed to record bot join failure", slog.String("meeting_id", meetingID), slog.Any("err", ferr))
		}
		return nil, apperr.Stage(StageJoin, err)
	}

	if err := r.lc.RequestTransition(ctx, meetingID, store.StatusLive); err != nil {
		if cerr := att.Close(); cerr != nil {
			r.log.Warn("failed to detach bot after rejected start", slog.String("meeting_id", meetingID), slog.Any("err", cerr))
		}
		return nil, err
	}

	sctx, cancel := context.WithCancel(r.base)
	s := &Session{MeetingID: meetingID, StartedAt: time.Now().UTC(), att: att, cancel: cancel, done: make(chan struct{})}
	r.sessions.Store(meetingID, s)
	telemetry.SetActiveBots(int(r.count.Add(1)))
	telemetry.IncBotEvent("joined")
	r.log.Info("bot joined", slog.String("meeting_id", meetingID), slog.String("room", cfg.ExternalID))

	go r.run(sctx, s)
	return s, nil
}

// Leave tears down the meeting's session and waits for its goroutine to exit
// or ctx to expire. It is a no-op when no session exists.
func (r *Registry) Leave(ctx context.Context, meetingID string) error {
	s := r.detach(meetingID)
	if s == nil {
		return nil
	}
	s.close()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// detach removes the session from the map exactly once.
func (r *Registry) detach(meetingID string) *Session {
	unlock := r.locks.Lock(meetingID)
	defer unlock()
	v, ok := r.sessions.LoadAndDelete(meetingID)
	if !ok {
		return nil
	}
	telemetry.SetActiveBots(int(r.count.Add(-1)))
	telemetry.IncBotEvent("left")
	r.log.Info("bot left", slog.String("meeting_id", meetingID))
	return v.(*Session)
}

func (r *Registry) run(ctx context.Context, s *Session) {
	defer close(s.done)
	log := r.log.With(slog.String("meeting_id", s.MeetingID))
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.att.Events:
			if !ok {
				// transport ended on its own
				if r.detach(s.MeetingID) != nil {
					log.Warn("bot transport closed")
				}
				s.close()
				return
			}
			s.events.Add(1)
			telemetry.IncBotEvent(ev.kind())
			r.deliver(ctx, s, log, ev)

			if e, ok := ev.(Ended); ok {
				r.end(ctx, s, log, e)
				return
			}
		}
	}
}

// deliver runs the handler for ev, isolating panics and errors.
func (r *Registry) deliver(ctx context.Context, s *Session, log *slog.Logger, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			s.failures.Add(1)
			telemetry.IncHandlerFailure(ev.kind())
			log.Error("bot event handler panicked", slog.String("event", ev.kind()), slog.Any("panic", p))
		}
	}()
	if err := r.handlers.dispatch(ctx, s.MeetingID, ev); err != nil {
		s.failures.Add(1)
		telemetry.IncHandlerFailure(ev.kind())
		log.Warn("bot event handler failed", slog.String("event", ev.kind()), slog.Any("err", err))
	}
}

func (r *Registry) end(ctx context.Context, s *Session, log *slog.Logger, e Ended) {
	log.Info("meeting ended by transport", slog.String("reason", e.Reason))
	// detached first so a Leave issued from a PROCESSING hook finds nothing to wait on
	r.detach(s.MeetingID)
	if err := r.lc.RequestTransition(context.WithoutCancel(ctx), s.MeetingID, store.StatusProcessing); err != nil {
		log.Warn("could not move ended meeting to PROCESSING", slog.Any("err", err))
	}
	s.close()
}

// Active lists live sessions, oldest first.
func (r *Registry) Active() []SessionInfo {
	var out []SessionInfo
	r.sessions.Range(func(_, v any) bool {
		out = append(out, v.(*Session).Info())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Status reports the meeting's session, if any.
func (r *Registry) Status(meetingID string) (SessionInfo, bool) {
	v, ok := r.sessions.Load(meetingID)
	if !ok {
		return SessionInfo{}, false
	}
	return v.(*Session).Info(), true
}

// Shutdown refuses new joins and leaves every live session concurrently.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.shutdown.Store(true)
	var ids []string
	r.sessions.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error { return r.Leave(gctx, id) })
	}
	err := g.Wait()
	r.stopBase()
	r.log.Info("bot registry drained", slog.Int("sessions", len(ids)))
	return err
}
