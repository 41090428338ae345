package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Queue.
type Memory struct {
	cfg Config

	mu       sync.Mutex
	pending  []*Job
	inflight map[string]*Job
	dead     []DeadLetter
	closed   bool
	notify   chan struct{}

	// now and backoff are swappable in tests
	now     func() time.Time
	backoff func(int) time.Duration
}

func NewMemory(cfg Config) *Memory {
	return &Memory{
		cfg:      cfg.withDefaults(),
		inflight: map[string]*Job{},
		notify:   make(chan struct{}, 1),
		now:      time.Now,
		backoff:  backoffFor,
	}
}

func (q *Memory) Name() string { return q.cfg.Name }

func (q *Memory) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Memory) Enqueue(ctx context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.EnqueuedAt = q.now()
	q.pending = append(q.pending, &job)
	q.wake()
	return nil
}

// take pops the first visible job. Caller holds q.mu.
func (q *Memory) take() *Job {
	now := q.now()
	for i, j := range q.pending {
		if j.VisibleAfter.After(now) {
			continue
		}
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		j.VisibleAfter = now.Add(q.cfg.VisibilityTimeout)
		q.inflight[j.ID] = j
		return j
	}
	return nil
}

func (q *Memory) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		j := q.take()
		q.mu.Unlock()
		if j != nil {
			cp := *j
			return &cp, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-q.notify:
		case <-time.After(50 * time.Millisecond):
			// delayed jobs become visible without a notification
		}
	}
}

func (q *Memory) Ack(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[id]; !ok {
		return ErrMessageNotFound
	}
	delete(q.inflight, id)
	return nil
}

func (q *Memory) Nack(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.inflight[id]
	if !ok {
		return ErrMessageNotFound
	}
	delete(q.inflight, id)
	j.RetryCount++
	if j.RetryCount >= q.cfg.MaxRetries {
		q.dead = append(q.dead, DeadLetter{Job: *j, Reason: "max retries exceeded", MovedAt: q.now()})
		return nil
	}
	j.VisibleAfter = q.now().Add(q.backoff(j.RetryCount))
	q.pending = append(q.pending, j)
	q.wake()
	return nil
}

func (q *Memory) MoveToDeadLetter(ctx context.Context, id, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.inflight[id]
	if !ok {
		return ErrMessageNotFound
	}
	delete(q.inflight, id)
	q.dead = append(q.dead, DeadLetter{Job: *j, Reason: reason, MovedAt: q.now()})
	return nil
}

// RecoverStale returns in-flight jobs whose visibility timeout has passed to
// the pending list.
func (q *Memory) RecoverStale(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	n := 0
	for id, j := range q.inflight {
		if j.VisibleAfter.After(now) {
			continue
		}
		delete(q.inflight, id)
		j.RetryCount++
		if j.RetryCount >= q.cfg.MaxRetries {
			q.dead = append(q.dead, DeadLetter{Job: *j, Reason: "visibility timeout exceeded", MovedAt: now})
			continue
		}
		j.VisibleAfter = time.Time{}
		q.pending = append(q.pending, j)
		n++
	}
	if n > 0 {
		q.wake()
	}
	return n, nil
}

func (q *Memory) Depth(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.pending)), nil
}

// DeadLetters returns a copy of the dead letter list.
func (q *Memory) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.dead...)
}

func (q *Memory) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

var (
	_ Queue     = (*Memory)(nil)
	_ Recoverer = (*Memory)(nil)
)
