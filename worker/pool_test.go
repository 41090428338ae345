package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/meeting-tender/backend/apperr"
	"github.com/onnwee/meeting-tender/backend/queue"
)

func fastConfig(name string, count int) Config {
	return Config{Name: name, Count: count, PollInterval: 20 * time.Millisecond, JobTimeout: time.Second, ShutdownTimeout: time.Second, SweepInterval: 50 * time.Millisecond}
}

func TestPoolProcessesAllJobs(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemory(queue.Config{Name: "transcription"})
	for i := 0; i < 20; i++ {
		require.NoError(t, q.Enqueue(ctx, queue.Job{Kind: "transcription", MeetingID: fmt.Sprintf("m%d", i%3)}))
	}

	var handled atomic.Int32
	p := NewPool(fastConfig("transcription", 4), q, func(ctx context.Context, job *queue.Job) error {
		handled.Add(1)
		return nil
	})
	p.Start(ctx)
	defer p.Stop()

	require.Eventually(t, func() bool { return handled.Load() == 20 }, 2*time.Second, 10*time.Millisecond)
	st := p.Stats(ctx)
	assert.Equal(t, 4, st.WorkerCount)
	assert.EqualValues(t, 20, st.Processed)
	assert.EqualValues(t, 0, st.Depth)
}

func TestPoolFatalErrorDeadLetters(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemory(queue.Config{Name: "events", MaxRetries: 5})
	require.NoError(t, q.Enqueue(ctx, queue.Job{Kind: "events", MeetingID: "m1"}))

	p := NewPool(fastConfig("events", 1), q, func(ctx context.Context, job *queue.Job) error {
		return fmt.Errorf("bad payload: %w", apperr.ErrValidation)
	})
	p.Start(ctx)
	defer p.Stop()

	require.Eventually(t, func() bool { return len(q.DeadLetters()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, q.DeadLetters()[0].Reason, "bad payload")
}

func TestPoolRetryableErrorNacks(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemory(queue.Config{Name: "completion", MaxRetries: 1})
	require.NoError(t, q.Enqueue(ctx, queue.Job{Kind: "completion", MeetingID: "m1"}))

	var calls atomic.Int32
	p := NewPool(fastConfig("completion", 1), q, func(ctx context.Context, job *queue.Job) error {
		calls.Add(1)
		return errors.New("connection reset")
	})
	p.Start(ctx)
	defer p.Stop()

	// MaxRetries 1 means the first nack already dead-letters
	require.Eventually(t, func() bool { return len(q.DeadLetters()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "max retries exceeded", q.DeadLetters()[0].Reason)
	assert.EqualValues(t, 1, calls.Load())
	assert.EqualValues(t, 1, p.Stats(ctx).Failed)
}

func TestPoolRecoversFromHandlerPanic(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemory(queue.Config{Name: "post_processing"})
	require.NoError(t, q.Enqueue(ctx, queue.Job{Kind: "boom"}))
	require.NoError(t, q.Enqueue(ctx, queue.Job{Kind: "ok"}))

	var ok atomic.Bool
	p := NewPool(fastConfig("post_processing", 1), q, func(ctx context.Context, job *queue.Job) error {
		if job.Kind == "boom" {
			panic("handler exploded")
		}
		ok.Store(true)
		return nil
	})
	p.Start(ctx)
	defer p.Stop()

	require.Eventually(t, ok.Load, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, q.DeadLetters(), 1)
}

func TestPoolStopIsIdempotent(t *testing.T) {
	q := queue.NewMemory(queue.Config{Name: "idle"})
	p := NewPool(fastConfig("idle", 2), q, func(context.Context, *queue.Job) error { return nil })
	p.Stop()
	p.Start(context.Background())
	p.Stop()
	p.Stop()
	for _, w := range p.workers {
		assert.Equal(t, StatusStopped, w.Status())
	}
}

func TestPoolStopRequeuesInterruptedJob(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemory(queue.Config{Name: "completion", MaxRetries: 5})
	require.NoError(t, q.Enqueue(ctx, queue.Job{Kind: "completion", MeetingID: "m1"}))

	started := make(chan struct{})
	p := NewPool(fastConfig("completion", 1), q, func(ctx context.Context, job *queue.Job) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	p.Start(ctx)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}
	p.Stop()

	assert.Empty(t, q.DeadLetters())
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)
	assert.EqualValues(t, 0, p.Stats(ctx).Failed)
}
