// Package queue provides the per-stage job queues used by the pipeline. Two
// backends implement Queue: Memory for single-process runs and tests, and
// Redis for deployments with several instances sharing work.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrMessageNotFound = errors.New("message not found")
	ErrQueueClosed     = errors.New("queue is closed")
)

// Job is one unit of stage work.
type Job struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	MeetingID    string          `json:"meeting_id"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	RetryCount   int             `json:"retry_count"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	VisibleAfter time.Time       `json:"visible_after,omitempty"`
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error { return json.Unmarshal(j.Payload, v) }

// NewJob builds a job with a JSON payload.
func NewJob(kind, meetingID string, payload any) (Job, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Job{}, err
		}
		raw = b
	}
	return Job{Kind: kind, MeetingID: meetingID, Payload: raw}, nil
}

// Queue is an at-least-once job queue with visibility timeouts and a dead
// letter list.
type Queue interface {
	Name() string
	Enqueue(ctx context.Context, job Job) error
	// Dequeue waits up to timeout for a job. It returns nil, nil when none arrived.
	Dequeue(ctx context.Context, timeout time.Duration) (*Job, error)
	Ack(ctx context.Context, id string) error
	// Nack re-enqueues the job after a backoff, or dead-letters it once
	// MaxRetries is reached.
	Nack(ctx context.Context, id string) error
	MoveToDeadLetter(ctx context.Context, id, reason string) error
	Depth(ctx context.Context) (int64, error)
	Close() error
}

// Recoverer is implemented by queues whose in-flight jobs must be swept back
// after their visibility timeout expires.
type Recoverer interface {
	RecoverStale(ctx context.Context) (int, error)
}

// Config sizes a queue.
type Config struct {
	Name              string        `yaml:"name"`
	MaxRetries        int           `yaml:"max_retries"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	RetentionPeriod   time.Duration `yaml:"retention_period"`
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 5 * time.Minute
	}
	if c.RetentionPeriod <= 0 {
		c.RetentionPeriod = 24 * time.Hour
	}
	return c
}

// DeadLetter is a job that exhausted its retries or failed fatally.
type DeadLetter struct {
	Job     Job       `json:"job"`
	Reason  string    `json:"reason"`
	MovedAt time.Time `json:"moved_at"`
}

// backoffFor doubles from one second, capped at five minutes.
func backoffFor(retryCount int) time.Duration {
	if retryCount > 9 {
		return 5 * time.Minute
	}
	d := time.Second << uint(retryCount)
	if d > 5*time.Minute {
		d = 5 * time.Minute
	}
	return d
}
