// Package retry runs collaborator calls under a bounded budget: each attempt
// gets its own timeout, failures back off exponentially with jitter, and fatal
// errors (see apperr.Classify) stop the loop immediately.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/onnwee/meeting-tender/backend/apperr"
)

// Policy bounds one retried call.
type Policy struct {
	Attempts       int           `yaml:"attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Timeout        time.Duration `yaml:"timeout"` // per attempt
}

// Default is the budget used when a caller passes a zero Policy.
var Default = Policy{Attempts: 3, InitialBackoff: 500 * time.Millisecond, MaxBackoff: 10 * time.Second, Timeout: 30 * time.Second}

func (p Policy) withDefaults() Policy {
	if p.Attempts <= 0 {
		p.Attempts = Default.Attempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = Default.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = Default.MaxBackoff
	}
	if p.Timeout <= 0 {
		p.Timeout = Default.Timeout
	}
	return p
}

// Do calls fn until it succeeds, returns a fatal error, or the attempt budget is
// spent. The returned error wraps apperr.ErrTransientIO when the budget ran out
// on retryable failures.
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	_, err := Value(ctx, p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Value is Do for calls that return a result.
func Value[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialBackoff
	eb.MaxInterval = p.MaxBackoff
	eb.RandomizationFactor = 0.5

	attempt := 0
	var lastErr error
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		actx, cancel := context.WithTimeout(ctx, p.Timeout)
		defer cancel()
		v, err := fn(actx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if ctx.Err() != nil || apperr.Classify(err) == apperr.ClassFatal {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(p.Attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, d time.Duration) {
			slog.Warn("retrying", slog.String("op", op), slog.Int("attempt", attempt), slog.Duration("backoff", d), slog.Any("err", err))
		}),
	)
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if lastErr != nil && apperr.Classify(lastErr) == apperr.ClassRetryable {
		return res, fmt.Errorf("%s: %d attempts: %w: %w", op, attempt, apperr.ErrTransientIO, lastErr)
	}
	return res, fmt.Errorf("%s: %w", op, err)
}
