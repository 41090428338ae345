package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/onnwee/meeting-tender/backend/apperr"
)

var fast = Policy{Attempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Timeout: time.Second}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast, "put", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoExhaustsBudget(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast, "put", func(ctx context.Context) error {
		calls++
		return errors.New("503 service unavailable")
	})
	if !apperr.IsTransient(err) {
		t.Fatalf("err = %v, want ErrTransientIO", err)
	}
	if calls != fast.Attempts {
		t.Errorf("calls = %d, want %d", calls, fast.Attempts)
	}
}

func TestDoStopsOnFatal(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast, "put", func(ctx context.Context) error {
		calls++
		return fmt.Errorf("bad key: %w", apperr.ErrValidation)
	})
	if !apperr.IsValidation(err) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestValueAppliesAttemptTimeout(t *testing.T) {
	p := fast
	p.Timeout = 5 * time.Millisecond
	p.Attempts = 2
	_, err := Value(context.Background(), p, "slow", func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if !apperr.IsTransient(err) {
		t.Fatalf("err = %v, want transient after timeouts", err)
	}
}
