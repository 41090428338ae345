package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"validation", fmt.Errorf("chunk: %w", ErrValidation), ClassFatal},
		{"not found", ErrNotFound, ClassFatal},
		{"canceled", context.Canceled, ClassFatal},
		{"transient", fmt.Errorf("put: %w", ErrTransientIO), ClassRetryable},
		{"deadline", context.DeadlineExceeded, ClassRetryable},
		{"http 401", errors.New("transcribe: status 401"), ClassFatal},
		{"http 503", errors.New("transcribe: status 503"), ClassRetryable},
		{"unknown", errors.New("connection reset by peer"), ClassRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestStageError(t *testing.T) {
	base := errors.New("completer timeout")
	err := fmt.Errorf("summary: %w", Stage("completion:summary_executive", base))

	if !IsStageFailure(err) {
		t.Fatalf("IsStageFailure = false, want true")
	}
	if !errors.Is(err, base) {
		t.Fatalf("errors.Is(err, base) = false, want true")
	}
	if got := StageOf(err); got != "completion:summary_executive" {
		t.Errorf("StageOf = %q, want completion:summary_executive", got)
	}
	if Stage("x", nil) != nil {
		t.Errorf("Stage(x, nil) should be nil")
	}
}
