// Package apperr defines the error taxonomy shared by the lifecycle, ingest and
// pipeline packages. Callers wrap sentinels with fmt.Errorf("...: %w") and test
// them with errors.Is or the IsX helpers.
package apperr

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrValidation marks malformed input. Never retried.
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks an unknown meeting, chunk or session.
	ErrNotFound = errors.New("not found")
	// ErrTransientIO marks a network or storage failure worth retrying.
	ErrTransientIO = errors.New("transient io error")
	// ErrStageFailure marks a collaborator call that exhausted its retry budget.
	ErrStageFailure = errors.New("stage failure")
	// ErrConflict marks a duplicate bot join. Resolved as a no-op by callers.
	ErrConflict = errors.New("conflict")
	// ErrInvalidTransition marks a status change the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid transition")
)

// StageError carries the pipeline stage that produced an error.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return "stage " + e.Stage + " failed"
	}
	return "stage " + e.Stage + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() []error { return []error{ErrStageFailure, e.Err} }

// Stage wraps err as a StageError for stage.
func Stage(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}

// StageOf returns the stage recorded in err, or "" when none.
func StageOf(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

func IsValidation(err error) bool        { return errors.Is(err, ErrValidation) }
func IsNotFound(err error) bool          { return errors.Is(err, ErrNotFound) }
func IsTransient(err error) bool         { return errors.Is(err, ErrTransientIO) }
func IsStageFailure(err error) bool      { return errors.Is(err, ErrStageFailure) }
func IsConflict(err error) bool          { return errors.Is(err, ErrConflict) }
func IsInvalidTransition(err error) bool { return errors.Is(err, ErrInvalidTransition) }

// Class says whether an error should be retried.
type Class int

const (
	// ClassRetryable errors are transient and worth another attempt.
	ClassRetryable Class = iota
	// ClassFatal errors will not succeed on retry.
	ClassFatal
)

func (c Class) String() string {
	if c == ClassFatal {
		return "fatal"
	}
	return "retryable"
}

// Classify decides whether err is worth retrying. Typed sentinels win over
// message matching; unknown errors are treated as retryable.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassFatal
	case errors.Is(err, ErrValidation), errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrConflict),
		errors.Is(err, context.Canceled):
		return ClassFatal
	case errors.Is(err, ErrTransientIO), errors.Is(err, context.DeadlineExceeded):
		return ClassRetryable
	}

	lower := strings.ToLower(err.Error())
	for _, p := range []string{"400", "401", "403", "404", "422", "unauthorized", "invalid api key", "unsupported"} {
		if strings.Contains(lower, p) {
			return ClassFatal
		}
	}
	return ClassRetryable
}

// IsRetryable reports whether Classify(err) is ClassRetryable.
func IsRetryable(err error) bool { return err != nil && Classify(err) == ClassRetryable }
