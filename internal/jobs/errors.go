package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"

	"github.com/yegors/voicejournal/internal/audio"
	"github.com/yegors/voicejournal/internal/transcription"
)

var (
	// ErrNotFound means the reflection the job refers to does not exist
	ErrNotFound = errors.New("reflection not found")
	// ErrMissingInput means the reflection has no audio to transcribe
	ErrMissingInput = errors.New("reflection has no audio")
	// ErrRetryBudgetExhausted is recorded when a job fails after its last retry
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
)

// StageError is a failure in one step of the pipeline. Stage errors are retried.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// permanent marks err as not worth retrying
func permanent(err error) error {
	return backoff.Permanent(err)
}

// IsRetryable reports whether a failed run should be rescheduled
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var perm *backoff.PermanentError
	return !errors.As(err, &perm)
}

// Reason returns a short label describing why a run failed
func Reason(err error) string {
	var (
		convErr  *audio.ConversionError
		engErr   *transcription.EngineError
		stageErr *StageError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrMissingInput):
		return "missing_input"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &convErr):
		return "conversion"
	case errors.As(err, &engErr):
		return "engine"
	case errors.As(err, &stageErr):
		return stageErr.Stage
	default:
		return "unknown"
	}
}
