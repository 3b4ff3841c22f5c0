package apperr

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrUnknownTaskType   = errors.New("unknown task type")
	ErrUnknownSystem     = errors.New("unknown system")
	ErrAlreadyTerminal   = errors.New("task already in terminal state")
	ErrSyncInProgress    = errors.New("sync already in progress for system pair")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrDuplicateHandler  = errors.New("handler already registered")
	ErrTimeout           = errors.New("execution timed out")
	ErrCancelled         = errors.New("execution cancelled")
	ErrDependencyFailed  = errors.New("dependency did not complete")
)

// Error kinds recorded in task error history.
const (
	KindTransient       = "transient"
	KindTerminal        = "terminal"
	KindTimeout         = "timeout"
	KindUnknownTaskType = "unknown_task_type"
	KindCancelled       = "cancelled"
	KindDependency      = "dependency_failed"
)

// ExecutionError marks a handler failure as retryable or not.
type ExecutionError struct {
	Err       error
	Retryable bool
}

func (e *ExecutionError) Error() string {
	if e.Err == nil {
		return "execution error"
	}
	return e.Err.Error()
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable execution error.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &ExecutionError{Err: err, Retryable: true}
}

// Terminal wraps err as a non-retryable execution error.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &ExecutionError{Err: err, Retryable: false}
}

// Validationf builds an ErrValidation with a formatted detail.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// IsRetryable reports whether a handler error should go through retry/backoff.
// Unclassified errors are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnknownTaskType) || errors.Is(err, ErrCancelled) {
		return false
	}
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Retryable
	}
	return true
}

// Kind classifies err for the task error history.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrUnknownTaskType):
		return KindUnknownTaskType
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case !IsRetryable(err):
		return KindTerminal
	default:
		return KindTransient
	}
}
