package types

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a failure for retry policy and reporting.
type ErrorCode string

const (
	// CodeBadInput is a schema or canonicalization failure. Terminal
	// without retry regardless of attempts remaining.
	CodeBadInput ErrorCode = "BadInput"
	// CodeTimeout is a handler deadline expiry. Treated as failed.
	CodeTimeout ErrorCode = "Timeout"
	// CodeForbidden is a tenant, scope, or policy violation. Terminal
	// and audited.
	CodeForbidden ErrorCode = "Forbidden"
	// CodeDisabled means a feature flag was off at the time of the call.
	CodeDisabled ErrorCode = "Disabled"
	// CodeConflict is idempotency or duplicate suppression. Not an error
	// on enqueue, where the existing row is returned instead.
	CodeConflict ErrorCode = "Conflict"
	// CodeStore is a transient infrastructure fault. Retried per backoff.
	CodeStore ErrorCode = "Store"
	// CodeTransport is a transient transport fault. Retried per backoff.
	CodeTransport ErrorCode = "Transport"
	// CodeInternal is an unexpected handler failure with stack captured.
	CodeInternal ErrorCode = "Internal"
)

// Sentinel errors for queue state mismatches and admission failures.
// Use errors.Is for typed assertions.
var (
	// ErrNotOwned indicates the caller is not the lock holder.
	ErrNotOwned = errors.New("job not owned by caller")

	// ErrNotRunning indicates the job is not in the running status.
	ErrNotRunning = errors.New("job not running")

	// ErrNotCancelable indicates cancel was attempted outside queued.
	ErrNotCancelable = errors.New("job not cancelable")

	// ErrNotReschedulable indicates reschedule was attempted from a
	// status other than failed, dead, or queued.
	ErrNotReschedulable = errors.New("job not reschedulable")

	// ErrNotFound indicates the row does not exist in the caller's
	// tenant scope.
	ErrNotFound = errors.New("not found")

	// ErrForbidden indicates a tenant, scope, or policy violation.
	ErrForbidden = errors.New("forbidden")

	// ErrDisabled indicates the controlling feature flag is off.
	ErrDisabled = errors.New("feature disabled")

	// ErrBadInput indicates a schema or canonicalization failure.
	ErrBadInput = errors.New("bad input")
)

// JobError is the structured failure recorded on a job and its attempt.
type JobError struct {
	// Code classifies the failure.
	Code ErrorCode `json:"code"`
	// Message is a human-readable description. Redacted upstream when
	// the payload carries PII hints.
	Message string `json:"message"`
	// Stack is an optional stack trace for internal failures.
	Stack *string `json:"stack,omitempty"`
	// Retryable reports whether the queue may retry this failure.
	// BadInput and Forbidden failures are never retryable.
	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewJobError creates a retryable classification for transient faults
// and a terminal one for BadInput and Forbidden.
func NewJobError(code ErrorCode, message string) *JobError {
	return &JobError{
		Code:      code,
		Message:   message,
		Retryable: code != CodeBadInput && code != CodeForbidden && code != CodeDisabled,
	}
}

// WrapJobError converts an arbitrary error into a JobError, preserving
// an existing classification when err already carries one.
func WrapJobError(err error) *JobError {
	if err == nil {
		return nil
	}
	var je *JobError
	if errors.As(err, &je) {
		return je
	}
	switch {
	case errors.Is(err, ErrBadInput):
		return NewJobError(CodeBadInput, err.Error())
	case errors.Is(err, ErrForbidden):
		return NewJobError(CodeForbidden, err.Error())
	case errors.Is(err, ErrDisabled):
		return NewJobError(CodeDisabled, err.Error())
	default:
		return NewJobError(CodeInternal, err.Error())
	}
}
