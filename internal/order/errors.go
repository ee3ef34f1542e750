package order

import (
	"context"
	"errors"
	"fmt"
)

// ErrLockTimeout surfaces a bounded lock wait that expired. Callers may
// retry with backoff; nothing partial was committed.
var ErrLockTimeout = errors.New("timed out waiting for row lock")

// ValidationError marks a malformed request. The caller's fault; never
// retried by the core.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

func Invalid(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// RejectedError marks a stale, duplicate or otherwise non-applicable state
// transition, e.g. a late payment confirmation for an expired order. Logged
// and dropped, not an alarm condition.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "rejected: " + e.Reason
}

func Rejected(format string, args ...any) *RejectedError {
	return &RejectedError{Reason: fmt.Sprintf(format, args...)}
}

// MapLockErr converts a context deadline hit while holding out for a row
// lock into ErrLockTimeout so callers can classify it as retryable.
func MapLockErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrLockTimeout
	}
	return err
}
