package domain

import (
	"errors"
	"fmt"
)

// ErrAlreadyProcessing is returned when Process is called on a queue that is
// already consuming.
var ErrAlreadyProcessing = errors.New("queue is already processing")

// TenantNotFoundError is returned when a tenant ID or hostname is unknown.
// A miss is normal control flow, not a connectivity failure.
type TenantNotFoundError struct {
	TenantID string
}

func (e *TenantNotFoundError) Error() string {
	return fmt.Sprintf("tenant not found: %s", e.TenantID)
}

// JobNotFoundError is returned when a job ID does not exist.
type JobNotFoundError struct {
	JobID string
}

func (e *JobNotFoundError) Error() string {
	return fmt.Sprintf("job not found: %s", e.JobID)
}

// RateLimitExceededError is returned when a tenant exceeds a queue's rate limit.
type RateLimitExceededError struct {
	Key   string
	Limit int
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q: limit is %d", e.Key, e.Limit)
}

// InvalidQueueError is returned when no handler is registered for a queue.
type InvalidQueueError struct {
	Queue string
}

func (e *InvalidQueueError) Error() string {
	return fmt.Sprintf("no handler registered for queue %q", e.Queue)
}

// TransitionError is returned when a lifecycle step is attempted out of order
// or more than once.
type TransitionError struct {
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal lifecycle transition %s -> %s", e.From, e.To)
}

// FatalError marks a startup failure the process must not survive: the
// supervisor is expected to restart it.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as a FatalError for op. A nil err stays nil.
func Fatal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Op: op, Err: err}
}

// IsFatal reports whether err carries a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// PermanentError wraps a job failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether a job error must skip the retry policy.
// Unknown tenants and missing jobs are permanent whether or not they were
// wrapped.
func IsPermanent(err error) bool {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return true
	}
	var tnf *TenantNotFoundError
	if errors.As(err, &tnf) {
		return true
	}
	var jnf *JobNotFoundError
	if errors.As(err, &jnf) {
		return true
	}
	var iq *InvalidQueueError
	return errors.As(err, &iq)
}
