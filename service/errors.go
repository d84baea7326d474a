package service

import (
	"errors"
	"fmt"
)

// ValidationError: a gate precondition did not hold. Never mutates state.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// NotFoundError: the referenced row does not exist or belongs to another parent.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// ConflictError: the requested transition is illegal from the current status.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return e.Reason
}

// ProviderError: an external generation call failed or timed out. The only
// error kind that crosses into the persisted failed state; failed_at_status
// carries enough context to resume.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// CancellationSignal is a cooperative stop observed mid-stage. Not a failure:
// it is never retried and never logged as an error.
type CancellationSignal struct{}

func (e *CancellationSignal) Error() string {
	return "cancellation requested"
}

func IsCancellation(err error) bool {
	var cs *CancellationSignal
	return errors.As(err, &cs)
}
