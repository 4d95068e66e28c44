package domain

import "errors"

var (
	// ErrStoreUnavailable means the job store, or the shared store behind
	// dedup and rate limiting, cannot be reached. Callers surface it ("try
	// again later") instead of queuing in memory.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrDisconnected is returned once reconnection has been given up.
	ErrDisconnected = errors.New("job store disconnected")

	ErrNotFound = errors.New("job not found")

	// ErrLeaseLost means the caller no longer holds the claim on a job,
	// usually because the reaper or a shutdown released it.
	ErrLeaseLost = errors.New("job lease lost")

	// ErrDuplicate is returned by a store when a live job with the same
	// idempotency key already exists.
	ErrDuplicate = errors.New("duplicate job")

	ErrInvalidEvent   = errors.New("invalid event type")
	ErrInvalidPayload = errors.New("invalid payload")
)

// DuplicateError carries the id of the live job that caused ErrDuplicate.
type DuplicateError struct {
	ExistingID string
}

func (e *DuplicateError) Error() string { return "duplicate job: " + e.ExistingID }

func (e *DuplicateError) Unwrap() error { return ErrDuplicate }

type unavailableError struct{ err error }

func (e unavailableError) Error() string { return "store unavailable: " + e.err.Error() }

func (e unavailableError) Unwrap() []error { return []error{ErrStoreUnavailable, e.err} }

// Unavailable marks err as a transport failure of a backing store.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	return unavailableError{err: err}
}
