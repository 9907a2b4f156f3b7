package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound covers an absent session, participant, or location.
	// The same call will not succeed on retry; the caller must re-resolve.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized is returned when the actor does not own the session.
	ErrUnauthorized = errors.New("not authorized for session")

	// ErrInvalidInput is returned for malformed coordinates or status
	// values, before any state is touched.
	ErrInvalidInput = errors.New("invalid input")
)

// StoreError wraps a durable-store failure during reconciliation. The
// session stays live in the registry, so the presenter can retry End.
type StoreError struct {
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("attendance store: %v", e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
