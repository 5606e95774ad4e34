package sync

import (
	"errors"
	"fmt"
)

var (
	// ErrOffline is returned when an operation that needs the network is
	// invoked while the connectivity signal reports offline.
	ErrOffline = errors.New("client is offline")

	// ErrFlushInFlight is returned by Flush when another flush is already
	// running; the call is a no-op.
	ErrFlushInFlight = errors.New("flush already in flight")

	// ErrSyncInFlight is the sync-down equivalent of ErrFlushInFlight.
	ErrSyncInFlight = errors.New("sync-down already in flight")
)

// NetworkError is a transport-level failure: no response was received at
// all. It is transient; the outbox pauses at the failing entry and
// nothing is deleted.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network: %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ConflictError reports that the server rejected a submission because its
// state diverged from what the client assumed. Expected and non-fatal;
// it converts into a conflict record for operator resolution.
type ConflictError struct {
	Resource string
	EntityID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: server state diverged for %s/%s", e.Resource, e.EntityID)
}

// ValidationError is a definitive rejection (e.g. a 422): retrying the
// same payload cannot succeed, so the entry is dropped and the error
// surfaced for operator visibility.
type ValidationError struct {
	Status int
	Body   []byte
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("rejected with status %d: %s", e.Status, e.Body)
}
