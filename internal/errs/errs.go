// Package errs defines the error taxonomy shared across the control plane
// (spec §7). Call sites wrap these sentinels with fmt.Errorf("...: %w", ...)
// and callers distinguish them with errors.Is.
package errs

import "errors"

var (
	// ErrSequenceConflict means the expected sequence number for an
	// aggregate did not match its current sequence. Retried by the lock
	// manager before being surfaced.
	ErrSequenceConflict = errors.New("sequence conflict")

	// ErrNoHealthyHandler means no live instance is registered for the
	// requested message type. Never retried automatically.
	ErrNoHealthyHandler = errors.New("no healthy handler")

	// ErrRegistryUnavailable means the registry store backend failed.
	// Reads degrade to empty results; writes fail.
	ErrRegistryUnavailable = errors.New("registry unavailable")

	// ErrStorageUnavailable means the event log or snapshot store backend
	// failed. Both writes and reads fail.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrValidation means malformed input was rejected at a boundary.
	ErrValidation = errors.New("validation error")

	// ErrCancelled means the operation was cancelled before completion.
	ErrCancelled = errors.New("operation cancelled")

	// ErrNotFound means the requested record does not exist.
	ErrNotFound = errors.New("not found")
)
