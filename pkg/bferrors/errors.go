// Package bferrors defines the error taxonomy shared by the write
// pipeline, the entity indexer, and the execution pool.
package bferrors

import "errors"

// Sentinel errors. Wrap with fmt.Errorf("...: %w", ErrX) at call sites so
// errors.Is still matches after context is added.
var (
	// ErrInvalid marks a caller bug: excluded path, malformed YAML, non-UUID form id.
	ErrInvalid = errors.New("invalid request")

	// ErrNotFound marks a read of a missing blob, row, or entity.
	ErrNotFound = errors.New("not found")

	// ErrPendingDeactivation marks a write blocked by the deactivation guard.
	ErrPendingDeactivation = errors.New("write blocked: pending deactivation")

	// ErrNoWorkerAvailable marks a saturated pool; callers should retry with backoff.
	ErrNoWorkerAvailable = errors.New("no worker available")
)

// InvalidError carries the caller-facing reason for ErrInvalid.
type InvalidError struct {
	Reason string
}

func (e *InvalidError) Error() string { return "invalid: " + e.Reason }
func (e *InvalidError) Unwrap() error { return ErrInvalid }

// NotFoundError carries the missing key for ErrNotFound.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string { return "not found: " + e.Key }
func (e *NotFoundError) Unwrap() error { return ErrNotFound }
