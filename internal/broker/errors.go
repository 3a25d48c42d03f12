package broker

import "errors"

// Error taxonomy shared by the publisher, the consumption engine, the storage
// implementations and the transport layer. Callers match with errors.Is.
var (
	// ErrNotFound is returned for unknown topics, subscriptions and deliveries.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned on name collisions, stale delivery keys and
	// deletes blocked by dependents.
	ErrConflict = errors.New("conflict")

	// ErrValidation is returned for malformed topics, subscriptions, filters
	// and operation arguments.
	ErrValidation = errors.New("validation failed")

	// ErrDeserialization is returned by typed consumption when a payload does
	// not decode into the requested type. The lease is still held.
	ErrDeserialization = errors.New("payload deserialization failed")

	// ErrContention is a transient storage failure (deadlock, lock wait,
	// CAS mismatch). The operation is safe to retry as a whole.
	ErrContention = errors.New("storage contention")

	// ErrStorageFatal is a non-retryable storage failure.
	ErrStorageFatal = errors.New("storage failure")
)
