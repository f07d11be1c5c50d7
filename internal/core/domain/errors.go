package domain

import "errors"

// Error taxonomy shared across the engine, the runtime gateway and the
// registry. Callers classify with errors.Is; generic operation failures are
// plain wrapped errors.
var (
	// ErrConnection means the container runtime is unreachable. Fatal to the
	// calling operation, never retried automatically.
	ErrConnection = errors.New("container runtime unreachable")

	// ErrNotFound covers absent containers, images, environments and folders.
	ErrNotFound = errors.New("not found")

	// ErrValidation covers bad names and illegal state transitions. Never
	// retried.
	ErrValidation = errors.New("validation failed")

	// ErrLockTimeout means the registry lock could not be acquired within the
	// bounded wait. Safe for the caller to retry.
	ErrLockTimeout = errors.New("timed out waiting for registry lock")

	// ErrPersistence means the registry file is corrupt or unreadable and
	// needs operator intervention.
	ErrPersistence = errors.New("registry file unreadable")
)
