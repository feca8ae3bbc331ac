package registry

import "errors"

var (
	// ErrStoreUnavailable is returned when the backing store cannot be reached or fails an operation.
	ErrStoreUnavailable = errors.New("registry: store unavailable")

	// ErrInvalidArgument is returned for a missing or out of range field. Nothing is mutated.
	ErrInvalidArgument = errors.New("registry: invalid argument")

	// ErrNotFound is returned by Lookup and Unregister for an unknown username.
	ErrNotFound = errors.New("registry: not found")
)
