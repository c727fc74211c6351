package storage

import "errors"

// Storage errors.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when attempting to insert a record
	// with a key that already exists (token address, symbol, trade id).
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict is returned when a transaction could not be serialized
	// against concurrent writers (lock timeout, deadlock, serialization failure).
	// It is transient: the whole transaction may be retried.
	ErrConflict = errors.New("transaction conflict")
)
