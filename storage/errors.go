package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when a catalog entry is not found.
	ErrNotFound = errors.New("catalog entry not found")

	// ErrInvalidName is returned for names that cannot be used as KV keys.
	ErrInvalidName = errors.New("invalid catalog name")
)
