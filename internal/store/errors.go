// Package store implements the assistants / threads / runs repositories over
// the shared Postgres pool, with authorization filtering applied to every
// read. Authorization mismatches surface as not-found, never as forbidden,
// so callers cannot probe for existence.
package store

import "errors"

var (
	// ErrNotFound maps to HTTP 404; it also covers authorization mismatch.
	ErrNotFound = errors.New("not found")
	// ErrConflict maps to HTTP 409.
	ErrConflict = errors.New("conflict")
	// ErrValidation maps to HTTP 422.
	ErrValidation = errors.New("invalid request")
)
