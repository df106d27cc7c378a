package errors

import "errors"

// This package defines a centralized set of sentinel errors for the engine.
// Using sentinel errors lets components report specific, recognizable outcomes
// without coupling them to transport details. Callers dispatch on these with
// `errors.Is()`; the two the sync scheduler cares about are ErrUnauthorized
// (downgrade to local-only mode) and ErrNotFound (create instead of update).

var (
	// ErrNotFound signifies that a requested resource could not be located,
	// locally or on the remote mirror (a 404 from the remote API maps here).
	ErrNotFound = errors.New("resource not found")

	// ErrValidation signifies that input data (e.g. an import envelope)
	// failed validation.
	ErrValidation = errors.New("validation failed")

	// ErrConflict signifies that an operation conflicts with the current
	// state of a resource.
	ErrConflict = errors.New("resource conflict")

	// ErrUnauthorized signifies that the remote mirror rejected our
	// credentials (401). This is the only remote error that changes sync
	// mode: the chat store catches it and falls back to local-only.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInternal signifies an unexpected failure that should never surface
	// to the UI as anything more specific.
	ErrInternal = errors.New("internal error")
)
