// Package errs contains sentinel errors shared by the store, the session
// components and the HTTP layer so failures map to stable responses.
package errs

import "errors"

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation, e.g. a second
	// grant for the same document and grantee.
	ErrAlreadyExists = errors.New("already exists")

	// ErrForbidden indicates the caller's access tier is too low.
	ErrForbidden = errors.New("forbidden")

	// ErrUnauthorized indicates a missing or invalid identity.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidSnapshot indicates a serialized document could not be restored.
	ErrInvalidSnapshot = errors.New("invalid snapshot")

	// ErrClosed indicates an operation on a channel or session that was torn down.
	ErrClosed = errors.New("closed")
)
