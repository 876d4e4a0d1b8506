// Package sentinel holds the infrastructure error facts shared by adapters.
// Adapters wrap them with context; the transport layer maps them to status
// codes with errors.Is.
package sentinel

import "errors"

var (
	// ErrNotFound: the asset, entry or key does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict: another writer holds the resource.
	ErrConflict = errors.New("conflict")
	// ErrInvalidState: the resource exists but the operation is not allowed in its current state.
	ErrInvalidState = errors.New("invalid state")
	// ErrUnavailable: a backing system cannot be reached right now.
	ErrUnavailable = errors.New("unavailable")
)
