package ap

import "errors"

// Error kinds surfaced by the protocol core. The HTTP layer maps these to
// status codes with errors.Is; everything else wraps them with %w.
var (
	ErrBadRequest   = errors.New("bad request")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrGone         = errors.New("resource gone (410)")
	ErrConflict     = errors.New("id already exists")
	ErrUpstream     = errors.New("upstream failure")
)
