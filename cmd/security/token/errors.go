package token

import "errors"

// Public, stable errors for callers.
var (
	ErrMissing  = errors.New("bearer token missing")
	ErrMismatch = errors.New("bearer token mismatch")
)
