package auth

import "errors"

var (
	// ErrUnauthenticated means the credential is missing, malformed or has a
	// bad signature.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrUnauthorized means the credential is valid but lacks the scope.
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidScope = errors.New("invalid scope")
)
