// Package common defines shared constants and sentinel errors used across
// vidstream layers. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// Service-level errors (generic/internal flow control).
	ErrorInternal      = errors.New("internal error")
	ErrorUnauthorized  = errors.New("unauthorized")
	ErrVersionConflict = errors.New("version conflict")

	// Lifecycle errors. ErrDuplicateEvent marks a redelivered notification
	// whose effect is already applied; it is a recognized no-op, not a failure.
	ErrDuplicateEvent    = errors.New("duplicate event")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrEmptyVariants     = errors.New("at least one variant is required")

	// Storage-key resolution errors. Both are permanent: a malformed key
	// can never resolve no matter how many times the event is redelivered.
	ErrMalformedKey          = errors.New("invalid storage key format")
	ErrMissingTokenSeparator = errors.New("storage key does not contain a token separator")

	// Callback authentication errors.
	ErrMissingSignatureHeaders = errors.New("missing signature headers")
	ErrTimestampOutOfSkew      = errors.New("timestamp too old or too new")
	ErrSignatureMismatch       = errors.New("invalid signature")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)
