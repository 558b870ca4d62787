package services

import "errors"

// Service-level sentinel errors. Handlers map these to structured HTTP
// rejections; nothing below the transport boundary knows about status codes.
var (
	// ErrUnauthorized means the control secret did not match.
	ErrUnauthorized = errors.New("control secret mismatch")

	// ErrInvalidInput means a required issuance parameter is missing or
	// out of range. Wrapped with field detail.
	ErrInvalidInput = errors.New("invalid input")

	// ErrKeyExists means issuance was rejected because the id is taken.
	ErrKeyExists = errors.New("key already exists")

	// ErrKeyInvalid means validation found no record for the key.
	ErrKeyInvalid = errors.New("key is invalid")

	// ErrKeyExpired means the key's expiry is in the past.
	ErrKeyExpired = errors.New("key has expired")

	// ErrSeatLimit means every seat is taken and the caller holds none.
	ErrSeatLimit = errors.New("maximum users reached")

	// ErrMissingIdentity means a validation call arrived without a user.
	ErrMissingIdentity = errors.New("user identity is required")

	// ErrStore wraps persistence failures. Any speculative seat claim has
	// been rolled back by the store when this is returned.
	ErrStore = errors.New("key store failure")
)
