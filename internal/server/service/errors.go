package service

import (
	"errors"
	"fmt"
)

// Error kinds. Handlers map these to HTTP statuses; everything more specific
// wraps one of them.
var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrExpired      = errors.New("message has expired")
	ErrConflict     = errors.New("conflict")
	ErrUpload       = errors.New("upload failed")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrFileTooLarge = errors.New("file exceeds maximum allowed size")
)

var (
	ErrSlugTaken        = fmt.Errorf("%w: slug already taken", ErrConflict)
	ErrRecipientCount   = fmt.Errorf("%w: recipient count must be between 1 and %d", ErrConflict, MaxRecipients)
	ErrChunkFailed      = fmt.Errorf("%w: chunk upload exhausted retries", ErrUpload)
	ErrIncompleteParts  = fmt.Errorf("%w: part list is incomplete", ErrUpload)
	ErrAttemptsExceeded = fmt.Errorf("%w: too many attempts", ErrForbidden)
	ErrGeoMismatch      = fmt.Errorf("%w: viewer location does not match", ErrForbidden)
	ErrInvalidCode      = fmt.Errorf("%w: invalid verification code", ErrUnauthorized)
	ErrInvalidCreator   = fmt.Errorf("%w: invalid creator token", ErrUnauthorized)
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
