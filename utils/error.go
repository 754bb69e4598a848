package utils

import (
	"errors"
	"net/http"
)

var ErrorRecordNotFound = errors.New("record not found")

var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrNoTenant          = errors.New("caller is not bound to exactly one tenant")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotActive         = errors.New("exception is no longer active")
	ErrDuplicateKey      = errors.New("an active exception already exists for this reference")
	ErrDetectorFailure   = errors.New("detector failed")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrInvalidInput      = errors.New("invalid input")
)

// HTTPStatusForError maps the error taxonomy onto response codes.
// Anything unknown is a 500.
func HTTPStatusForError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNoTenant):
		return http.StatusForbidden
	case errors.Is(err, ErrorRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotActive), errors.Is(err, ErrDuplicateKey):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
