package bridge

import (
	"errors"
	"net/http"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrUnclassified   = errors.New("unclassified event")
	ErrNotImplemented = errors.New("not implemented")
)

// StatusFor maps a lifecycle error onto the HTTP status returned to the webhook caller.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrUnclassified):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func CodeFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrUnclassified):
		return "unclassified"
	default:
		return "downstream_failure"
	}
}
