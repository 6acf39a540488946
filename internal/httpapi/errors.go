package httpapi

import (
	"errors"
	"net/http"

	"github.com/claude-session-broker/broker/internal/sessionmgr"
	"github.com/claude-session-broker/broker/internal/store"
)

// APIError carries the HTTP status a failure should surface as, alongside
// the caller-visible detail string. 5xx details are non-revealing by
// construction — see classify.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string { return e.Detail }

func newAPIError(status int, detail string) *APIError {
	return &APIError{Status: status, Detail: detail}
}

// classify maps a component-level error into the HTTP status taxonomy.
// Component code never talks HTTP directly; this is the one seam where
// sentinel errors become status codes.
func classify(err error) *APIError {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, sessionmgr.ErrInvalidInput), errors.Is(err, sessionmgr.ErrPathEscape):
		return newAPIError(http.StatusBadRequest, err.Error())
	case errors.Is(err, sessionmgr.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return newAPIError(http.StatusNotFound, "session not found")
	case errors.Is(err, sessionmgr.ErrSessionBusy):
		return newAPIError(http.StatusConflict, "session is busy with another request")
	case errors.Is(err, sessionmgr.ErrQuotaExceeded):
		return newAPIError(http.StatusTooManyRequests, "per-user session quota exceeded")
	case errors.Is(err, sessionmgr.ErrOverloaded):
		return newAPIError(http.StatusTooManyRequests, "broker is at capacity, try again later")
	default:
		var b store.Broken
		if errors.As(err, &b) {
			if b.Broken() {
				return newAPIError(http.StatusInternalServerError, "internal error")
			}
			return newAPIError(http.StatusServiceUnavailable, "storage temporarily unavailable")
		}
		return newAPIError(http.StatusInternalServerError, "internal error")
	}
}
