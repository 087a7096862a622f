package api

import (
	"errors"
	"net/http"

	"github.com/james-iacabucci/formedfor-operations-sub001/domain"
)

var (
	errUnauthorized     = errors.New("unauthorized")
	errInvalidBody      = errors.New("invalid body")
	errDuplicateRequest = errors.New("duplicate idempotency key")
	errDeduper          = errors.New("idempotency store unavailable")
)

// classify maps a handler error to its HTTP status and error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, errInvalidBody):
		return http.StatusBadRequest, "invalid_body"
	case errors.Is(err, errDuplicateRequest):
		return http.StatusConflict, "duplicate_request"
	case errors.Is(err, errDeduper):
		return http.StatusServiceUnavailable, "idempotency_unavailable"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, domain.ErrorCode(err)
	case errors.Is(err, domain.ErrConcurrencyConflict):
		return http.StatusConflict, domain.ErrorCode(err)
	case errors.Is(err, domain.ErrBatchTooLarge):
		return http.StatusUnprocessableEntity, domain.ErrorCode(err)
	case errors.Is(err, domain.ErrInvalidRange),
		errors.Is(err, domain.ErrInvalidDelta),
		errors.Is(err, domain.ErrInvalidPosition),
		errors.Is(err, domain.ErrInvalidScope),
		errors.Is(err, domain.ErrInvalidTask):
		return http.StatusBadRequest, domain.ErrorCode(err)
	case errors.Is(err, domain.ErrPersistence):
		return http.StatusServiceUnavailable, domain.ErrorCode(err)
	default:
		return http.StatusInternalServerError, "internal"
	}
}
