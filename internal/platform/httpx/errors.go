// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

// ErrMalformedBody indicates a request body that could not be decoded.
var ErrMalformedBody = errors.New("malformed request body")

// StatusFor maps an error kind to its HTTP status.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, shared.ErrIntegrity):
		return http.StatusInternalServerError
	case errors.Is(err, shared.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrMalformedBody):
		return http.StatusBadRequest
	case errors.Is(err, shared.ErrValidation), errors.Is(err, shared.ErrSerialMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, shared.ErrInsufficientStock), errors.Is(err, shared.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, shared.ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	switch status {
	case http.StatusInternalServerError:
		Problem(w, status, "Internal Error", "")
		return
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
	case http.StatusConflict:
		if shared.IsRetryable(err) {
			w.Header().Set("Retry-After", "1")
		}
	}
	Problem(w, status, http.StatusText(status), err.Error())
}
