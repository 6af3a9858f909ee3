package shared

import "errors"

// Error kinds surfaced by the core. Module errors wrap one of these so callers
// can branch with errors.Is without knowing the originating package.
var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("validation failed")
	// ErrInsufficientStock indicates a decrease that would take stock below zero.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrSerialMismatch indicates a serial count or membership violation.
	ErrSerialMismatch = errors.New("serial number mismatch")
	// ErrConflict indicates a concurrent update that could not be resolved by retrying.
	ErrConflict = errors.New("concurrent update conflict")
	// ErrTransient indicates a storage timeout or connection failure; safe to retry.
	ErrTransient = errors.New("transient storage failure")
	// ErrIntegrity marks broken persisted state, e.g. a product without inventory record.
	ErrIntegrity = errors.New("data integrity violation")
)

// IsRetryable reports whether a caller may resubmit the request with the same idempotency key.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrTransient)
}
