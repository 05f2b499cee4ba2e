package models

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the lock manager, orchestrator, reconciler and
// config store. Handlers map these onto HTTP status codes.
var (
	// ErrSeatUnavailable: the seat is locked by someone else or already booked
	ErrSeatUnavailable = errors.New("seat unavailable")

	// ErrLockExpired: the caller's lock is gone or was taken over after expiry
	ErrLockExpired = errors.New("seat lock expired")

	// ErrLockInvalid: a seat claim no longer matches a live lock
	ErrLockInvalid = errors.New("seat lock invalid")

	// ErrValidation: bad input, never retried automatically
	ErrValidation = errors.New("validation error")

	// ErrGatewayUnavailable: the payment session could not be opened
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")

	// ErrAlreadyTerminal: another transition already settled the group
	ErrAlreadyTerminal = errors.New("booking group already terminal")

	// ErrWebhookRejected: a gateway webhook failed verification. Redelivery
	// cannot fix it, so it is acknowledged and not retried.
	ErrWebhookRejected = errors.New("payment webhook rejected")

	// ErrTicketIssuance: ticket issuance failed after payment, needs an operator
	ErrTicketIssuance = errors.New("ticket issuance failed")

	// ErrNotConfigured: the setting has no stored value
	ErrNotConfigured = errors.New("setting not configured")

	ErrGroupNotFound   = errors.New("booking group not found")
	ErrSessionNotFound = errors.New("payment session not found")
	ErrSeatNotFound    = errors.New("seat not found")

	// ErrVersionConflict is returned by the store when a compare-and-swap
	// observed a stale version. The orchestrator reloads and retries.
	ErrVersionConflict = errors.New("booking group version conflict")
)

// ValidationError wraps ErrValidation with a field and detail message
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Message)
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError builds a ValidationError
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// SeatLockInvalidError identifies the first seat whose lock failed verification
// during group creation
type SeatLockInvalidError struct {
	TripID string
	SeatID string
}

func (e *SeatLockInvalidError) Error() string {
	return fmt.Sprintf("seat lock invalid for seat %s on trip %s", e.SeatID, e.TripID)
}

func (e *SeatLockInvalidError) Unwrap() error { return ErrLockInvalid }
