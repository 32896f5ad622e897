package appointment

import (
	"errors"
	"fmt"
)

var (
	ErrSlotUnavailable     = errors.New("slot unavailable")
	ErrOverlap             = errors.New("time overlaps another appointment for this doctor")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrAlreadyFinal        = errors.New("appointment is already cancelled or expired")
	ErrHoldExpired         = errors.New("hold has expired")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrInvalidTime         = errors.New("invalid time")
	ErrConflict            = errors.New("appointment was modified concurrently")
	ErrPaymentNotSettled   = errors.New("payment is not settled")
	ErrPatientEmailMissing = errors.New("patient email is required")
)

// ValidationError reports malformed input on a named field.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Reason)
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
