package scheduling

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by this package matches exactly one of
// these through errors.Is; the HTTP layer maps kinds to status codes.
var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("validation failed")
	ErrConflict     = errors.New("conflict")
	ErrForbidden    = errors.New("forbidden")
	ErrPastDateTime = errors.New("date and time are in the past")
)

type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.kind }

var (
	ErrDoctorNotFound      = &kindError{ErrNotFound, "doctor not found"}
	ErrAppointmentNotFound = &kindError{ErrNotFound, "appointment not found"}
	ErrWindowNotFound      = &kindError{ErrNotFound, "availability window not found"}

	ErrDoctorUnavailable = &kindError{ErrConflict, "doctor is not accepting appointments"}
	ErrSlotAlreadyBooked = &kindError{ErrConflict, "slot already booked"}
	ErrStaleVersion      = &kindError{ErrConflict, "record was modified by another request; reload and retry"}
	ErrWindowOverlap     = &kindError{ErrConflict, "availability window overlaps an existing window"}
	ErrDoctorHasBookings = &kindError{ErrConflict, "doctor has upcoming appointments"}

	ErrSlotNotOffered = &kindError{ErrValidation, "time is not an offered slot in the doctor's availability"}
)

// InvalidTransitionError reports a status change the appointment state
// machine does not allow.
type InvalidTransitionError struct {
	From   Status
	To     Status
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("cannot transition appointment from %s to %s", e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InvalidTransitionError) Unwrap() error { return ErrConflict }

func validationErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func forbiddenf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrForbidden, fmt.Sprintf(format, args...))
}

// outcome labels a booking result for metrics.
func outcome(err error) string {
	var ite *InvalidTransitionError
	switch {
	case err == nil:
		return "booked"
	case errors.Is(err, ErrDoctorNotFound):
		return "doctor_not_found"
	case errors.Is(err, ErrPastDateTime):
		return "past_datetime"
	case errors.Is(err, ErrDoctorUnavailable):
		return "doctor_unavailable"
	case errors.Is(err, ErrSlotNotOffered):
		return "slot_not_offered"
	case errors.Is(err, ErrSlotAlreadyBooked):
		return "slot_already_booked"
	case errors.As(err, &ite):
		return "invalid_transition"
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}
