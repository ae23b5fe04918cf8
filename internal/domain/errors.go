package domain

import "errors"

// Domain errors
var (
	// Lookup errors
	ErrRegistrationNotFound = errors.New("registration not found")
	ErrQueueEntryNotFound   = errors.New("queue entry not found")
	ErrEventNotFound        = errors.New("event not found")
	ErrQueueEmpty           = errors.New("no waiting entry to call")
	ErrNoActiveInteraction  = errors.New("no interaction in progress")

	// State machine and ledger errors
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidPosition   = errors.New("position out of range")
	ErrSlotOccupied      = errors.New("an interaction is already in progress for this event")
	ErrDuplicateEntry    = errors.New("registration already has an active queue entry")

	// Persistence and caller errors
	ErrConflict         = errors.New("concurrent update conflict")
	ErrDeadlineExceeded = errors.New("deadline exceeded")

	// Validation errors
	ErrInvalidRegistrationID = errors.New("invalid registration id")
	ErrInvalidEventID        = errors.New("invalid event id")
	ErrInvalidEntryID        = errors.New("invalid queue entry id")
	ErrInvalidCheckInPass    = errors.New("invalid check-in pass")
)

// IsNotFoundError checks if the error is a not found error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrRegistrationNotFound) ||
		errors.Is(err, ErrQueueEntryNotFound) ||
		errors.Is(err, ErrEventNotFound) ||
		errors.Is(err, ErrQueueEmpty) ||
		errors.Is(err, ErrNoActiveInteraction)
}

// IsValidationError checks if the error is caused by bad input
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidPosition) ||
		errors.Is(err, ErrInvalidRegistrationID) ||
		errors.Is(err, ErrInvalidEventID) ||
		errors.Is(err, ErrInvalidEntryID)
}

// IsConflictError checks if the error is a state conflict
func IsConflictError(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrSlotOccupied) ||
		errors.Is(err, ErrDuplicateEntry) ||
		errors.Is(err, ErrConflict)
}
