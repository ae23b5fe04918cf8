package domain

import (
	"fmt"
	"time"
)

// RegistrationStatus is the persisted status of a registration
type RegistrationStatus string

const (
	RegistrationPending   RegistrationStatus = "pending"
	RegistrationApproved  RegistrationStatus = "approved"
	RegistrationCheckedIn RegistrationStatus = "checked-in"
	RegistrationCompleted RegistrationStatus = "completed"
	RegistrationNoShow    RegistrationStatus = "no-show"
	RegistrationCancelled RegistrationStatus = "cancelled"
)

// Registration is one attendee's reservation for one event.
// The scheduler only changes Status, CheckInTime and CompletionTime.
type Registration struct {
	ID               string             `json:"id"`
	EventID          string             `json:"event_id"`
	PackageID        string             `json:"package_id,omitempty"`
	UserID           string             `json:"user_id"`
	Status           RegistrationStatus `json:"status"`
	RegistrationTime time.Time          `json:"registration_time"`
	CheckInTime      *time.Time         `json:"check_in_time,omitempty"`
	CompletionTime   *time.Time         `json:"completion_time,omitempty"`
	Notes            string             `json:"notes,omitempty"`
	QRCode           string             `json:"qr_code,omitempty"`
}

// Clone returns a deep copy
func (r *Registration) Clone() *Registration {
	c := *r
	if r.CheckInTime != nil {
		t := *r.CheckInTime
		c.CheckInTime = &t
	}
	if r.CompletionTime != nil {
		t := *r.CompletionTime
		c.CompletionTime = &t
	}
	return &c
}

// Validate checks identifiers and the timestamp invariants
func (r *Registration) Validate() error {
	if r.ID == "" {
		return ErrInvalidRegistrationID
	}
	if r.EventID == "" {
		return ErrInvalidEventID
	}

	switch r.Status {
	case RegistrationCheckedIn, RegistrationCompleted:
	default:
		if r.CheckInTime != nil {
			return fmt.Errorf("check-in time set on %s registration %s", r.Status, r.ID)
		}
	}
	if r.Status != RegistrationCompleted && r.CompletionTime != nil {
		return fmt.Errorf("completion time set on %s registration %s", r.Status, r.ID)
	}
	return nil
}
