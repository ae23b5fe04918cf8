package domain

import (
	"fmt"
	"time"
)

// Stage is the single source of truth for where a registration is in its lifecycle.
// Registration status and queue entry status are both derived from it.
type Stage string

const (
	StagePending    Stage = "pending"
	StageApproved   Stage = "approved"
	StageCheckedIn  Stage = "checked-in"
	StageInProgress Stage = "in-progress"
	StageCompleted  Stage = "completed"
	StageNoShow     Stage = "no-show"
	StageCancelled  Stage = "cancelled"
)

var transitions = map[Stage][]Stage{
	StagePending:    {StageApproved, StageNoShow, StageCancelled},
	StageApproved:   {StageCheckedIn, StageInProgress, StageNoShow, StageCancelled},
	StageCheckedIn:  {StageInProgress},
	StageInProgress: {StageCompleted},
}

// StageOf derives the stage from a stored registration and its queue entry (nil if none).
// A checked-in registration whose entry is in progress is in StageInProgress.
func StageOf(reg *Registration, entry *QueueEntry) (Stage, error) {
	switch reg.Status {
	case RegistrationPending:
		return StagePending, nil
	case RegistrationApproved:
		return StageApproved, nil
	case RegistrationCheckedIn:
		if entry != nil && entry.Status == EntryInProgress {
			return StageInProgress, nil
		}
		return StageCheckedIn, nil
	case RegistrationCompleted:
		return StageCompleted, nil
	case RegistrationNoShow:
		return StageNoShow, nil
	case RegistrationCancelled:
		return StageCancelled, nil
	}
	return "", fmt.Errorf("unknown registration status %q", reg.Status)
}

// RegistrationStatus maps the stage to the persisted registration status
func (s Stage) RegistrationStatus() RegistrationStatus {
	switch s {
	case StageInProgress:
		return RegistrationCheckedIn
	default:
		return RegistrationStatus(s)
	}
}

// EntryStatus maps the stage to the queue entry status.
// ok is false when the stage has no queue entry.
func (s Stage) EntryStatus() (status QueueEntryStatus, ok bool) {
	switch s {
	case StageApproved:
		return EntryWaiting, true
	case StageCheckedIn:
		return EntryReady, true
	case StageInProgress:
		return EntryInProgress, true
	case StageCompleted:
		return EntryCompleted, true
	}
	return "", false
}

// HoldsPosition reports whether a registration in this stage occupies a queue position
func (s Stage) HoldsPosition() bool {
	return s == StageApproved || s == StageCheckedIn || s == StageInProgress
}

// IsTerminal reports whether no transition leaves the stage
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageNoShow || s == StageCancelled
}

// CanTransition reports whether from -> to is a legal edge
func (s Stage) CanTransition(to Stage) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates the edge and returns an updated copy of reg with status and
// timestamps set for the target stage. reg itself is not modified.
func Transition(reg *Registration, from, to Stage, now time.Time) (*Registration, error) {
	if !from.CanTransition(to) {
		return nil, fmt.Errorf("%w: registration %s %s -> %s", ErrInvalidTransition, reg.ID, from, to)
	}

	next := reg.Clone()
	next.Status = to.RegistrationStatus()

	switch to {
	case StageCheckedIn, StageInProgress:
		if next.CheckInTime == nil {
			t := now
			next.CheckInTime = &t
		}
	case StageCompleted:
		if next.CheckInTime == nil {
			t := now
			next.CheckInTime = &t
		}
		t := now
		next.CompletionTime = &t
	}

	return next, nil
}
