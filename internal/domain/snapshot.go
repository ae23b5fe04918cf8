package domain

import "time"

// EntryView is the read model of one active queue entry
type EntryView struct {
	EntryID              string           `json:"entry_id"`
	RegistrationID       string           `json:"registration_id"`
	Position             int              `json:"position"`
	Status               QueueEntryStatus `json:"status"`
	EstimatedStart       time.Time        `json:"estimated_start"`
	EstimatedWaitSeconds int64            `json:"estimated_wait_seconds"`
}

// QueueSnapshot is an immutable, position-ordered view of one event queue.
// Published snapshots are shared between readers and must not be modified.
type QueueSnapshot struct {
	EventID               string      `json:"event_id"`
	Entries               []EntryView `json:"entries"`
	AverageServiceSeconds int64       `json:"average_service_seconds"`
	CompletedInteractions int         `json:"completed_interactions"`
	// Revision increases with every published snapshot of the event
	Revision    uint64    `json:"revision"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Len returns the number of active entries
func (s *QueueSnapshot) Len() int {
	return len(s.Entries)
}

// FindRegistration returns the view for a registration, if it is queued
func (s *QueueSnapshot) FindRegistration(registrationID string) (EntryView, bool) {
	for _, e := range s.Entries {
		if e.RegistrationID == registrationID {
			return e, true
		}
	}
	return EntryView{}, false
}

// Current returns the in-progress entry, if any
func (s *QueueSnapshot) Current() (EntryView, bool) {
	for _, e := range s.Entries {
		if e.Status == EntryInProgress {
			return e, true
		}
	}
	return EntryView{}, false
}
