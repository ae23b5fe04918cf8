package domain

import "time"

// QueueEntryStatus is the persisted status of a queue entry
type QueueEntryStatus string

const (
	EntryWaiting    QueueEntryStatus = "waiting"
	EntryReady      QueueEntryStatus = "ready"
	EntryInProgress QueueEntryStatus = "in-progress"
	EntryCompleted  QueueEntryStatus = "completed"
)

// QueueEntry is one registration's live slot in an event queue
type QueueEntry struct {
	ID             string           `json:"id"`
	EventID        string           `json:"event_id"`
	RegistrationID string           `json:"registration_id"`
	Position       int              `json:"position"`
	Status         QueueEntryStatus `json:"status"`
	EstimatedTime  *time.Time       `json:"estimated_time,omitempty"`
	AdmittedAt     time.Time        `json:"admitted_at"`
	CalledAt       *time.Time       `json:"called_at,omitempty"`
	// Version is bumped by the store on every persisted change; 0 means never persisted
	Version int64 `json:"version"`
}

// IsActive reports whether the entry still holds a position
func (e *QueueEntry) IsActive() bool {
	switch e.Status {
	case EntryWaiting, EntryReady, EntryInProgress:
		return true
	}
	return false
}

// IsCallable reports whether CallNext may promote the entry
func (e *QueueEntry) IsCallable() bool {
	return e.Status == EntryWaiting || e.Status == EntryReady
}

// Clone returns a deep copy
func (e *QueueEntry) Clone() *QueueEntry {
	c := *e
	if e.EstimatedTime != nil {
		t := *e.EstimatedTime
		c.EstimatedTime = &t
	}
	if e.CalledAt != nil {
		t := *e.CalledAt
		c.CalledAt = &t
	}
	return &c
}

// Validate validates the queue entry
func (e *QueueEntry) Validate() error {
	if e.ID == "" {
		return ErrInvalidEntryID
	}
	if e.EventID == "" {
		return ErrInvalidEventID
	}
	if e.RegistrationID == "" {
		return ErrInvalidRegistrationID
	}
	if e.IsActive() && e.Position < 1 {
		return ErrInvalidPosition
	}
	return nil
}

// InteractionDetails are staff remarks recorded when an interaction completes
type InteractionDetails struct {
	Notes           string `json:"notes,omitempty"`
	IsVIP           bool   `json:"is_vip"`
	SpecialRequests string `json:"special_requests,omitempty"`
}

// Interaction is the archived record of one completed interaction
type Interaction struct {
	RegistrationID  string
	DurationSeconds int
	InteractionDetails
}

// InteractionStats is the running mean of completed interaction durations for one event
type InteractionStats struct {
	Count int           `json:"count"`
	Mean  time.Duration `json:"mean"`
}

// Record folds one more interaction into the mean
func (s InteractionStats) Record(d time.Duration) InteractionStats {
	if d < 0 {
		d = 0
	}
	n := s.Count + 1
	return InteractionStats{
		Count: n,
		Mean:  s.Mean + (d-s.Mean)/time.Duration(n),
	}
}
