package domain

import "time"

// QueueEventType names a queue transition published to the event stream
type QueueEventType string

const (
	QueueEventAdmitted  QueueEventType = "queue.admitted"
	QueueEventCheckedIn QueueEventType = "queue.checked_in"
	QueueEventCalled    QueueEventType = "queue.called"
	QueueEventCompleted QueueEventType = "queue.completed"
	QueueEventNoShow    QueueEventType = "queue.no_show"
	QueueEventCancelled QueueEventType = "queue.cancelled"
	QueueEventReordered QueueEventType = "queue.reordered"
)

// QueueEvent is emitted after a queue transition has been committed
type QueueEvent struct {
	ID             string           `json:"id"`
	Type           QueueEventType   `json:"type"`
	EventID        string           `json:"event_id"`
	EntryID        string           `json:"entry_id,omitempty"`
	RegistrationID string           `json:"registration_id"`
	Position       int              `json:"position,omitempty"`
	Status         QueueEntryStatus `json:"status,omitempty"`
	QueueLength    int              `json:"queue_length"`
	OccurredAt     time.Time        `json:"occurred_at"`
}

// NewQueueEvent builds an event from the entry's state after the transition
func NewQueueEvent(id string, eventType QueueEventType, entry *QueueEntry, queueLength int, at time.Time) *QueueEvent {
	return &QueueEvent{
		ID:             id,
		Type:           eventType,
		EventID:        entry.EventID,
		EntryID:        entry.ID,
		RegistrationID: entry.RegistrationID,
		Position:       entry.Position,
		Status:         entry.Status,
		QueueLength:    queueLength,
		OccurredAt:     at,
	}
}

// Key partitions events by artist event so consumers see them in order
func (e *QueueEvent) Key() string {
	return e.EventID
}
