package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dxaginfo/fan-meet-greet-platform-2025/internal/domain"
)

// Ledger is the position-ordered set of active entries of one event queue.
// entries[i] holds position i+1. A Ledger is not safe for concurrent use:
// the scheduler mutates a Clone under the event's exclusive section and swaps it in on commit.
type Ledger struct {
	eventID string
	entries []*domain.QueueEntry
	newID   func() string
}

// Option configures a Ledger
type Option func(*Ledger)

// WithIDGenerator overrides how entry ids are generated
func WithIDGenerator(fn func() string) Option {
	return func(l *Ledger) {
		l.newID = fn
	}
}

// New creates an empty ledger for eventID
func New(eventID string, opts ...Option) *Ledger {
	l := &Ledger{
		eventID: eventID,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// FromEntries builds a ledger from stored active entries and checks its invariants
func FromEntries(eventID string, entries []*domain.QueueEntry, opts ...Option) (*Ledger, error) {
	l := New(eventID, opts...)
	for _, e := range entries {
		l.entries = append(l.entries, e.Clone())
	}
	sort.SliceStable(l.entries, func(i, j int) bool {
		return l.entries[i].Position < l.entries[j].Position
	})

	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

// EventID returns the event the ledger belongs to
func (l *Ledger) EventID() string {
	return l.eventID
}

// Len returns the number of active entries
func (l *Ledger) Len() int {
	return len(l.entries)
}

// Enqueue appends a waiting entry for registrationID at position Len()+1
func (l *Ledger) Enqueue(registrationID string, now time.Time) (*domain.QueueEntry, error) {
	if registrationID == "" {
		return nil, domain.ErrInvalidRegistrationID
	}
	if _, ok := l.indexOfRegistration(registrationID); ok {
		return nil, fmt.Errorf("%w: registration %s", domain.ErrDuplicateEntry, registrationID)
	}

	entry := &domain.QueueEntry{
		ID:             l.newID(),
		EventID:        l.eventID,
		RegistrationID: registrationID,
		Position:       len(l.entries) + 1,
		Status:         domain.EntryWaiting,
		AdmittedAt:     now,
	}
	l.entries = append(l.entries, entry)
	return entry.Clone(), nil
}

// Reorder moves entryID to newPosition and shifts the entries in between by one.
// The in-progress entry keeps the head of the queue: it cannot be moved and nothing
// can be moved in front of it.
func (l *Ledger) Reorder(entryID string, newPosition int) error {
	from, ok := l.indexOf(entryID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrQueueEntryNotFound, entryID)
	}
	if newPosition < 1 || newPosition > len(l.entries) {
		return fmt.Errorf("%w: %d not in [1, %d]", domain.ErrInvalidPosition, newPosition, len(l.entries))
	}

	if cur, ok := l.indexOfCurrent(); ok {
		if cur == from {
			return fmt.Errorf("%w: entry %s is in progress", domain.ErrInvalidTransition, entryID)
		}
		if newPosition <= cur+1 {
			return fmt.Errorf("%w: position %d is held by the interaction in progress", domain.ErrInvalidTransition, newPosition)
		}
	}

	to := newPosition - 1
	if from == to {
		return nil
	}

	moved := l.entries[from]
	if from < to {
		copy(l.entries[from:to], l.entries[from+1:to+1])
	} else {
		copy(l.entries[to+1:from+1], l.entries[to:from])
	}
	l.entries[to] = moved

	l.renumber(min(from, to))
	return nil
}

// Dequeue removes entryID and closes the gap. It returns the removed entry.
func (l *Ledger) Dequeue(entryID string) (*domain.QueueEntry, error) {
	i, ok := l.indexOf(entryID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrQueueEntryNotFound, entryID)
	}

	removed := l.entries[i]
	l.entries = append(l.entries[:i], l.entries[i+1:]...)
	l.renumber(i)
	return removed.Clone(), nil
}

// Peek returns copies of the active entries in position order
func (l *Ledger) Peek() []domain.QueueEntry {
	out := make([]domain.QueueEntry, len(l.entries))
	for i, e := range l.entries {
		out[i] = *e.Clone()
	}
	return out
}

// Get returns a copy of the entry with entryID
func (l *Ledger) Get(entryID string) (*domain.QueueEntry, bool) {
	i, ok := l.indexOf(entryID)
	if !ok {
		return nil, false
	}
	return l.entries[i].Clone(), true
}

// ByRegistration returns a copy of the active entry of registrationID
func (l *Ledger) ByRegistration(registrationID string) (*domain.QueueEntry, bool) {
	i, ok := l.indexOfRegistration(registrationID)
	if !ok {
		return nil, false
	}
	return l.entries[i].Clone(), true
}

// Current returns a copy of the in-progress entry
func (l *Ledger) Current() (*domain.QueueEntry, bool) {
	i, ok := l.indexOfCurrent()
	if !ok {
		return nil, false
	}
	return l.entries[i].Clone(), true
}

// NextCallable returns a copy of the lowest-position waiting or ready entry
func (l *Ledger) NextCallable() (*domain.QueueEntry, bool) {
	for _, e := range l.entries {
		if e.IsCallable() {
			return e.Clone(), true
		}
	}
	return nil, false
}

// SetStatus changes an active entry's status; moving to in-progress stamps CalledAt
func (l *Ledger) SetStatus(entryID string, status domain.QueueEntryStatus, at time.Time) error {
	i, ok := l.indexOf(entryID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrQueueEntryNotFound, entryID)
	}

	e := l.entries[i]
	if status == domain.EntryInProgress {
		if cur, busy := l.indexOfCurrent(); busy && cur != i {
			return domain.ErrSlotOccupied
		}
		t := at
		e.CalledAt = &t
	}
	e.Status = status
	return nil
}

// SetVersion records the version the store assigned to an entry
func (l *Ledger) SetVersion(entryID string, version int64) {
	if i, ok := l.indexOf(entryID); ok {
		l.entries[i].Version = version
	}
}

// SetEstimates stores estimated start times by entry id; unknown ids are ignored
func (l *Ledger) SetEstimates(estimates map[string]time.Time) {
	for _, e := range l.entries {
		if t, ok := estimates[e.ID]; ok {
			e.EstimatedTime = &t
		}
	}
}

// Clone returns a deep copy that can be mutated independently
func (l *Ledger) Clone() *Ledger {
	c := &Ledger{
		eventID: l.eventID,
		entries: make([]*domain.QueueEntry, len(l.entries)),
		newID:   l.newID,
	}
	for i, e := range l.entries {
		c.entries[i] = e.Clone()
	}
	return c
}

// Changed returns copies of the entries whose position, status or call time
// differ from prev, including entries prev does not have.
func (l *Ledger) Changed(prev *Ledger) []*domain.QueueEntry {
	var out []*domain.QueueEntry
	for _, e := range l.entries {
		var old *domain.QueueEntry
		if prev != nil {
			if i, ok := prev.indexOf(e.ID); ok {
				old = prev.entries[i]
			}
		}
		if old == nil || old.Position != e.Position || old.Status != e.Status || !sameTime(old.CalledAt, e.CalledAt) {
			out = append(out, e.Clone())
		}
	}
	return out
}

// Validate checks contiguity from 1, unique entries and registrations, and a single in-progress entry
func (l *Ledger) Validate() error {
	seenEntry := make(map[string]struct{}, len(l.entries))
	seenReg := make(map[string]struct{}, len(l.entries))
	inProgress := 0

	for i, e := range l.entries {
		if e.EventID != l.eventID {
			return fmt.Errorf("entry %s belongs to event %s, not %s", e.ID, e.EventID, l.eventID)
		}
		if e.Position != i+1 {
			return fmt.Errorf("%w: entry %s at position %d, expected %d", domain.ErrInvalidPosition, e.ID, e.Position, i+1)
		}
		if !e.IsActive() {
			return fmt.Errorf("entry %s has inactive status %s", e.ID, e.Status)
		}
		if _, dup := seenEntry[e.ID]; dup {
			return fmt.Errorf("%w: entry %s appears twice", domain.ErrDuplicateEntry, e.ID)
		}
		if _, dup := seenReg[e.RegistrationID]; dup {
			return fmt.Errorf("%w: registration %s", domain.ErrDuplicateEntry, e.RegistrationID)
		}
		seenEntry[e.ID] = struct{}{}
		seenReg[e.RegistrationID] = struct{}{}

		if e.Status == domain.EntryInProgress {
			inProgress++
		}
	}

	if inProgress > 1 {
		return fmt.Errorf("%w: %d entries in progress", domain.ErrSlotOccupied, inProgress)
	}
	return nil
}

func (l *Ledger) renumber(from int) {
	for i := from; i < len(l.entries); i++ {
		l.entries[i].Position = i + 1
	}
}

func (l *Ledger) indexOf(entryID string) (int, bool) {
	for i, e := range l.entries {
		if e.ID == entryID {
			return i, true
		}
	}
	return -1, false
}

func (l *Ledger) indexOfRegistration(registrationID string) (int, bool) {
	for i, e := range l.entries {
		if e.RegistrationID == registrationID {
			return i, true
		}
	}
	return -1, false
}

func (l *Ledger) indexOfCurrent() (int, bool) {
	for i, e := range l.entries {
		if e.Status == domain.EntryInProgress {
			return i, true
		}
	}
	return -1, false
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
