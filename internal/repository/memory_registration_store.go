package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dxaginfo/fan-meet-greet-platform-2025/internal/domain"
)

// MemoryRegistrationStore implements RegistrationStore in memory.
// Used for tests and local development without PostgreSQL.
type MemoryRegistrationStore struct {
	mu            sync.RWMutex
	registrations map[string]*domain.Registration
	entries       map[string]*domain.QueueEntry
	events        map[string]struct{}
	interactions  map[string][]int // eventID -> durations in seconds
	records       []domain.Interaction

	txCount  int
	failures []error
}

// NewMemoryRegistrationStore creates an empty in-memory store
func NewMemoryRegistrationStore() *MemoryRegistrationStore {
	return &MemoryRegistrationStore{
		registrations: make(map[string]*domain.Registration),
		entries:       make(map[string]*domain.QueueEntry),
		events:        make(map[string]struct{}),
		interactions:  make(map[string][]int),
	}
}

// AddEvent registers an event id
func (s *MemoryRegistrationStore) AddEvent(eventID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[eventID] = struct{}{}
}

// AddRegistration stores a copy of reg and registers its event
func (s *MemoryRegistrationStore) AddRegistration(reg *domain.Registration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registrations[reg.ID] = reg.Clone()
	s.events[reg.EventID] = struct{}{}
}

// AddInteraction records a completed interaction for an event
func (s *MemoryRegistrationStore) AddInteraction(eventID string, seconds int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interactions[eventID] = append(s.interactions[eventID], seconds)
}

// FailNextTx makes the next WithinTx calls fail with errs in order, after fn has run.
// Nothing written by fn is applied.
func (s *MemoryRegistrationStore) FailNextTx(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, errs...)
}

// TouchQueueEntry bumps a stored entry's version as another writer would
func (s *MemoryRegistrationStore) TouchQueueEntry(entryID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[entryID]; ok {
		e.Version++
	}
}

// TxCount returns how many transactions were started
func (s *MemoryRegistrationStore) TxCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.txCount
}

// Interactions returns the recorded durations of an event
func (s *MemoryRegistrationStore) Interactions(eventID string) []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]int(nil), s.interactions[eventID]...)
}

// InteractionRecords returns the interactions recorded for a registration
func (s *MemoryRegistrationStore) InteractionRecords(registrationID string) []domain.Interaction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Interaction
	for _, in := range s.records {
		if in.RegistrationID == registrationID {
			out = append(out, in)
		}
	}
	return out
}

// SetRegistrationStatus overwrites a stored status, bypassing the state machine
func (s *MemoryRegistrationStore) SetRegistrationStatus(id string, status domain.RegistrationStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reg, ok := s.registrations[id]; ok {
		reg.Status = status
	}
}

// LoadRegistration implements RegistrationStore
func (s *MemoryRegistrationStore) LoadRegistration(ctx context.Context, id string) (*domain.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reg, ok := s.registrations[id]
	if !ok {
		return nil, domain.ErrRegistrationNotFound
	}
	return reg.Clone(), nil
}

// LoadActiveQueueEntries implements RegistrationStore
func (s *MemoryRegistrationStore) LoadActiveQueueEntries(ctx context.Context, eventID string) ([]*domain.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.QueueEntry
	for _, e := range s.entries {
		if e.EventID == eventID && e.IsActive() {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

// LoadQueueEntry implements RegistrationStore
func (s *MemoryRegistrationStore) LoadQueueEntry(ctx context.Context, entryID string) (*domain.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[entryID]
	if !ok {
		return nil, domain.ErrQueueEntryNotFound
	}
	return e.Clone(), nil
}

// LoadInteractionStats implements RegistrationStore
func (s *MemoryRegistrationStore) LoadInteractionStats(ctx context.Context, eventID string) (domain.InteractionStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats domain.InteractionStats
	for _, secs := range s.interactions[eventID] {
		stats = stats.Record(time.Duration(secs) * time.Second)
	}
	return stats, nil
}

// EventExists implements RegistrationStore
func (s *MemoryRegistrationStore) EventExists(ctx context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.events[eventID]
	return ok, nil
}

// UpdateEstimates implements RegistrationStore
func (s *MemoryRegistrationStore) UpdateEstimates(ctx context.Context, eventID string, estimates map[string]time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, t := range estimates {
		if e, ok := s.entries[id]; ok && e.EventID == eventID && e.IsActive() {
			e.EstimatedTime = &t
		}
	}
	return nil
}

// WithinTx implements RegistrationStore. Writes are staged and applied only on success.
func (s *MemoryRegistrationStore) WithinTx(ctx context.Context, fn func(tx StoreTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.txCount++
	tx := &memoryTx{
		store:         s,
		registrations: make(map[string]*domain.Registration),
		entries:       make(map[string]*domain.QueueEntry),
		deleted:       make(map[string]struct{}),
		interactions:  make(map[string][]int),
	}

	if err := fn(tx); err != nil {
		return err
	}

	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return err
	}

	tx.apply()
	return nil
}

// memoryTx stages writes; reads see staged state first. Runs under store.mu.
type memoryTx struct {
	store         *MemoryRegistrationStore
	registrations map[string]*domain.Registration
	entries       map[string]*domain.QueueEntry
	deleted       map[string]struct{}
	interactions  map[string][]int
	records       []domain.Interaction
}

func (tx *memoryTx) registration(id string) (*domain.Registration, bool) {
	if r, ok := tx.registrations[id]; ok {
		return r, true
	}
	r, ok := tx.store.registrations[id]
	return r, ok
}

func (tx *memoryTx) entry(id string) (*domain.QueueEntry, bool) {
	if _, gone := tx.deleted[id]; gone {
		return nil, false
	}
	if e, ok := tx.entries[id]; ok {
		return e, true
	}
	e, ok := tx.store.entries[id]
	return e, ok
}

func (tx *memoryTx) SaveRegistrationStatus(ctx context.Context, reg *domain.Registration, expected domain.RegistrationStatus) error {
	cur, ok := tx.registration(reg.ID)
	if !ok {
		return domain.ErrRegistrationNotFound
	}
	if cur.Status != expected {
		return domain.ErrConflict
	}

	next := cur.Clone()
	next.Status = reg.Status
	next.CheckInTime = nil
	next.CompletionTime = nil
	if reg.CheckInTime != nil {
		t := *reg.CheckInTime
		next.CheckInTime = &t
	}
	if reg.CompletionTime != nil {
		t := *reg.CompletionTime
		next.CompletionTime = &t
	}
	tx.registrations[reg.ID] = next
	return nil
}

func (tx *memoryTx) PersistQueueEntry(ctx context.Context, entry *domain.QueueEntry) (int64, error) {
	cur, exists := tx.entry(entry.ID)

	if entry.Version == 0 {
		if exists {
			return 0, domain.ErrConflict
		}
		if entry.IsActive() && tx.hasActiveEntry(entry.EventID, entry.RegistrationID, entry.ID) {
			return 0, domain.ErrDuplicateEntry
		}
	} else if !exists || cur.Version != entry.Version {
		return 0, domain.ErrConflict
	}

	next := entry.Clone()
	next.Version = entry.Version + 1
	tx.entries[entry.ID] = next
	delete(tx.deleted, entry.ID)
	return next.Version, nil
}

func (tx *memoryTx) hasActiveEntry(eventID, registrationID, exceptID string) bool {
	check := func(e *domain.QueueEntry) bool {
		return e.ID != exceptID && e.EventID == eventID && e.RegistrationID == registrationID && e.IsActive()
	}
	for id, e := range tx.store.entries {
		if _, staged := tx.entries[id]; staged {
			continue
		}
		if _, gone := tx.deleted[id]; gone {
			continue
		}
		if check(e) {
			return true
		}
	}
	for _, e := range tx.entries {
		if check(e) {
			return true
		}
	}
	return false
}

func (tx *memoryTx) DeleteQueueEntry(ctx context.Context, entry *domain.QueueEntry) error {
	cur, ok := tx.entry(entry.ID)
	if !ok || cur.Version != entry.Version {
		return domain.ErrConflict
	}
	delete(tx.entries, entry.ID)
	tx.deleted[entry.ID] = struct{}{}
	return nil
}

func (tx *memoryTx) RecordInteraction(ctx context.Context, in *domain.Interaction) error {
	reg, ok := tx.registration(in.RegistrationID)
	if !ok {
		return domain.ErrRegistrationNotFound
	}
	if in.DurationSeconds < 0 {
		return fmt.Errorf("negative interaction duration %d", in.DurationSeconds)
	}
	tx.interactions[reg.EventID] = append(tx.interactions[reg.EventID], in.DurationSeconds)
	tx.records = append(tx.records, *in)
	return nil
}

func (tx *memoryTx) apply() {
	s := tx.store
	for id, r := range tx.registrations {
		s.registrations[id] = r
	}
	for id := range tx.deleted {
		delete(s.entries, id)
	}
	for id, e := range tx.entries {
		s.entries[id] = e
	}
	for eventID, secs := range tx.interactions {
		s.interactions[eventID] = append(s.interactions[eventID], secs...)
	}
	s.records = append(s.records, tx.records...)
}
