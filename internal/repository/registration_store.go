package repository

import (
	"context"
	"time"

	"github.com/dxaginfo/fan-meet-greet-platform-2025/internal/domain"
)

// RegistrationStore is the durable record of registrations, queue entries and interactions
type RegistrationStore interface {
	// LoadRegistration returns domain.ErrRegistrationNotFound for unknown ids
	LoadRegistration(ctx context.Context, id string) (*domain.Registration, error)

	// LoadActiveQueueEntries returns the event's non-completed entries in position order
	LoadActiveQueueEntries(ctx context.Context, eventID string) ([]*domain.QueueEntry, error)

	// LoadQueueEntry returns an entry by id, archived ones included.
	// Returns domain.ErrQueueEntryNotFound for unknown or deleted entries.
	LoadQueueEntry(ctx context.Context, entryID string) (*domain.QueueEntry, error)

	// LoadInteractionStats aggregates completed interaction durations of an event
	LoadInteractionStats(ctx context.Context, eventID string) (domain.InteractionStats, error)

	// EventExists reports whether the event is known
	EventExists(ctx context.Context, eventID string) (bool, error)

	// UpdateEstimates stores advisory start times; unversioned and best-effort
	UpdateEstimates(ctx context.Context, eventID string, estimates map[string]time.Time) error

	// WithinTx runs fn in one transaction. Nothing fn wrote is kept when it returns an error.
	WithinTx(ctx context.Context, fn func(tx StoreTx) error) error
}

// StoreTx is the write side of a RegistrationStore transaction
type StoreTx interface {
	// SaveRegistrationStatus writes status and timestamps if the stored status still
	// equals expected, otherwise returns domain.ErrConflict
	SaveRegistrationStatus(ctx context.Context, reg *domain.Registration, expected domain.RegistrationStatus) error

	// PersistQueueEntry inserts an entry with Version 0 or updates one whose stored
	// version equals entry.Version. It returns the new version, or domain.ErrConflict.
	PersistQueueEntry(ctx context.Context, entry *domain.QueueEntry) (int64, error)

	// DeleteQueueEntry removes an entry at entry.Version, or returns domain.ErrConflict
	DeleteQueueEntry(ctx context.Context, entry *domain.QueueEntry) error

	// RecordInteraction appends a completed interaction with its duration and staff remarks
	RecordInteraction(ctx context.Context, in *domain.Interaction) error
}

// SnapshotCache shares published queue snapshots with other readers
type SnapshotCache interface {
	// Get returns nil, nil on a miss
	Get(ctx context.Context, eventID string) (*domain.QueueSnapshot, error)
	// Set stores snap unless a newer revision is already cached
	Set(ctx context.Context, snap *domain.QueueSnapshot) error
}
