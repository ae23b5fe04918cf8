package service

import (
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dxaginfo/fan-meet-greet-platform-2025/internal/domain"
	"github.com/dxaginfo/fan-meet-greet-platform-2025/internal/ledger"
)

// eventQueue is the live state of one event. ledger, stats, revision, lastActive
// and evicted are guarded by sem; snapshot is read without locking.
type eventQueue struct {
	eventID string
	sem     *semaphore.Weighted

	ledger     *ledger.Ledger
	stats      domain.InteractionStats
	revision   uint64
	lastActive time.Time
	// evicted is set once the queue left the scheduler; holders must look it up again
	evicted bool

	snapshot atomic.Pointer[domain.QueueSnapshot]
}

func newEventQueue(eventID string, l *ledger.Ledger, stats domain.InteractionStats, now time.Time) *eventQueue {
	return &eventQueue{
		eventID:    eventID,
		sem:        semaphore.NewWeighted(1),
		ledger:     l,
		stats:      stats,
		lastActive: now,
	}
}

// idleSince reports whether the queue has no active entries and saw no mutation after cutoff
func (q *eventQueue) idleSince(cutoff time.Time) bool {
	return q.ledger.Len() == 0 && !q.lastActive.After(cutoff)
}

// nextRevision returns a revision above every earlier one. Wall-clock nanoseconds
// keep revisions from different processes roughly ordered.
func (q *eventQueue) nextRevision(now time.Time) uint64 {
	rev := q.revision + 1
	if ns := now.UnixNano(); ns > 0 && uint64(ns) > rev {
		rev = uint64(ns)
	}
	q.revision = rev
	return rev
}

type registrationWrite struct {
	reg      *domain.Registration
	expected domain.RegistrationStatus
}

type pendingEvent struct {
	eventType domain.QueueEventType
	entry     *domain.QueueEntry
}

// work is one attempt at a mutation: a private copy of the queue plus the store
// writes that make it durable. Nothing in it is visible until commit.
type work struct {
	now    time.Time
	ledger *ledger.Ledger
	stats  domain.InteractionStats

	registrations []registrationWrite
	removed       []*domain.QueueEntry
	archived      []*domain.QueueEntry
	interactions  []domain.Interaction
	events        []pendingEvent

	// resultID names the active entry returned to the caller after commit;
	// result is set directly for entries that left the ledger.
	resultID string
	result   *domain.QueueEntry

	estimates map[string]time.Time
}

func newWork(q *eventQueue, now time.Time) *work {
	return &work{
		now:    now,
		ledger: q.ledger.Clone(),
		stats:  q.stats,
	}
}

func (w *work) saveRegistration(reg *domain.Registration, expected domain.RegistrationStatus) {
	w.registrations = append(w.registrations, registrationWrite{reg: reg, expected: expected})
}

func (w *work) emit(eventType domain.QueueEventType, entry *domain.QueueEntry) {
	w.events = append(w.events, pendingEvent{eventType: eventType, entry: entry.Clone()})
}
