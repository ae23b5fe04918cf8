package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/dxaginfo/fan-meet-greet-platform-2025/internal/domain"
	"github.com/dxaginfo/fan-meet-greet-platform-2025/internal/estimator"
	"github.com/dxaginfo/fan-meet-greet-platform-2025/internal/ledger"
	"github.com/dxaginfo/fan-meet-greet-platform-2025/internal/metrics"
	"github.com/dxaginfo/fan-meet-greet-platform-2025/internal/repository"
	"github.com/dxaginfo/fan-meet-greet-platform-2025/pkg/logger"
	"github.com/dxaginfo/fan-meet-greet-platform-2025/pkg/retry"
	"github.com/dxaginfo/fan-meet-greet-platform-2025/pkg/telemetry"
)

// SchedulerService coordinates the live queues of all events
type SchedulerService interface {
	// AdmitToQueue approves a pending registration and appends it to its event queue
	AdmitToQueue(ctx context.Context, registrationID string) (*domain.QueueEntry, error)

	// CheckIn marks a queued attendee as present; the entry becomes ready
	CheckIn(ctx context.Context, registrationID string) (*domain.QueueEntry, error)

	// CheckInWithPass verifies a signed check-in pass and checks its registration in
	CheckInWithPass(ctx context.Context, pass string) (*domain.QueueEntry, error)

	// IssueCheckInPass signs the pass carried in a registration's QR code
	IssueCheckInPass(ctx context.Context, registrationID string) (string, time.Time, error)

	// CallNext starts the interaction of the first waiting or ready entry
	CallNext(ctx context.Context, eventID string) (*domain.QueueEntry, error)

	// CompleteCurrent finishes the interaction in progress, records it with details
	// and archives its entry
	CompleteCurrent(ctx context.Context, eventID string, details domain.InteractionDetails) (*domain.QueueEntry, error)

	// MarkNoShow removes an entry whose attendee did not show up
	MarkNoShow(ctx context.Context, entryID string) error

	// Cancel removes an entry at the attendee's or staff's request
	Cancel(ctx context.Context, entryID string) error

	// CancelRegistration cancels a pending or queued registration
	CancelRegistration(ctx context.Context, registrationID string) error

	// Reorder moves an entry to newPosition
	Reorder(ctx context.Context, eventID, entryID string, newPosition int) (*domain.QueueEntry, error)

	// RecomputeEstimates republishes the event snapshot with fresh estimates
	RecomputeEstimates(ctx context.Context, eventID string) (*domain.QueueSnapshot, error)

	// Snapshot returns the last published snapshot without taking the event lock
	Snapshot(ctx context.Context, eventID string) (*domain.QueueSnapshot, error)

	// Position returns one registration's view of the queue
	Position(ctx context.Context, eventID, registrationID string) (*domain.EntryView, error)

	// LoadedEvents returns the ids of events with a live queue in this process
	LoadedEvents() []string

	// EvictIdle drops live queues that are empty and saw no mutation for idleFor.
	// Evicted events are loaded again from the store on next use.
	EvictIdle(idleFor time.Duration) []string
}

// Default scheduler settings
const (
	DefaultConflictRetries   = 1
	DefaultSideEffectTimeout = 5 * time.Second
	DefaultLoadTimeout       = 10 * time.Second
)

// SchedulerServiceConfig contains configuration for the scheduler service
type SchedulerServiceConfig struct {
	FallbackServiceDuration time.Duration
	MinSamples              int
	// ConflictRetries is how often a critical section is rerun after a store conflict
	ConflictRetries int
	// SideEffectTimeout bounds event publishing and cache writes after commit
	SideEffectTimeout time.Duration
	// LoadTimeout bounds the first load of an event, shared by every caller waiting on it
	LoadTimeout time.Duration

	Clock      func() time.Time
	NewEntryID func() string
	Logger     *logger.Logger
}

// schedulerService implements SchedulerService
type schedulerService struct {
	store     repository.RegistrationStore
	cache     repository.SnapshotCache
	publisher QueueEventPublisher
	passes    *CheckInPassIssuer
	estimator *estimator.Estimator

	retryConfig       *retry.Config
	sideEffectTimeout time.Duration
	loadTimeout       time.Duration
	now               func() time.Time
	newID             func() string
	log               *logger.Logger

	mu         sync.RWMutex
	queues     map[string]*eventQueue
	tombstones map[string]tombstone
	loads      singleflight.Group
}

// tombstone remembers an entry that left the queue without being archived
type tombstone struct {
	eventID        string
	registrationID string
}

// NewSchedulerService creates a scheduler. cache and passes may be nil;
// a nil publisher discards queue events.
func NewSchedulerService(
	store repository.RegistrationStore,
	cache repository.SnapshotCache,
	publisher QueueEventPublisher,
	passes *CheckInPassIssuer,
	cfg *SchedulerServiceConfig,
) SchedulerService {
	if cfg == nil {
		cfg = &SchedulerServiceConfig{MinSamples: estimator.DefaultMinSamples}
	}

	retries := cfg.ConflictRetries
	if retries <= 0 {
		retries = DefaultConflictRetries
	}
	sideEffectTimeout := cfg.SideEffectTimeout
	if sideEffectTimeout <= 0 {
		sideEffectTimeout = DefaultSideEffectTimeout
	}
	loadTimeout := cfg.LoadTimeout
	if loadTimeout <= 0 {
		loadTimeout = DefaultLoadTimeout
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	newID := cfg.NewEntryID
	if newID == nil {
		newID = uuid.NewString
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Get()
	}
	if publisher == nil {
		publisher = NewNoOpEventPublisher()
	}

	return &schedulerService{
		store:     store,
		cache:     cache,
		publisher: publisher,
		passes:    passes,
		estimator: estimator.New(estimator.Config{
			FallbackServiceDuration: cfg.FallbackServiceDuration,
			MinSamples:              cfg.MinSamples,
		}),
		retryConfig: retry.Immediate(retries, func(err error) bool {
			return errors.Is(err, domain.ErrConflict)
		}),
		sideEffectTimeout: sideEffectTimeout,
		loadTimeout:       loadTimeout,
		now:               now,
		newID:             newID,
		log:               log.Named("scheduler"),
		queues:            make(map[string]*eventQueue),
		tombstones:        make(map[string]tombstone),
	}
}

// AdmitToQueue implements SchedulerService
func (s *schedulerService) AdmitToQueue(ctx context.Context, registrationID string) (entry *domain.QueueEntry, err error) {
	ctx, span := telemetry.StartSpan(ctx, "service.scheduler.admit")
	defer func() { s.observe(ctx, span, "admit", err) }()
	span.SetAttributes(attribute.String("registration_id", registrationID))

	if registrationID == "" {
		return nil, domain.ErrInvalidRegistrationID
	}
	if err := deadline(ctx); err != nil {
		return nil, err
	}

	reg, err := s.store.LoadRegistration(ctx, registrationID)
	if err != nil {
		return nil, err
	}

	w, err := s.mutate(ctx, "admit", reg.EventID, func(ctx context.Context, w *work) error {
		reg, current, stage, err := s.loadStage(ctx, w, registrationID)
		if err != nil {
			return err
		}
		if current != nil {
			return fmt.Errorf("%w: registration %s", domain.ErrDuplicateEntry, registrationID)
		}

		// An approved registration without an entry is queued without a status change
		if stage != domain.StageApproved {
			next, err := domain.Transition(reg, stage, domain.StageApproved, w.now)
			if err != nil {
				return err
			}
			w.saveRegistration(next, reg.Status)
		}

		added, err := w.ledger.Enqueue(registrationID, w.now)
		if err != nil {
			return err
		}
		w.resultID = added.ID
		w.emit(domain.QueueEventAdmitted, added)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return w.result, nil
}

// CheckIn implements SchedulerService
func (s *schedulerService) CheckIn(ctx context.Context, registrationID string) (entry *domain.QueueEntry, err error) {
	ctx, span := telemetry.StartSpan(ctx, "service.scheduler.check_in")
	defer func() { s.observe(ctx, span, "check_in", err) }()
	span.SetAttributes(attribute.String("registration_id", registrationID))

	return s.checkIn(ctx, registrationID, "")
}

// CheckInWithPass implements SchedulerService
func (s *schedulerService) CheckInWithPass(ctx context.Context, pass string) (entry *domain.QueueEntry, err error) {
	ctx, span := telemetry.StartSpan(ctx, "service.scheduler.check_in_pass")
	defer func() { s.observe(ctx, span, "check_in_pass", err) }()

	if s.passes == nil {
		return nil, fmt.Errorf("%w: check-in passes are not enabled", domain.ErrInvalidCheckInPass)
	}
	claims, err := s.passes.Verify(pass)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("registration_id", claims.RegistrationID))

	return s.checkIn(ctx, claims.RegistrationID, claims.EventID)
}

// checkIn moves approved -> checked-in. A non-empty expectedEventID must match the registration.
func (s *schedulerService) checkIn(ctx context.Context, registrationID, expectedEventID string) (*domain.QueueEntry, error) {
	if registrationID == "" {
		return nil, domain.ErrInvalidRegistrationID
	}
	if err := deadline(ctx); err != nil {
		return nil, err
	}

	reg, err := s.store.LoadRegistration(ctx, registrationID)
	if err != nil {
		return nil, err
	}
	if expectedEventID != "" && reg.EventID != expectedEventID {
		return nil, fmt.Errorf("%w: pass was issued for another event", domain.ErrInvalidCheckInPass)
	}

	w, err := s.mutate(ctx, "check_in", reg.EventID, func(ctx context.Context, w *work) error {
		reg, current, stage, err := s.loadStage(ctx, w, registrationID)
		if err != nil {
			return err
		}
		next, err := domain.Transition(reg, stage, domain.StageCheckedIn, w.now)
		if err != nil {
			return err
		}
		if current == nil {
			return fmt.Errorf("%w: registration %s is not queued", domain.ErrQueueEntryNotFound, registrationID)
		}

		if err := w.ledger.SetStatus(current.ID, domain.EntryReady, w.now); err != nil {
			return err
		}
		w.saveRegistration(next, reg.Status)

		ready, _ := w.ledger.Get(current.ID)
		w.resultID = ready.ID
		w.emit(domain.QueueEventCheckedIn, ready)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return w.result, nil
}

// IssueCheckInPass implements SchedulerService
func (s *schedulerService) IssueCheckInPass(ctx context.Context, registrationID string) (pass string, expiresAt time.Time, err error) {
	ctx, span := telemetry.StartSpan(ctx, "service.scheduler.issue_pass")
	defer func() { s.observe(ctx, span, "issue_pass", err) }()
	span.SetAttributes(attribute.String("registration_id", registrationID))

	if registrationID == "" {
		return "", time.Time{}, domain.ErrInvalidRegistrationID
	}
	if s.passes == nil {
		return "", time.Time{}, fmt.Errorf("check-in passes are not enabled")
	}

	reg, err := s.store.LoadRegistration(ctx, registrationID)
	if err != nil {
		return "", time.Time{}, err
	}
	stage, err := domain.StageOf(reg, nil)
	if err != nil {
		return "", time.Time{}, err
	}
	if stage.IsTerminal() {
		return "", time.Time{}, fmt.Errorf("%w: registration %s is %s", domain.ErrInvalidTransition, registrationID, stage)
	}

	return s.passes.Issue(reg)
}

// CallNext implements SchedulerService
func (s *schedulerService) CallNext(ctx context.Context, eventID string) (entry *domain.QueueEntry, err error) {
	ctx, span := telemetry.StartSpan(ctx, "service.scheduler.call_next")
	defer func() { s.observe(ctx, span, "call_next", err) }()
	span.SetAttributes(attribute.String("event_id", eventID))

	if eventID == "" {
		return nil, domain.ErrInvalidEventID
	}
	if err := deadline(ctx); err != nil {
		return nil, err
	}

	w, err := s.mutate(ctx, "call_next", eventID, func(ctx context.Context, w *work) error {
		if current, busy := w.ledger.Current(); busy {
			return fmt.Errorf("%w: entry %s", domain.ErrSlotOccupied, current.ID)
		}
		next, ok := w.ledger.NextCallable()
		if !ok {
			return domain.ErrQueueEmpty
		}

		reg, _, stage, err := s.loadStage(ctx, w, next.RegistrationID)
		if err != nil {
			return err
		}
		updated, err := domain.Transition(reg, stage, domain.StageInProgress, w.now)
		if err != nil {
			return err
		}
		if updated.Status != reg.Status {
			w.saveRegistration(updated, reg.Status)
		}

		if err := w.ledger.SetStatus(next.ID, domain.EntryInProgress, w.now); err != nil {
			return err
		}

		called, _ := w.ledger.Get(next.ID)
		w.resultID = called.ID
		w.emit(domain.QueueEventCalled, called)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return w.result, nil
}

// CompleteCurrent implements SchedulerService
func (s *schedulerService) CompleteCurrent(ctx context.Context, eventID string, details domain.InteractionDetails) (entry *domain.QueueEntry, err error) {
	ctx, span := telemetry.StartSpan(ctx, "service.scheduler.complete")
	defer func() { s.observe(ctx, span, "complete", err) }()
	span.SetAttributes(attribute.String("event_id", eventID))

	if eventID == "" {
		return nil, domain.ErrInvalidEventID
	}
	if err := deadline(ctx); err != nil {
		return nil, err
	}

	w, err := s.mutate(ctx, "complete", eventID, func(ctx context.Context, w *work) error {
		current, ok := w.ledger.Current()
		if !ok {
			return domain.ErrNoActiveInteraction
		}

		reg, _, stage, err := s.loadStage(ctx, w, current.RegistrationID)
		if err != nil {
			return err
		}
		completed, err := domain.Transition(reg, stage, domain.StageCompleted, w.now)
		if err != nil {
			return err
		}

		archived, err := w.ledger.Dequeue(current.ID)
		if err != nil {
			return err
		}
		archived.Status = domain.EntryCompleted
		archived.Position = 0
		archived.EstimatedTime = nil

		var duration time.Duration
		if archived.CalledAt != nil {
			duration = w.now.Sub(*archived.CalledAt).Round(time.Second)
		}
		if duration < 0 {
			duration = 0
		}

		w.stats = w.stats.Record(duration)
		w.saveRegistration(completed, reg.Status)
		w.archived = append(w.archived, archived)
		w.interactions = append(w.interactions, domain.Interaction{
			RegistrationID:     reg.ID,
			DurationSeconds:    int(duration / time.Second),
			InteractionDetails: details,
		})
		w.result = archived
		w.emit(domain.QueueEventCompleted, archived)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return w.result, nil
}

// MarkNoShow implements SchedulerService
func (s *schedulerService) MarkNoShow(ctx context.Context, entryID string) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "service.scheduler.no_show")
	defer func() { s.observe(ctx, span, "no_show", err) }()
	span.SetAttributes(attribute.String("entry_id", entryID))

	return s.exitByEntry(ctx, entryID, domain.StageNoShow)
}

// Cancel implements SchedulerService
func (s *schedulerService) Cancel(ctx context.Context, entryID string) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "service.scheduler.cancel")
	defer func() { s.observe(ctx, span, "cancel", err) }()
	span.SetAttributes(attribute.String("entry_id", entryID))

	return s.exitByEntry(ctx, entryID, domain.StageCancelled)
}

func (s *schedulerService) exitByEntry(ctx context.Context, entryID string, target domain.Stage) error {
	if entryID == "" {
		return domain.ErrInvalidEntryID
	}
	if err := deadline(ctx); err != nil {
		return err
	}

	eventID, registrationID, err := s.locateEntry(ctx, entryID)
	if err != nil {
		return err
	}

	_, err = s.mutate(ctx, exitOperation(target), eventID, func(ctx context.Context, w *work) error {
		entry, ok := w.ledger.Get(entryID)
		if ok {
			registrationID = entry.RegistrationID
		}

		reg, current, stage, err := s.loadStage(ctx, w, registrationID)
		if err != nil {
			return err
		}
		if !ok {
			if stage.IsTerminal() {
				return fmt.Errorf("%w: entry %s already left the queue as %s", domain.ErrInvalidTransition, entryID, stage)
			}
			return fmt.Errorf("%w: %s", domain.ErrQueueEntryNotFound, entryID)
		}
		return s.exit(w, reg, current, stage, target)
	})
	return err
}

// CancelRegistration implements SchedulerService
func (s *schedulerService) CancelRegistration(ctx context.Context, registrationID string) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "service.scheduler.cancel_registration")
	defer func() { s.observe(ctx, span, "cancel_registration", err) }()
	span.SetAttributes(attribute.String("registration_id", registrationID))

	if registrationID == "" {
		return domain.ErrInvalidRegistrationID
	}
	if err := deadline(ctx); err != nil {
		return err
	}

	reg, err := s.store.LoadRegistration(ctx, registrationID)
	if err != nil {
		return err
	}

	_, err = s.mutate(ctx, "cancel_registration", reg.EventID, func(ctx context.Context, w *work) error {
		reg, current, stage, err := s.loadStage(ctx, w, registrationID)
		if err != nil {
			return err
		}
		return s.exit(w, reg, current, stage, domain.StageCancelled)
	})
	return err
}

// exit moves a registration to a terminal stage and removes its entry, if any
func (s *schedulerService) exit(w *work, reg *domain.Registration, current *domain.QueueEntry, stage, target domain.Stage) error {
	next, err := domain.Transition(reg, stage, target, w.now)
	if err != nil {
		return err
	}
	w.saveRegistration(next, reg.Status)

	eventType := domain.QueueEventCancelled
	if target == domain.StageNoShow {
		eventType = domain.QueueEventNoShow
	}

	if current == nil {
		w.emit(eventType, &domain.QueueEntry{EventID: reg.EventID, RegistrationID: reg.ID})
		return nil
	}

	removed, err := w.ledger.Dequeue(current.ID)
	if err != nil {
		return err
	}
	w.removed = append(w.removed, removed)
	w.result = removed
	w.emit(eventType, removed)
	return nil
}

// Reorder implements SchedulerService
func (s *schedulerService) Reorder(ctx context.Context, eventID, entryID string, newPosition int) (entry *domain.QueueEntry, err error) {
	ctx, span := telemetry.StartSpan(ctx, "service.scheduler.reorder")
	defer func() { s.observe(ctx, span, "reorder", err) }()
	span.SetAttributes(
		attribute.String("event_id", eventID),
		attribute.String("entry_id", entryID),
		attribute.Int("new_position", newPosition),
	)

	if eventID == "" {
		return nil, domain.ErrInvalidEventID
	}
	if entryID == "" {
		return nil, domain.ErrInvalidEntryID
	}
	if err := deadline(ctx); err != nil {
		return nil, err
	}

	w, err := s.mutate(ctx, "reorder", eventID, func(ctx context.Context, w *work) error {
		if err := w.ledger.Reorder(entryID, newPosition); err != nil {
			return err
		}
		moved, _ := w.ledger.Get(entryID)
		w.resultID = moved.ID
		w.emit(domain.QueueEventReordered, moved)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return w.result, nil
}

// RecomputeEstimates implements SchedulerService
func (s *schedulerService) RecomputeEstimates(ctx context.Context, eventID string) (snap *domain.QueueSnapshot, err error) {
	ctx, span := telemetry.StartSpan(ctx, "service.scheduler.recompute")
	defer func() { s.observe(ctx, span, "recompute", err) }()
	span.SetAttributes(attribute.String("event_id", eventID))

	if eventID == "" {
		return nil, domain.ErrInvalidEventID
	}
	if err := deadline(ctx); err != nil {
		return nil, err
	}

	q, err := s.lock(ctx, eventID, "recompute")
	if err != nil {
		return nil, err
	}
	snap, estimates := s.refresh(q, s.now())
	q.sem.Release(1)

	s.afterCommit(ctx, q.eventID, snap, estimates, nil)
	return snap, nil
}

// Snapshot implements SchedulerService
func (s *schedulerService) Snapshot(ctx context.Context, eventID string) (snap *domain.QueueSnapshot, err error) {
	if eventID == "" {
		return nil, domain.ErrInvalidEventID
	}

	if q := s.loaded(eventID); q != nil {
		return q.snapshot.Load(), nil
	}

	// Another instance may own the event; its published copy is good enough for polling
	if s.cache != nil {
		cached, err := s.cache.Get(ctx, eventID)
		if err != nil {
			s.log.WarnContext(ctx, "snapshot cache read failed", zap.String("event_id", eventID), zap.Error(err))
		} else if cached != nil {
			return cached, nil
		}
	}

	q, err := s.queue(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return q.snapshot.Load(), nil
}

// Position implements SchedulerService
func (s *schedulerService) Position(ctx context.Context, eventID, registrationID string) (*domain.EntryView, error) {
	if registrationID == "" {
		return nil, domain.ErrInvalidRegistrationID
	}

	snap, err := s.Snapshot(ctx, eventID)
	if err != nil {
		return nil, err
	}
	view, ok := snap.FindRegistration(registrationID)
	if !ok {
		return nil, fmt.Errorf("%w: registration %s is not queued for event %s", domain.ErrQueueEntryNotFound, registrationID, eventID)
	}
	return &view, nil
}

// LoadedEvents implements SchedulerService
func (s *schedulerService) LoadedEvents() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.queues))
	for id := range s.queues {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// mutate runs fn under the event's exclusive section on a private copy of the queue,
// persists the result in one transaction and only then makes it visible.
// A store conflict reruns fn once against freshly loaded state.
func (s *schedulerService) mutate(ctx context.Context, operation, eventID string, fn func(ctx context.Context, w *work) error) (*work, error) {
	q, err := s.lock(ctx, eventID, operation)
	if err != nil {
		return nil, err
	}

	var (
		w         *work
		snap      *domain.QueueSnapshot
		estimates map[string]time.Time
	)
	err = func() error {
		defer q.sem.Release(1)

		result := retry.Do(ctx, s.retryConfig, func(ctx context.Context, attempt int) error {
			if attempt > 1 {
				metrics.RecordConflictRetry(ctx, operation)
				s.log.WarnContext(ctx, "store conflict, reloading event queue",
					zap.String("event_id", eventID),
					zap.String("operation", operation),
				)
				if err := s.reload(ctx, q); err != nil {
					return retry.Permanent(err)
				}
			}

			w = newWork(q, s.now())
			if err := fn(ctx, w); err != nil {
				return retry.Permanent(err)
			}
			return s.persist(ctx, q, w)
		})
		if result.Err != nil {
			if errors.Is(result.Err, retry.ErrContextCanceled) || ctx.Err() != nil {
				return fmt.Errorf("%w: %w", domain.ErrDeadlineExceeded, result.Err)
			}
			if result.LastError != nil {
				return result.LastError
			}
			return result.Err
		}

		snap, estimates = s.commit(q, w)
		return nil
	}()
	if err != nil {
		return nil, err
	}

	s.afterCommit(ctx, eventID, snap, estimates, w.events)
	return w, nil
}

// lock returns the event's live queue with its exclusive section held
func (s *schedulerService) lock(ctx context.Context, eventID, operation string) (*eventQueue, error) {
	for {
		q, err := s.queue(ctx, eventID)
		if err != nil {
			return nil, err
		}
		if err := s.acquire(ctx, q, operation); err != nil {
			return nil, err
		}
		if !q.evicted {
			return q, nil
		}
		q.sem.Release(1)
	}
}

// acquire takes the event's exclusive section, giving up when ctx ends
func (s *schedulerService) acquire(ctx context.Context, q *eventQueue, operation string) error {
	start := time.Now()
	if err := q.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: waiting for event %s: %w", domain.ErrDeadlineExceeded, q.eventID, err)
	}
	metrics.RecordLockWait(ctx, operation, time.Since(start).Seconds())
	return nil
}

// persist writes w in one transaction and records the versions the store assigned
func (s *schedulerService) persist(ctx context.Context, q *eventQueue, w *work) error {
	changed := w.ledger.Changed(q.ledger)
	versions := make(map[string]int64, len(changed))
	archivedVersions := make([]int64, len(w.archived))

	err := s.store.WithinTx(ctx, func(tx repository.StoreTx) error {
		for _, rw := range w.registrations {
			if err := tx.SaveRegistrationStatus(ctx, rw.reg, rw.expected); err != nil {
				return err
			}
		}
		for _, e := range w.removed {
			if e.Version == 0 {
				continue
			}
			if err := tx.DeleteQueueEntry(ctx, e); err != nil {
				return err
			}
		}
		for i, e := range w.archived {
			v, err := tx.PersistQueueEntry(ctx, e)
			if err != nil {
				return err
			}
			archivedVersions[i] = v
		}
		for _, e := range changed {
			v, err := tx.PersistQueueEntry(ctx, e)
			if err != nil {
				return err
			}
			versions[e.ID] = v
		}
		for i := range w.interactions {
			if err := tx.RecordInteraction(ctx, &w.interactions[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for id, v := range versions {
		w.ledger.SetVersion(id, v)
	}
	for i, e := range w.archived {
		e.Version = archivedVersions[i]
	}
	return nil
}

// commit swaps the persisted copy in and publishes a fresh snapshot. Caller holds q.sem.
func (s *schedulerService) commit(q *eventQueue, w *work) (*domain.QueueSnapshot, map[string]time.Time) {
	q.ledger = w.ledger
	q.stats = w.stats
	q.lastActive = w.now
	snap, estimates := s.refresh(q, w.now)

	if w.resultID != "" {
		if e, ok := q.ledger.Get(w.resultID); ok {
			w.result = e
		}
	}

	if len(w.removed) > 0 {
		s.mu.Lock()
		for _, e := range w.removed {
			s.tombstones[e.ID] = tombstone{eventID: q.eventID, registrationID: e.RegistrationID}
		}
		s.mu.Unlock()
	}

	w.estimates = estimates
	return snap, estimates
}

// refresh re-estimates the committed ledger and publishes a new snapshot. Caller holds q.sem.
func (s *schedulerService) refresh(q *eventQueue, now time.Time) (*domain.QueueSnapshot, map[string]time.Time) {
	entries := q.ledger.Peek()
	estimates := s.estimator.EstimateAll(entries, s.estimator.Average(q.stats), now)
	q.ledger.SetEstimates(estimates)

	snap := s.estimator.Snapshot(q.eventID, entries, q.stats, q.nextRevision(now), now)
	q.snapshot.Store(snap)
	return snap, estimates
}

// afterCommit publishes best-effort side effects; failures are logged, never returned
func (s *schedulerService) afterCommit(ctx context.Context, eventID string, snap *domain.QueueSnapshot, estimates map[string]time.Time, events []pendingEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.sideEffectTimeout)
	defer cancel()

	for _, pe := range events {
		s.recordEventMetrics(ctx, pe, snap.GeneratedAt)

		event := domain.NewQueueEvent(uuid.NewString(), pe.eventType, pe.entry, snap.Len(), snap.GeneratedAt)
		if err := s.publisher.Publish(ctx, event); err != nil {
			metrics.RecordPublishFailure(ctx, "kafka")
			s.log.WarnContext(ctx, "failed to publish queue event",
				zap.String("event_id", eventID),
				zap.String("type", string(pe.eventType)),
				zap.Error(err),
			)
		}
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, snap); err != nil {
			metrics.RecordPublishFailure(ctx, "snapshot_cache")
			s.log.WarnContext(ctx, "failed to cache snapshot", zap.String("event_id", eventID), zap.Error(err))
		}
	}

	if err := s.store.UpdateEstimates(ctx, eventID, estimates); err != nil {
		metrics.RecordPublishFailure(ctx, "estimates")
		s.log.WarnContext(ctx, "failed to store estimates", zap.String("event_id", eventID), zap.Error(err))
	}
}

func (s *schedulerService) recordEventMetrics(ctx context.Context, pe pendingEvent, at time.Time) {
	eventID := pe.entry.EventID
	switch pe.eventType {
	case domain.QueueEventAdmitted:
		metrics.RecordAdmission(ctx, eventID)
	case domain.QueueEventCheckedIn:
		metrics.RecordCheckIn(ctx, eventID)
	case domain.QueueEventCalled:
		metrics.RecordCall(ctx, eventID, at.Sub(pe.entry.AdmittedAt).Seconds())
	case domain.QueueEventCompleted:
		var seconds float64
		if pe.entry.CalledAt != nil {
			seconds = at.Sub(*pe.entry.CalledAt).Seconds()
		}
		metrics.RecordCompletion(ctx, eventID, seconds)
	case domain.QueueEventNoShow, domain.QueueEventCancelled:
		if pe.entry.ID != "" {
			metrics.RecordExit(ctx, eventID, string(pe.eventType))
		}
	case domain.QueueEventReordered:
		metrics.RecordReorder(ctx, eventID)
	}
}

// loaded returns the live queue of an event, or nil
func (s *schedulerService) loaded(eventID string) *eventQueue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queues[eventID]
}

// queue returns the live queue of an event, loading it from the store on first use.
// The load is shared by concurrent callers and runs detached from any one of them;
// each caller stops waiting when its own ctx ends.
func (s *schedulerService) queue(ctx context.Context, eventID string) (*eventQueue, error) {
	if q := s.loaded(eventID); q != nil {
		return q, nil
	}

	ch := s.loads.DoChan(eventID, func() (interface{}, error) {
		if q := s.loaded(eventID); q != nil {
			return q, nil
		}

		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.loadTimeout)
		defer cancel()
		return s.load(loadCtx, eventID)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: loading event %s: %w", domain.ErrDeadlineExceeded, eventID, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			if errors.Is(res.Err, context.DeadlineExceeded) || errors.Is(res.Err, context.Canceled) {
				return nil, fmt.Errorf("%w: loading event %s: %w", domain.ErrDeadlineExceeded, eventID, res.Err)
			}
			return nil, res.Err
		}
		return res.Val.(*eventQueue), nil
	}
}

func (s *schedulerService) load(ctx context.Context, eventID string) (*eventQueue, error) {
	exists, err := s.store.EventExists(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrEventNotFound, eventID)
	}

	l, stats, err := s.loadState(ctx, eventID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	q := newEventQueue(eventID, l, stats, now)
	s.refresh(q, now)

	s.mu.Lock()
	s.queues[eventID] = q
	s.mu.Unlock()

	s.log.InfoContext(ctx, "event queue loaded",
		zap.String("event_id", eventID),
		zap.Int("entries", l.Len()),
		zap.Int("interactions", stats.Count),
	)
	return q, nil
}

// EvictIdle implements SchedulerService
func (s *schedulerService) EvictIdle(idleFor time.Duration) []string {
	cutoff := s.now().Add(-idleFor)

	s.mu.RLock()
	candidates := make([]*eventQueue, 0, len(s.queues))
	for _, q := range s.queues {
		candidates = append(candidates, q)
	}
	s.mu.RUnlock()

	var evicted []string
	for _, q := range candidates {
		// a queue that is busy right now is not idle
		if !q.sem.TryAcquire(1) {
			continue
		}
		if q.evicted || !q.idleSince(cutoff) {
			q.sem.Release(1)
			continue
		}

		s.mu.Lock()
		if s.queues[q.eventID] == q {
			delete(s.queues, q.eventID)
		}
		for id, t := range s.tombstones {
			if t.eventID == q.eventID {
				delete(s.tombstones, id)
			}
		}
		s.mu.Unlock()

		q.evicted = true
		q.sem.Release(1)
		evicted = append(evicted, q.eventID)
	}

	if len(evicted) > 0 {
		sort.Strings(evicted)
		s.log.Info("evicted idle event queues", zap.Strings("event_ids", evicted))
	}
	return evicted
}

// reload replaces the committed state with the store's. Caller holds q.sem.
func (s *schedulerService) reload(ctx context.Context, q *eventQueue) error {
	l, stats, err := s.loadState(ctx, q.eventID)
	if err != nil {
		return err
	}
	q.ledger = l
	q.stats = stats
	s.refresh(q, s.now())
	return nil
}

func (s *schedulerService) loadState(ctx context.Context, eventID string) (*ledger.Ledger, domain.InteractionStats, error) {
	entries, err := s.store.LoadActiveQueueEntries(ctx, eventID)
	if err != nil {
		return nil, domain.InteractionStats{}, err
	}
	l, err := ledger.FromEntries(eventID, entries, ledger.WithIDGenerator(s.newID))
	if err != nil {
		return nil, domain.InteractionStats{}, fmt.Errorf("stored queue of event %s is inconsistent: %w", eventID, err)
	}

	stats, err := s.store.LoadInteractionStats(ctx, eventID)
	if err != nil {
		return nil, domain.InteractionStats{}, err
	}
	return l, stats, nil
}

// loadStage reads a registration of w's event with its active entry (nil if none) and stage
func (s *schedulerService) loadStage(ctx context.Context, w *work, registrationID string) (*domain.Registration, *domain.QueueEntry, domain.Stage, error) {
	reg, err := s.store.LoadRegistration(ctx, registrationID)
	if err != nil {
		return nil, nil, "", err
	}
	if reg.EventID != w.ledger.EventID() {
		return nil, nil, "", fmt.Errorf("%w: registration %s belongs to event %s", domain.ErrRegistrationNotFound, registrationID, reg.EventID)
	}

	entry, _ := w.ledger.ByRegistration(registrationID)
	stage, err := domain.StageOf(reg, entry)
	if err != nil {
		return nil, nil, "", err
	}
	return reg, entry, stage, nil
}

// locateEntry finds the event and registration of an entry id: live snapshots first,
// then entries that left the queue, then the store.
func (s *schedulerService) locateEntry(ctx context.Context, entryID string) (eventID, registrationID string, err error) {
	s.mu.RLock()
	if t, ok := s.tombstones[entryID]; ok {
		s.mu.RUnlock()
		return t.eventID, t.registrationID, nil
	}
	for id, q := range s.queues {
		for _, v := range q.snapshot.Load().Entries {
			if v.EntryID == entryID {
				s.mu.RUnlock()
				return id, v.RegistrationID, nil
			}
		}
	}
	s.mu.RUnlock()

	entry, err := s.store.LoadQueueEntry(ctx, entryID)
	if err != nil {
		return "", "", err
	}
	return entry.EventID, entry.RegistrationID, nil
}

// observe ends an operation's span and counts its failure
func (s *schedulerService) observe(ctx context.Context, span trace.Span, operation string, err error) {
	if err != nil {
		metrics.RecordError(ctx, errorType(err), operation)
	}
	telemetry.EndSpan(span, err)
}

func errorType(err error) string {
	switch {
	case errors.Is(err, domain.ErrDeadlineExceeded):
		return "deadline"
	case domain.IsNotFoundError(err):
		return "not_found"
	case domain.IsConflictError(err):
		return "conflict"
	case domain.IsValidationError(err), errors.Is(err, domain.ErrInvalidCheckInPass):
		return "validation"
	default:
		return "internal"
	}
}

// deadline fails fast when ctx is already done
func deadline(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrDeadlineExceeded, err)
	}
	return nil
}

func exitOperation(target domain.Stage) string {
	if target == domain.StageNoShow {
		return "no_show"
	}
	return "cancel"
}
