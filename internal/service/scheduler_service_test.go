package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dxaginfo/fan-meet-greet-platform-2025/internal/domain"
	"github.com/dxaginfo/fan-meet-greet-platform-2025/internal/ledger"
	"github.com/dxaginfo/fan-meet-greet-platform-2025/internal/repository"
	"github.com/dxaginfo/fan-meet-greet-platform-2025/pkg/logger"
)

const testEvent = "evt-1"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeSnapshotCache keeps the newest snapshot per event
type fakeSnapshotCache struct {
	mu    sync.Mutex
	snaps map[string]*domain.QueueSnapshot
	sets  int
}

func newFakeSnapshotCache() *fakeSnapshotCache {
	return &fakeSnapshotCache{snaps: make(map[string]*domain.QueueSnapshot)}
}

func (c *fakeSnapshotCache) Get(ctx context.Context, eventID string) (*domain.QueueSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snaps[eventID], nil
}

func (c *fakeSnapshotCache) Set(ctx context.Context, snap *domain.QueueSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	if cur, ok := c.snaps[snap.EventID]; ok && cur.Revision >= snap.Revision {
		return nil
	}
	c.snaps[snap.EventID] = snap
	return nil
}

type schedulerFixture struct {
	svc       *schedulerService
	store     *repository.MemoryRegistrationStore
	clock     *testClock
	publisher *recordingPublisher
	cache     *fakeSnapshotCache
	start     time.Time
}

func setupScheduler(t *testing.T, registrations int) *schedulerFixture {
	t.Helper()

	start := time.Date(2025, 6, 25, 18, 0, 0, 0, time.UTC)
	clock := &testClock{now: start}
	store := repository.NewMemoryRegistrationStore()
	for i := 1; i <= registrations; i++ {
		store.AddRegistration(&domain.Registration{
			ID:               fmt.Sprintf("r%d", i),
			EventID:          testEvent,
			UserID:           fmt.Sprintf("u%d", i),
			Status:           domain.RegistrationPending,
			RegistrationTime: start.Add(-time.Hour),
		})
	}

	passes, err := NewCheckInPassIssuer(&CheckInPassConfig{Secret: "test-secret", Clock: clock.Now})
	require.NoError(t, err)

	var seq atomic.Int64
	publisher := &recordingPublisher{}
	cache := newFakeSnapshotCache()

	svc := NewSchedulerService(store, cache, publisher, passes, &SchedulerServiceConfig{
		FallbackServiceDuration: 10 * time.Minute,
		MinSamples:              3,
		ConflictRetries:         1,
		Clock:                   clock.Now,
		NewEntryID:              func() string { return fmt.Sprintf("q%d", seq.Add(1)) },
		Logger:                  logger.NewNop(),
	}).(*schedulerService)

	return &schedulerFixture{
		svc:       svc,
		store:     store,
		clock:     clock,
		publisher: publisher,
		cache:     cache,
		start:     start,
	}
}

func (f *schedulerFixture) admit(t *testing.T, ids ...string) []*domain.QueueEntry {
	t.Helper()
	out := make([]*domain.QueueEntry, 0, len(ids))
	for _, id := range ids {
		e, err := f.svc.AdmitToQueue(context.Background(), id)
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func (f *schedulerFixture) snapshot(t *testing.T) *domain.QueueSnapshot {
	t.Helper()
	snap, err := f.svc.Snapshot(context.Background(), testEvent)
	require.NoError(t, err)
	return snap
}

func (f *schedulerFixture) registration(t *testing.T, id string) *domain.Registration {
	t.Helper()
	reg, err := f.store.LoadRegistration(context.Background(), id)
	require.NoError(t, err)
	return reg
}

// assertContiguous checks positions 1..n in the snapshot and in the store
func assertContiguous(t *testing.T, f *schedulerFixture) {
	t.Helper()
	snap := f.snapshot(t)
	for i, v := range snap.Entries {
		assert.Equal(t, i+1, v.Position, "snapshot position of %s", v.EntryID)
	}

	stored, err := f.store.LoadActiveQueueEntries(context.Background(), testEvent)
	require.NoError(t, err)
	_, err = ledger.FromEntries(testEvent, stored)
	assert.NoError(t, err, "stored queue must be contiguous")
	assert.Len(t, stored, snap.Len())
}

func registrationOrder(snap *domain.QueueSnapshot) []string {
	out := make([]string, len(snap.Entries))
	for i, v := range snap.Entries {
		out[i] = v.RegistrationID
	}
	return out
}

func TestAdmitToQueue_AppendsAtTail(t *testing.T) {
	f := setupScheduler(t, 3)

	entries := f.admit(t, "r1", "r2")
	assert.Equal(t, 1, entries[0].Position)
	assert.Equal(t, 2, entries[1].Position)
	assert.Equal(t, domain.EntryWaiting, entries[1].Status)
	assert.Equal(t, int64(1), entries[1].Version)
	require.NotNil(t, entries[1].EstimatedTime)
	assert.Equal(t, f.start.Add(10*time.Minute), *entries[1].EstimatedTime)

	prior := f.snapshot(t).Len()
	entry, err := f.svc.AdmitToQueue(context.Background(), "r3")
	require.NoError(t, err)
	assert.Equal(t, prior+1, entry.Position)

	snap := f.snapshot(t)
	view, ok := snap.FindRegistration("r3")
	require.True(t, ok)
	assert.Equal(t, prior+1, view.Position)

	assert.Equal(t, domain.RegistrationApproved, f.registration(t, "r3").Status)
	assert.Equal(t, []domain.QueueEventType{
		domain.QueueEventAdmitted, domain.QueueEventAdmitted, domain.QueueEventAdmitted,
	}, f.publisher.Types())
	assertContiguous(t, f)
}

func TestAdmitToQueue_Errors(t *testing.T) {
	f := setupScheduler(t, 2)
	ctx := context.Background()
	f.admit(t, "r1")

	_, err := f.svc.AdmitToQueue(ctx, "r1")
	assert.ErrorIs(t, err, domain.ErrDuplicateEntry)

	_, err = f.svc.AdmitToQueue(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrRegistrationNotFound)

	_, err = f.svc.AdmitToQueue(ctx, "")
	assert.ErrorIs(t, err, domain.ErrInvalidRegistrationID)

	f.store.SetRegistrationStatus("r2", domain.RegistrationCancelled)
	_, err = f.svc.AdmitToQueue(ctx, "r2")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	assert.Equal(t, 1, f.snapshot(t).Len())
}

func TestAdmitToQueue_ApprovedWithoutEntry(t *testing.T) {
	f := setupScheduler(t, 1)
	f.store.SetRegistrationStatus("r1", domain.RegistrationApproved)

	entry, err := f.svc.AdmitToQueue(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Position)
	assert.Equal(t, domain.RegistrationApproved, f.registration(t, "r1").Status)
}

func TestScheduler_CallAndCompleteScenario(t *testing.T) {
	f := setupScheduler(t, 3)
	ctx := context.Background()
	f.admit(t, "r1", "r2", "r3")

	snap := f.snapshot(t)
	require.Equal(t, 3, snap.Len())
	assert.Equal(t, f.start, snap.Entries[0].EstimatedStart)
	assert.Equal(t, f.start.Add(10*time.Minute), snap.Entries[1].EstimatedStart)
	assert.Equal(t, f.start.Add(20*time.Minute), snap.Entries[2].EstimatedStart)
	assert.Equal(t, int64(600), snap.AverageServiceSeconds)

	called, err := f.svc.CallNext(ctx, testEvent)
	require.NoError(t, err)
	assert.Equal(t, "r1", called.RegistrationID)
	assert.Equal(t, 1, called.Position)
	assert.Equal(t, domain.EntryInProgress, called.Status)
	require.NotNil(t, called.CalledAt)

	reg := f.registration(t, "r1")
	assert.Equal(t, domain.RegistrationCheckedIn, reg.Status)
	require.NotNil(t, reg.CheckInTime, "calling an attendee who never scanned in stamps check-in")

	current, ok := f.snapshot(t).Current()
	require.True(t, ok)
	assert.Equal(t, called.ID, current.EntryID)

	f.clock.Advance(8 * time.Minute)
	now := f.clock.Now()

	details := domain.InteractionDetails{Notes: "signed two posters", IsVIP: true, SpecialRequests: "wheelchair access"}
	done, err := f.svc.CompleteCurrent(ctx, testEvent, details)
	require.NoError(t, err)
	assert.Equal(t, domain.EntryCompleted, done.Status)
	assert.Equal(t, 0, done.Position)

	reg = f.registration(t, "r1")
	assert.Equal(t, domain.RegistrationCompleted, reg.Status)
	require.NotNil(t, reg.CompletionTime)
	assert.Equal(t, now, *reg.CompletionTime)
	assert.Equal(t, []int{480}, f.store.Interactions(testEvent))
	assert.Equal(t, []domain.Interaction{{
		RegistrationID:     "r1",
		DurationSeconds:    480,
		InteractionDetails: details,
	}}, f.store.InteractionRecords("r1"))

	snap = f.snapshot(t)
	assert.Equal(t, []string{"r2", "r3"}, registrationOrder(snap))
	assert.Equal(t, 1, snap.Entries[0].Position)
	assert.Equal(t, 2, snap.Entries[1].Position)
	assert.Equal(t, now, snap.Entries[0].EstimatedStart)
	assert.Equal(t, now.Add(10*time.Minute), snap.Entries[1].EstimatedStart)
	assert.Equal(t, 1, snap.CompletedInteractions)

	archived, err := f.store.LoadQueueEntry(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EntryCompleted, archived.Status)
	assert.Equal(t, done.Version, archived.Version)

	assert.Equal(t, []domain.QueueEventType{
		domain.QueueEventAdmitted, domain.QueueEventAdmitted, domain.QueueEventAdmitted,
		domain.QueueEventCalled, domain.QueueEventCompleted,
	}, f.publisher.Types())
	assertContiguous(t, f)
}

func TestCallNext_Errors(t *testing.T) {
	f := setupScheduler(t, 1)
	ctx := context.Background()

	_, err := f.svc.CallNext(ctx, testEvent)
	assert.ErrorIs(t, err, domain.ErrQueueEmpty)

	_, err = f.svc.CompleteCurrent(ctx, testEvent, domain.InteractionDetails{})
	assert.ErrorIs(t, err, domain.ErrNoActiveInteraction)

	f.admit(t, "r1")
	_, err = f.svc.CallNext(ctx, testEvent)
	require.NoError(t, err)

	_, err = f.svc.CallNext(ctx, testEvent)
	assert.ErrorIs(t, err, domain.ErrSlotOccupied)

	_, err = f.svc.CallNext(ctx, "")
	assert.ErrorIs(t, err, domain.ErrInvalidEventID)

	_, err = f.svc.CallNext(ctx, "evt-unknown")
	assert.ErrorIs(t, err, domain.ErrEventNotFound)
}

func TestCallNext_ConcurrentCallsPromoteOne(t *testing.T) {
	f := setupScheduler(t, 3)
	f.admit(t, "r1", "r2", "r3")

	const callers = 8
	var (
		wg       sync.WaitGroup
		ok       atomic.Int32
		occupied atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CallNext(context.Background(), testEvent)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, domain.ErrSlotOccupied):
				occupied.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(callers-1), occupied.Load())

	inProgress := 0
	for _, v := range f.snapshot(t).Entries {
		if v.Status == domain.EntryInProgress {
			inProgress++
		}
	}
	assert.Equal(t, 1, inProgress)
}

func TestAdmitToQueue_ConcurrentAdmissionsStayContiguous(t *testing.T) {
	const n = 25
	f := setupScheduler(t, n)

	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.svc.AdmitToQueue(context.Background(), id)
			assert.NoError(t, err)
		}(fmt.Sprintf("r%d", i))
	}

	// readers never block on writers
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			snap, err := f.svc.Snapshot(context.Background(), testEvent)
			if err != nil {
				continue
			}
			for j, v := range snap.Entries {
				if v.Position != j+1 {
					t.Errorf("snapshot revision %d has position %d at index %d", snap.Revision, v.Position, j)
				}
			}
		}
	}()

	wg.Wait()
	<-done

	snap := f.snapshot(t)
	require.Equal(t, n, snap.Len())
	seen := make(map[string]bool, n)
	for _, id := range registrationOrder(snap) {
		assert.False(t, seen[id], "registration %s queued twice", id)
		seen[id] = true
	}
	assertContiguous(t, f)
}

func TestCheckIn(t *testing.T) {
	f := setupScheduler(t, 2)
	ctx := context.Background()
	f.admit(t, "r1")

	entry, err := f.svc.CheckIn(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.EntryReady, entry.Status)
	assert.Equal(t, 1, entry.Position)

	reg := f.registration(t, "r1")
	assert.Equal(t, domain.RegistrationCheckedIn, reg.Status)
	require.NotNil(t, reg.CheckInTime)

	_, err = f.svc.CheckIn(ctx, "r1")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = f.svc.CheckIn(ctx, "r2")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "pending registrations must be admitted first")

	view, err := f.svc.Position(ctx, testEvent, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.EntryReady, view.Status)
}

func TestCheckInWithPass(t *testing.T) {
	f := setupScheduler(t, 1)
	ctx := context.Background()
	f.admit(t, "r1")

	pass, expiresAt, err := f.svc.IssueCheckInPass(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, expiresAt.After(f.start))

	entry, err := f.svc.CheckInWithPass(ctx, pass)
	require.NoError(t, err)
	assert.Equal(t, domain.EntryReady, entry.Status)

	_, err = f.svc.CheckInWithPass(ctx, "garbage")
	assert.ErrorIs(t, err, domain.ErrInvalidCheckInPass)

	foreign, _, err := f.svc.passes.Issue(&domain.Registration{ID: "r1", EventID: "evt-2"})
	require.NoError(t, err)
	_, err = f.svc.CheckInWithPass(ctx, foreign)
	assert.ErrorIs(t, err, domain.ErrInvalidCheckInPass)
}

func TestIssueCheckInPass_TerminalRegistration(t *testing.T) {
	f := setupScheduler(t, 1)
	f.store.SetRegistrationStatus("r1", domain.RegistrationNoShow)

	_, _, err := f.svc.IssueCheckInPass(context.Background(), "r1")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestMarkNoShow_TwiceIsRejected(t *testing.T) {
	f := setupScheduler(t, 3)
	ctx := context.Background()
	entries := f.admit(t, "r1", "r2", "r3")

	require.NoError(t, f.svc.MarkNoShow(ctx, entries[1].ID))

	snap := f.snapshot(t)
	assert.Equal(t, []string{"r1", "r3"}, registrationOrder(snap))
	assert.Equal(t, 2, snap.Entries[1].Position, "later entries move up by exactly one")
	assert.Equal(t, domain.RegistrationNoShow, f.registration(t, "r2").Status)

	txBefore := f.store.TxCount()
	err := f.svc.MarkNoShow(ctx, entries[1].ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Same(t, snap, f.snapshot(t), "queue unchanged")
	assert.Equal(t, txBefore, f.store.TxCount())

	_, err = f.store.LoadQueueEntry(ctx, entries[1].ID)
	assert.ErrorIs(t, err, domain.ErrQueueEntryNotFound)
	assertContiguous(t, f)
}

func TestExits_RejectedAfterCheckIn(t *testing.T) {
	f := setupScheduler(t, 3)
	ctx := context.Background()
	entries := f.admit(t, "r1", "r2", "r3")

	_, err := f.svc.CheckIn(ctx, "r1")
	require.NoError(t, err)
	_, err = f.svc.CheckIn(ctx, "r2")
	require.NoError(t, err)

	snap := f.snapshot(t)
	txBefore := f.store.TxCount()

	err = f.svc.MarkNoShow(ctx, entries[0].ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "checked-in registrants cannot be marked no-show")
	err = f.svc.Cancel(ctx, entries[1].ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "checked-in registrants cannot be cancelled")
	err = f.svc.CancelRegistration(ctx, "r2")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	assert.Same(t, snap, f.snapshot(t), "queue unchanged")
	assert.Equal(t, txBefore, f.store.TxCount())
	assert.Equal(t, domain.RegistrationCheckedIn, f.registration(t, "r1").Status)
	assert.Equal(t, domain.RegistrationCheckedIn, f.registration(t, "r2").Status)

	current, err := f.svc.CallNext(ctx, testEvent)
	require.NoError(t, err)
	require.Equal(t, entries[0].ID, current.ID)

	err = f.svc.MarkNoShow(ctx, current.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "the interaction in progress cannot be a no-show")
	err = f.svc.Cancel(ctx, current.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "the interaction in progress cannot be cancelled")

	cur, ok := f.snapshot(t).Current()
	require.True(t, ok)
	assert.Equal(t, current.ID, cur.EntryID)

	// a waiting entry can still leave
	require.NoError(t, f.svc.MarkNoShow(ctx, entries[2].ID))
	assert.Equal(t, []string{"r1", "r2"}, registrationOrder(f.snapshot(t)))
	assertContiguous(t, f)
}

func TestMarkNoShow_CompletedEntry(t *testing.T) {
	f := setupScheduler(t, 1)
	ctx := context.Background()
	f.admit(t, "r1")

	_, err := f.svc.CallNext(ctx, testEvent)
	require.NoError(t, err)
	done, err := f.svc.CompleteCurrent(ctx, testEvent, domain.InteractionDetails{})
	require.NoError(t, err)

	err = f.svc.MarkNoShow(ctx, done.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	err = f.svc.MarkNoShow(ctx, "q-unknown")
	assert.ErrorIs(t, err, domain.ErrQueueEntryNotFound)
}

func TestCancel(t *testing.T) {
	f := setupScheduler(t, 4)
	ctx := context.Background()
	entries := f.admit(t, "r1", "r2", "r3")

	require.NoError(t, f.svc.Cancel(ctx, entries[0].ID))
	assert.Equal(t, []string{"r2", "r3"}, registrationOrder(f.snapshot(t)))
	assert.Equal(t, domain.RegistrationCancelled, f.registration(t, "r1").Status)

	require.NoError(t, f.svc.CancelRegistration(ctx, "r3"))
	assert.Equal(t, []string{"r2"}, registrationOrder(f.snapshot(t)))

	require.NoError(t, f.svc.CancelRegistration(ctx, "r4"), "pending registrations can be cancelled")
	assert.Equal(t, domain.RegistrationCancelled, f.registration(t, "r4").Status)

	err := f.svc.CancelRegistration(ctx, "r4")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	assert.Contains(t, f.publisher.Types(), domain.QueueEventCancelled)
	assertContiguous(t, f)
}

func TestReorder(t *testing.T) {
	f := setupScheduler(t, 4)
	ctx := context.Background()
	entries := f.admit(t, "r1", "r2", "r3", "r4")

	moved, err := f.svc.Reorder(ctx, testEvent, entries[3].ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, moved.Position)
	assert.Equal(t, []string{"r4", "r1", "r2", "r3"}, registrationOrder(f.snapshot(t)))

	snap := f.snapshot(t)
	assert.Equal(t, f.start, snap.Entries[0].EstimatedStart)
	assert.Equal(t, f.start.Add(30*time.Minute), snap.Entries[3].EstimatedStart)

	_, err = f.svc.Reorder(ctx, testEvent, entries[0].ID, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidPosition)
	_, err = f.svc.Reorder(ctx, testEvent, entries[0].ID, 5)
	assert.ErrorIs(t, err, domain.ErrInvalidPosition)
	_, err = f.svc.Reorder(ctx, testEvent, "q-unknown", 1)
	assert.ErrorIs(t, err, domain.ErrQueueEntryNotFound)

	// the interaction in progress keeps the head of the queue
	_, err = f.svc.CallNext(ctx, testEvent)
	require.NoError(t, err)
	_, err = f.svc.Reorder(ctx, testEvent, entries[2].ID, 1)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = f.svc.Reorder(ctx, testEvent, entries[3].ID, 3)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = f.svc.Reorder(ctx, testEvent, entries[2].ID, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"r4", "r3", "r1", "r2"}, registrationOrder(f.snapshot(t)))
	assertContiguous(t, f)
}

func TestScheduler_ConflictIsRetriedOnce(t *testing.T) {
	f := setupScheduler(t, 2)
	ctx := context.Background()
	f.admit(t, "r1", "r2")

	f.store.FailNextTx(domain.ErrConflict)
	before := f.store.TxCount()

	called, err := f.svc.CallNext(ctx, testEvent)
	require.NoError(t, err)
	assert.Equal(t, "r1", called.RegistrationID)
	assert.Equal(t, before+2, f.store.TxCount())
}

func TestScheduler_ConflictSurfacesAfterRetry(t *testing.T) {
	f := setupScheduler(t, 2)
	ctx := context.Background()
	f.admit(t, "r1", "r2")

	snap := f.snapshot(t)
	f.store.FailNextTx(domain.ErrConflict, domain.ErrConflict)
	before := f.store.TxCount()

	_, err := f.svc.CallNext(ctx, testEvent)
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, before+2, f.store.TxCount(), "exactly one retry")

	after := f.snapshot(t)
	assert.Equal(t, registrationOrder(snap), registrationOrder(after))
	_, busy := after.Current()
	assert.False(t, busy)
	assert.Equal(t, domain.RegistrationApproved, f.registration(t, "r1").Status)
}

func TestScheduler_StaleVersionReloadsAndSucceeds(t *testing.T) {
	f := setupScheduler(t, 2)
	ctx := context.Background()
	entries := f.admit(t, "r1", "r2")

	// another writer touched the head entry since it was loaded
	f.store.TouchQueueEntry(entries[0].ID)

	called, err := f.svc.CallNext(ctx, testEvent)
	require.NoError(t, err)
	assert.Equal(t, entries[0].ID, called.ID)
	assert.Equal(t, int64(3), called.Version)

	stored, err := f.store.LoadQueueEntry(ctx, called.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EntryInProgress, stored.Status)
}

func TestScheduler_FailedPersistLeavesSnapshot(t *testing.T) {
	f := setupScheduler(t, 3)
	ctx := context.Background()
	f.admit(t, "r1", "r2")

	snap := f.snapshot(t)
	storeErr := errors.New("disk full")
	f.store.FailNextTx(storeErr)
	before := f.store.TxCount()

	_, err := f.svc.AdmitToQueue(ctx, "r3")
	assert.ErrorIs(t, err, storeErr)
	assert.Equal(t, before+1, f.store.TxCount(), "only conflicts are retried")
	assert.Same(t, snap, f.snapshot(t))
	assert.Equal(t, domain.RegistrationPending, f.registration(t, "r3").Status)

	entry, err := f.svc.AdmitToQueue(ctx, "r3")
	require.NoError(t, err)
	assert.Equal(t, 3, entry.Position)
	assertContiguous(t, f)
}

func TestScheduler_DeadlineExceeded(t *testing.T) {
	f := setupScheduler(t, 2)
	f.admit(t, "r1")

	t.Run("context already done", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		before := f.store.TxCount()

		_, err := f.svc.CallNext(ctx, testEvent)
		assert.ErrorIs(t, err, domain.ErrDeadlineExceeded)
		_, err = f.svc.AdmitToQueue(ctx, "r2")
		assert.ErrorIs(t, err, domain.ErrDeadlineExceeded)
		err = f.svc.MarkNoShow(ctx, "q1")
		assert.ErrorIs(t, err, domain.ErrDeadlineExceeded)
		assert.Equal(t, before, f.store.TxCount())
	})

	t.Run("lock not acquired in time", func(t *testing.T) {
		q := f.svc.loaded(testEvent)
		require.NotNil(t, q)
		require.NoError(t, q.sem.Acquire(context.Background(), 1))
		defer q.sem.Release(1)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := f.svc.CallNext(ctx, testEvent)
		assert.ErrorIs(t, err, domain.ErrDeadlineExceeded)

		// reads are unaffected by the held lock
		_, err = f.svc.Snapshot(context.Background(), testEvent)
		assert.NoError(t, err)
	})
}

func TestScheduler_LoadsQueueFromStore(t *testing.T) {
	f := setupScheduler(t, 3)
	ctx := context.Background()
	f.admit(t, "r1", "r2", "r3")
	_, err := f.svc.CallNext(ctx, testEvent)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		f.store.AddInteraction(testEvent, 300)
	}

	// a fresh process sees the persisted queue
	fresh := NewSchedulerService(f.store, nil, nil, nil, &SchedulerServiceConfig{
		MinSamples: 3,
		Clock:      f.clock.Now,
		Logger:     logger.NewNop(),
	})
	assert.Empty(t, fresh.LoadedEvents())

	snap, err := fresh.Snapshot(ctx, testEvent)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2", "r3"}, registrationOrder(snap))
	assert.Equal(t, domain.EntryInProgress, snap.Entries[0].Status)
	assert.Equal(t, int64(300), snap.AverageServiceSeconds, "three samples replace the fallback")
	assert.Equal(t, f.start.Add(5*time.Minute), snap.Entries[1].EstimatedStart)
	assert.Equal(t, []string{testEvent}, fresh.LoadedEvents())

	_, err = fresh.CallNext(ctx, testEvent)
	assert.ErrorIs(t, err, domain.ErrSlotOccupied)
}

func TestSnapshot_RevisionsAndCache(t *testing.T) {
	f := setupScheduler(t, 2)
	ctx := context.Background()

	_, err := f.svc.Snapshot(ctx, "evt-unknown")
	assert.ErrorIs(t, err, domain.ErrEventNotFound)

	f.admit(t, "r1")
	first := f.snapshot(t)
	f.admit(t, "r2")
	second := f.snapshot(t)
	assert.Greater(t, second.Revision, first.Revision)

	cached, err := f.cache.Get(ctx, testEvent)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, second.Revision, cached.Revision)

	refreshed, err := f.svc.RecomputeEstimates(ctx, testEvent)
	require.NoError(t, err)
	assert.Greater(t, refreshed.Revision, second.Revision)

	// an instance that has not loaded the event serves the shared copy
	other := NewSchedulerService(f.store, f.cache, nil, nil, &SchedulerServiceConfig{Logger: logger.NewNop()})
	snap, err := other.Snapshot(ctx, testEvent)
	require.NoError(t, err)
	assert.Equal(t, refreshed.Revision, snap.Revision)
	assert.Empty(t, other.LoadedEvents())
}

func TestPosition(t *testing.T) {
	f := setupScheduler(t, 3)
	ctx := context.Background()
	f.admit(t, "r1", "r2")

	view, err := f.svc.Position(ctx, testEvent, "r2")
	require.NoError(t, err)
	assert.Equal(t, 2, view.Position)
	assert.Equal(t, int64(600), view.EstimatedWaitSeconds)

	_, err = f.svc.Position(ctx, testEvent, "r3")
	assert.ErrorIs(t, err, domain.ErrQueueEntryNotFound)

	_, err = f.svc.Position(ctx, testEvent, "")
	assert.ErrorIs(t, err, domain.ErrInvalidRegistrationID)
}

func TestScheduler_PublishFailureDoesNotFailOperation(t *testing.T) {
	f := setupScheduler(t, 1)
	f.publisher.err = errors.New("broker down")

	entry, err := f.svc.AdmitToQueue(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Position)
	assert.Empty(t, f.publisher.Types())
}

func TestScheduler_EstimatesArePersisted(t *testing.T) {
	f := setupScheduler(t, 2)
	entries := f.admit(t, "r1", "r2")

	stored, err := f.store.LoadQueueEntry(context.Background(), entries[1].ID)
	require.NoError(t, err)
	require.NotNil(t, stored.EstimatedTime)
	assert.Equal(t, f.start.Add(10*time.Minute), *stored.EstimatedTime)
}

// slowStore holds EventExists until release is closed
type slowStore struct {
	*repository.MemoryRegistrationStore
	release chan struct{}
	calls   atomic.Int32
}

func (s *slowStore) EventExists(ctx context.Context, eventID string) (bool, error) {
	s.calls.Add(1)
	select {
	case <-s.release:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	return s.MemoryRegistrationStore.EventExists(ctx, eventID)
}

func TestScheduler_SharedLoadOutlivesCallerDeadline(t *testing.T) {
	f := setupScheduler(t, 1)
	store := &slowStore{MemoryRegistrationStore: f.store, release: make(chan struct{})}
	svc := NewSchedulerService(store, nil, nil, nil, &SchedulerServiceConfig{
		Clock:  f.clock.Now,
		Logger: logger.NewNop(),
	})

	hurried := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := svc.Snapshot(ctx, testEvent)
		hurried <- err
	}()

	patient := make(chan error, 1)
	go func() {
		_, err := svc.Snapshot(context.Background(), testEvent)
		patient <- err
	}()

	select {
	case err := <-hurried:
		assert.ErrorIs(t, err, domain.ErrDeadlineExceeded)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, "deadline", errorType(err))
	case <-time.After(time.Second):
		t.Fatal("caller with a deadline kept waiting")
	}

	close(store.release)

	select {
	case err := <-patient:
		assert.NoError(t, err, "another caller's deadline must not fail this one")
	case <-time.After(time.Second):
		t.Fatal("caller without a deadline never got the queue")
	}
	assert.Equal(t, int32(1), store.calls.Load(), "one load is shared")
	assert.Equal(t, []string{testEvent}, svc.LoadedEvents())
}

func TestScheduler_LoadTimeoutIsDeadlineExceeded(t *testing.T) {
	f := setupScheduler(t, 1)
	store := &slowStore{MemoryRegistrationStore: f.store, release: make(chan struct{})}
	svc := NewSchedulerService(store, nil, nil, nil, &SchedulerServiceConfig{
		LoadTimeout: 20 * time.Millisecond,
		Clock:       f.clock.Now,
		Logger:      logger.NewNop(),
	})

	_, err := svc.Snapshot(context.Background(), testEvent)
	assert.ErrorIs(t, err, domain.ErrDeadlineExceeded)
	assert.Empty(t, svc.LoadedEvents())

	close(store.release)
	_, err = svc.Snapshot(context.Background(), testEvent)
	require.NoError(t, err, "a failed load is retried on next use")
	assert.Equal(t, int32(2), store.calls.Load())
}

func TestEvictIdle(t *testing.T) {
	f := setupScheduler(t, 3)
	ctx := context.Background()
	entries := f.admit(t, "r1", "r2")
	require.NoError(t, f.svc.MarkNoShow(ctx, entries[1].ID))

	f.clock.Advance(time.Hour)
	assert.Empty(t, f.svc.EvictIdle(30*time.Minute), "queues with active entries stay")

	require.NoError(t, f.svc.Cancel(ctx, entries[0].ID))
	assert.Len(t, f.svc.tombstones, 2)
	assert.Empty(t, f.svc.EvictIdle(30*time.Minute), "recently mutated queues stay")

	f.clock.Advance(31 * time.Minute)
	old := f.svc.loaded(testEvent)
	require.NotNil(t, old)

	require.NoError(t, old.sem.Acquire(ctx, 1))
	assert.Empty(t, f.svc.EvictIdle(30*time.Minute), "a queue in use is skipped")
	old.sem.Release(1)

	assert.Equal(t, []string{testEvent}, f.svc.EvictIdle(30*time.Minute))
	assert.Empty(t, f.svc.LoadedEvents())
	assert.Empty(t, f.svc.tombstones, "tombstones leave with their event")

	// the event is loaded again on next use, never through the evicted copy
	q, err := f.svc.lock(ctx, testEvent, "test")
	require.NoError(t, err)
	assert.NotSame(t, old, q)
	q.sem.Release(1)

	entry, err := f.svc.AdmitToQueue(ctx, "r3")
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Position)
	assert.Equal(t, []string{testEvent}, f.svc.LoadedEvents())
	assertContiguous(t, f)
}
