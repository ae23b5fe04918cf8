package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dxaginfo/fan-meet-greet-platform-2025/internal/domain"
	"github.com/dxaginfo/fan-meet-greet-platform-2025/pkg/response"
)

// MockSchedulerService is a mock implementation of SchedulerService
type MockSchedulerService struct {
	mock.Mock
}

func (m *MockSchedulerService) entry(args mock.Arguments) (*domain.QueueEntry, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.QueueEntry), args.Error(1)
}

func (m *MockSchedulerService) AdmitToQueue(ctx context.Context, registrationID string) (*domain.QueueEntry, error) {
	return m.entry(m.Called(ctx, registrationID))
}

func (m *MockSchedulerService) CheckIn(ctx context.Context, registrationID string) (*domain.QueueEntry, error) {
	return m.entry(m.Called(ctx, registrationID))
}

func (m *MockSchedulerService) CheckInWithPass(ctx context.Context, pass string) (*domain.QueueEntry, error) {
	return m.entry(m.Called(ctx, pass))
}

func (m *MockSchedulerService) IssueCheckInPass(ctx context.Context, registrationID string) (string, time.Time, error) {
	args := m.Called(ctx, registrationID)
	return args.String(0), args.Get(1).(time.Time), args.Error(2)
}

func (m *MockSchedulerService) CallNext(ctx context.Context, eventID string) (*domain.QueueEntry, error) {
	return m.entry(m.Called(ctx, eventID))
}

func (m *MockSchedulerService) CompleteCurrent(ctx context.Context, eventID string, details domain.InteractionDetails) (*domain.QueueEntry, error) {
	return m.entry(m.Called(ctx, eventID, details))
}

func (m *MockSchedulerService) MarkNoShow(ctx context.Context, entryID string) error {
	return m.Called(ctx, entryID).Error(0)
}

func (m *MockSchedulerService) Cancel(ctx context.Context, entryID string) error {
	return m.Called(ctx, entryID).Error(0)
}

func (m *MockSchedulerService) CancelRegistration(ctx context.Context, registrationID string) error {
	return m.Called(ctx, registrationID).Error(0)
}

func (m *MockSchedulerService) Reorder(ctx context.Context, eventID, entryID string, newPosition int) (*domain.QueueEntry, error) {
	return m.entry(m.Called(ctx, eventID, entryID, newPosition))
}

func (m *MockSchedulerService) RecomputeEstimates(ctx context.Context, eventID string) (*domain.QueueSnapshot, error) {
	args := m.Called(ctx, eventID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.QueueSnapshot), args.Error(1)
}

func (m *MockSchedulerService) Snapshot(ctx context.Context, eventID string) (*domain.QueueSnapshot, error) {
	args := m.Called(ctx, eventID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.QueueSnapshot), args.Error(1)
}

func (m *MockSchedulerService) Position(ctx context.Context, eventID, registrationID string) (*domain.EntryView, error) {
	args := m.Called(ctx, eventID, registrationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.EntryView), args.Error(1)
}

func (m *MockSchedulerService) LoadedEvents() []string {
	return m.Called().Get(0).([]string)
}

func (m *MockSchedulerService) EvictIdle(idleFor time.Duration) []string {
	return m.Called(idleFor).Get(0).([]string)
}

var testNow = time.Date(2025, 6, 25, 18, 0, 0, 0, time.UTC)

func testEntry(id, registrationID string, position int, status domain.QueueEntryStatus) *domain.QueueEntry {
	return &domain.QueueEntry{
		ID:             id,
		EventID:        "evt-1",
		RegistrationID: registrationID,
		Position:       position,
		Status:         status,
		AdmittedAt:     testNow,
		Version:        1,
	}
}

func setupQueueTestRouter(scheduler *MockSchedulerService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewQueueHandler(scheduler).RegisterRoutes(router.Group("/api/v1"), nil)
	return router
}

func doRequest(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *response.ErrorData `json:"error"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func TestAdmit_Success(t *testing.T) {
	scheduler := new(MockSchedulerService)
	router := setupQueueTestRouter(scheduler)

	scheduler.On("AdmitToQueue", mock.Anything, "r1").Return(testEntry("q1", "r1", 1, domain.EntryWaiting), nil)

	w := doRequest(router, http.MethodPost, "/api/v1/registrations/r1/admit", nil)

	assert.Equal(t, http.StatusCreated, w.Code)
	env := decode(t, w)
	assert.True(t, env.Success)

	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "q1", data["entry_id"])
	assert.Equal(t, float64(1), data["position"])
	assert.Equal(t, "waiting", data["status"])
	scheduler.AssertExpectations(t)
}

func TestAdmit_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"registration not found", domain.ErrRegistrationNotFound, http.StatusNotFound, "REGISTRATION_NOT_FOUND"},
		{"invalid transition", fmt.Errorf("admit r1: %w", domain.ErrInvalidTransition), http.StatusConflict, "INVALID_TRANSITION"},
		{"duplicate entry", domain.ErrDuplicateEntry, http.StatusConflict, "DUPLICATE_ENTRY"},
		{"conflict", domain.ErrConflict, http.StatusConflict, "CONFLICT"},
		{"deadline", domain.ErrDeadlineExceeded, http.StatusGatewayTimeout, "DEADLINE_EXCEEDED"},
		{"invalid id", domain.ErrInvalidRegistrationID, http.StatusBadRequest, "INVALID_REQUEST"},
		{"internal", errors.New("connection refused"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scheduler := new(MockSchedulerService)
			router := setupQueueTestRouter(scheduler)
			scheduler.On("AdmitToQueue", mock.Anything, "r1").Return(nil, tt.err)

			w := doRequest(router, http.MethodPost, "/api/v1/registrations/r1/admit", nil)

			assert.Equal(t, tt.wantStatus, w.Code)
			env := decode(t, w)
			assert.False(t, env.Success)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.wantCode, env.Error.Code)
		})
	}
}

func TestInternalError_HidesCause(t *testing.T) {
	scheduler := new(MockSchedulerService)
	router := setupQueueTestRouter(scheduler)
	scheduler.On("CallNext", mock.Anything, "evt-1").Return(nil, errors.New("pq: password authentication failed"))

	w := doRequest(router, http.MethodPost, "/api/v1/events/evt-1/queue/call-next", nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "password")
}

func TestCheckIn_Success(t *testing.T) {
	scheduler := new(MockSchedulerService)
	router := setupQueueTestRouter(scheduler)
	scheduler.On("CheckIn", mock.Anything, "r2").Return(testEntry("q2", "r2", 2, domain.EntryReady), nil)

	w := doRequest(router, http.MethodPost, "/api/v1/registrations/r2/check-in", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ready"`)
}

func TestCheckInWithPass(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		scheduler := new(MockSchedulerService)
		router := setupQueueTestRouter(scheduler)
		scheduler.On("CheckInWithPass", mock.Anything, "signed.pass.token").Return(testEntry("q1", "r1", 1, domain.EntryReady), nil)

		w := doRequest(router, http.MethodPost, "/api/v1/check-in", map[string]string{"pass": "signed.pass.token"})

		assert.Equal(t, http.StatusOK, w.Code)
		scheduler.AssertExpectations(t)
	})

	t.Run("missing pass", func(t *testing.T) {
		scheduler := new(MockSchedulerService)
		router := setupQueueTestRouter(scheduler)

		w := doRequest(router, http.MethodPost, "/api/v1/check-in", map[string]string{})

		assert.Equal(t, http.StatusBadRequest, w.Code)
		scheduler.AssertNotCalled(t, "CheckInWithPass", mock.Anything, mock.Anything)
	})

	t.Run("invalid pass", func(t *testing.T) {
		scheduler := new(MockSchedulerService)
		router := setupQueueTestRouter(scheduler)
		scheduler.On("CheckInWithPass", mock.Anything, "forged").Return(nil, fmt.Errorf("%w: signature is invalid", domain.ErrInvalidCheckInPass))

		w := doRequest(router, http.MethodPost, "/api/v1/check-in", map[string]string{"pass": "forged"})

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "INVALID_CHECK_IN_PASS", decode(t, w).Error.Code)
	})
}

func TestGetPass(t *testing.T) {
	scheduler := new(MockSchedulerService)
	router := setupQueueTestRouter(scheduler)
	expires := testNow.Add(24 * time.Hour)
	scheduler.On("IssueCheckInPass", mock.Anything, "r1").Return("signed.pass.token", expires, nil)

	w := doRequest(router, http.MethodGet, "/api/v1/registrations/r1/pass", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &data))
	assert.Equal(t, "signed.pass.token", data["pass"])
	assert.Equal(t, expires.Format(time.RFC3339), data["expires_at"])
}

func TestCancelRegistration(t *testing.T) {
	scheduler := new(MockSchedulerService)
	router := setupQueueTestRouter(scheduler)
	scheduler.On("CancelRegistration", mock.Anything, "r1").Return(nil)

	w := doRequest(router, http.MethodPost, "/api/v1/registrations/r1/cancel", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	scheduler.AssertExpectations(t)
}

func TestCallNext(t *testing.T) {
	scheduler := new(MockSchedulerService)
	router := setupQueueTestRouter(scheduler)
	called := testEntry("q1", "r1", 1, domain.EntryInProgress)
	called.CalledAt = &testNow
	scheduler.On("CallNext", mock.Anything, "evt-1").Return(called, nil)

	w := doRequest(router, http.MethodPost, "/api/v1/events/evt-1/queue/call-next", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"in-progress"`)
}

func TestCallNext_SlotOccupied(t *testing.T) {
	scheduler := new(MockSchedulerService)
	router := setupQueueTestRouter(scheduler)
	scheduler.On("CallNext", mock.Anything, "evt-1").Return(nil, domain.ErrSlotOccupied)

	w := doRequest(router, http.MethodPost, "/api/v1/events/evt-1/queue/call-next", nil)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "SLOT_OCCUPIED", decode(t, w).Error.Code)
}

func TestCallNext_QueueEmpty(t *testing.T) {
	scheduler := new(MockSchedulerService)
	router := setupQueueTestRouter(scheduler)
	scheduler.On("CallNext", mock.Anything, "evt-1").Return(nil, domain.ErrQueueEmpty)

	w := doRequest(router, http.MethodPost, "/api/v1/events/evt-1/queue/call-next", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "QUEUE_EMPTY", decode(t, w).Error.Code)
}

func TestCompleteCurrent(t *testing.T) {
	t.Run("without body", func(t *testing.T) {
		scheduler := new(MockSchedulerService)
		router := setupQueueTestRouter(scheduler)
		scheduler.On("CompleteCurrent", mock.Anything, "evt-1", domain.InteractionDetails{}).
			Return(testEntry("q1", "r1", 1, domain.EntryCompleted), nil)

		w := doRequest(router, http.MethodPost, "/api/v1/events/evt-1/queue/complete", nil)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"status":"completed"`)
		scheduler.AssertExpectations(t)
	})

	t.Run("with staff remarks", func(t *testing.T) {
		scheduler := new(MockSchedulerService)
		router := setupQueueTestRouter(scheduler)
		details := domain.InteractionDetails{Notes: "signed a poster", IsVIP: true, SpecialRequests: "quiet area"}
		scheduler.On("CompleteCurrent", mock.Anything, "evt-1", details).
			Return(testEntry("q1", "r1", 1, domain.EntryCompleted), nil)

		w := doRequest(router, http.MethodPost, "/api/v1/events/evt-1/queue/complete", map[string]interface{}{
			"notes":            "signed a poster",
			"is_vip":           true,
			"special_requests": "quiet area",
		})

		assert.Equal(t, http.StatusOK, w.Code)
		scheduler.AssertExpectations(t)
	})

	t.Run("malformed body", func(t *testing.T) {
		scheduler := new(MockSchedulerService)
		router := setupQueueTestRouter(scheduler)

		w := doRequest(router, http.MethodPost, "/api/v1/events/evt-1/queue/complete", "not an object")

		assert.Equal(t, http.StatusBadRequest, w.Code)
		scheduler.AssertNotCalled(t, "CompleteCurrent", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestReorder(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		scheduler := new(MockSchedulerService)
		router := setupQueueTestRouter(scheduler)
		scheduler.On("Reorder", mock.Anything, "evt-1", "q3", 2).Return(testEntry("q3", "r3", 2, domain.EntryWaiting), nil)

		w := doRequest(router, http.MethodPut, "/api/v1/events/evt-1/queue/entries/q3/position", map[string]int{"position": 2})

		assert.Equal(t, http.StatusOK, w.Code)
		scheduler.AssertExpectations(t)
	})

	t.Run("position below one", func(t *testing.T) {
		scheduler := new(MockSchedulerService)
		router := setupQueueTestRouter(scheduler)

		w := doRequest(router, http.MethodPut, "/api/v1/events/evt-1/queue/entries/q3/position", map[string]int{"position": 0})

		assert.Equal(t, http.StatusBadRequest, w.Code)
		scheduler.AssertNotCalled(t, "Reorder", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("position out of range", func(t *testing.T) {
		scheduler := new(MockSchedulerService)
		router := setupQueueTestRouter(scheduler)
		scheduler.On("Reorder", mock.Anything, "evt-1", "q3", 9).Return(nil, domain.ErrInvalidPosition)

		w := doRequest(router, http.MethodPut, "/api/v1/events/evt-1/queue/entries/q3/position", map[string]int{"position": 9})

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "INVALID_POSITION", decode(t, w).Error.Code)
	})
}

func TestGetQueue(t *testing.T) {
	scheduler := new(MockSchedulerService)
	router := setupQueueTestRouter(scheduler)
	snap := &domain.QueueSnapshot{
		EventID: "evt-1",
		Entries: []domain.EntryView{
			{EntryID: "q1", RegistrationID: "r1", Position: 1, Status: domain.EntryInProgress, EstimatedStart: testNow},
			{EntryID: "q2", RegistrationID: "r2", Position: 2, Status: domain.EntryWaiting, EstimatedStart: testNow.Add(10 * time.Minute), EstimatedWaitSeconds: 600},
		},
		AverageServiceSeconds: 600,
		Revision:              42,
		GeneratedAt:           testNow,
	}
	scheduler.On("Snapshot", mock.Anything, "evt-1").Return(snap, nil)

	w := doRequest(router, http.MethodGet, "/api/v1/events/evt-1/queue", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &data))
	assert.Equal(t, float64(2), data["total_in_queue"])
	assert.Equal(t, float64(42), data["revision"])
	assert.NotNil(t, data["current"])
}

func TestGetQueue_EventNotFound(t *testing.T) {
	scheduler := new(MockSchedulerService)
	router := setupQueueTestRouter(scheduler)
	scheduler.On("Snapshot", mock.Anything, "missing").Return(nil, domain.ErrEventNotFound)

	w := doRequest(router, http.MethodGet, "/api/v1/events/missing/queue", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "EVENT_NOT_FOUND", decode(t, w).Error.Code)
}

func TestGetPosition(t *testing.T) {
	scheduler := new(MockSchedulerService)
	router := setupQueueTestRouter(scheduler)
	view := &domain.EntryView{
		EntryID:              "q2",
		RegistrationID:       "r2",
		Position:             2,
		Status:               domain.EntryWaiting,
		EstimatedStart:       testNow.Add(10 * time.Minute),
		EstimatedWaitSeconds: 600,
	}
	scheduler.On("Position", mock.Anything, "evt-1", "r2").Return(view, nil)

	w := doRequest(router, http.MethodGet, "/api/v1/events/evt-1/queue/registrations/r2", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &data))
	assert.Equal(t, float64(2), data["position"])
	assert.Equal(t, float64(600), data["estimated_wait_seconds"])
}

func TestRecompute(t *testing.T) {
	scheduler := new(MockSchedulerService)
	router := setupQueueTestRouter(scheduler)
	scheduler.On("RecomputeEstimates", mock.Anything, "evt-1").Return(&domain.QueueSnapshot{EventID: "evt-1", Revision: 3}, nil)

	w := doRequest(router, http.MethodPost, "/api/v1/events/evt-1/queue/recompute", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	scheduler.AssertExpectations(t)
}

func TestMarkNoShow(t *testing.T) {
	scheduler := new(MockSchedulerService)
	router := setupQueueTestRouter(scheduler)
	scheduler.On("MarkNoShow", mock.Anything, "q1").Return(nil).Once()
	scheduler.On("MarkNoShow", mock.Anything, "q1").Return(domain.ErrInvalidTransition).Once()

	first := doRequest(router, http.MethodPost, "/api/v1/queue/entries/q1/no-show", nil)
	second := doRequest(router, http.MethodPost, "/api/v1/queue/entries/q1/no-show", nil)

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusConflict, second.Code)
}

func TestCancelEntry_NotFound(t *testing.T) {
	scheduler := new(MockSchedulerService)
	router := setupQueueTestRouter(scheduler)
	scheduler.On("Cancel", mock.Anything, "nope").Return(domain.ErrQueueEntryNotFound)

	w := doRequest(router, http.MethodPost, "/api/v1/queue/entries/nope/cancel", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "QUEUE_ENTRY_NOT_FOUND", decode(t, w).Error.Code)
}

func TestStaffRoutes_UseIdempotencyMiddleware(t *testing.T) {
	scheduler := new(MockSchedulerService)
	scheduler.On("CallNext", mock.Anything, "evt-1").Return(testEntry("q1", "r1", 1, domain.EntryInProgress), nil)
	scheduler.On("Snapshot", mock.Anything, "evt-1").Return(&domain.QueueSnapshot{EventID: "evt-1"}, nil)

	var guarded []string
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewQueueHandler(scheduler).RegisterRoutes(router.Group("/api/v1"), func(c *gin.Context) {
		guarded = append(guarded, c.FullPath())
		c.Next()
	})

	doRequest(router, http.MethodPost, "/api/v1/events/evt-1/queue/call-next", nil)
	doRequest(router, http.MethodGet, "/api/v1/events/evt-1/queue", nil)

	assert.Equal(t, []string{"/api/v1/events/:event_id/queue/call-next"}, guarded)
}
