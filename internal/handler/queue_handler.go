package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dxaginfo/fan-meet-greet-platform-2025/internal/domain"
	"github.com/dxaginfo/fan-meet-greet-platform-2025/internal/dto"
	"github.com/dxaginfo/fan-meet-greet-platform-2025/internal/service"
	"github.com/dxaginfo/fan-meet-greet-platform-2025/pkg/response"
	"github.com/dxaginfo/fan-meet-greet-platform-2025/pkg/telemetry"
)

// QueueHandler handles queue and check-in HTTP requests
type QueueHandler struct {
	scheduler service.SchedulerService
}

// NewQueueHandler creates a new queue handler
func NewQueueHandler(scheduler service.SchedulerService) *QueueHandler {
	return &QueueHandler{
		scheduler: scheduler,
	}
}

// RegisterRoutes mounts attendee and staff routes on rg. Staff writes go through idempotency.
func (h *QueueHandler) RegisterRoutes(rg *gin.RouterGroup, idempotency gin.HandlerFunc) {
	if idempotency == nil {
		idempotency = func(c *gin.Context) { c.Next() }
	}

	registrations := rg.Group("/registrations/:id")
	{
		registrations.POST("/admit", idempotency, h.Admit)
		registrations.POST("/check-in", h.CheckIn)
		registrations.POST("/cancel", h.CancelRegistration)
		registrations.GET("/pass", h.GetPass)
	}

	rg.POST("/check-in", h.CheckInWithPass)

	queue := rg.Group("/events/:event_id/queue")
	{
		queue.GET("", h.GetQueue)
		queue.GET("/registrations/:registration_id", h.GetPosition)
		queue.POST("/call-next", idempotency, h.CallNext)
		queue.POST("/complete", idempotency, h.CompleteCurrent)
		queue.POST("/recompute", h.Recompute)
		queue.PUT("/entries/:entry_id/position", idempotency, h.Reorder)
	}

	entries := rg.Group("/queue/entries/:entry_id")
	{
		entries.POST("/no-show", idempotency, h.MarkNoShow)
		entries.POST("/cancel", idempotency, h.CancelEntry)
	}
}

// Admit handles POST /registrations/:id/admit
func (h *QueueHandler) Admit(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.queue.admit")
	defer span.End()

	registrationID := c.Param("id")
	span.SetAttributes(attribute.String("registration_id", registrationID))

	entry, err := h.scheduler.AdmitToQueue(ctx, registrationID)
	if err != nil {
		h.handleError(c, span, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	response.Created(c, dto.NewQueueEntryResponse(entry))
}

// CheckIn handles POST /registrations/:id/check-in
func (h *QueueHandler) CheckIn(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.queue.check_in")
	defer span.End()

	registrationID := c.Param("id")
	span.SetAttributes(attribute.String("registration_id", registrationID))

	entry, err := h.scheduler.CheckIn(ctx, registrationID)
	if err != nil {
		h.handleError(c, span, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	response.Success(c, dto.NewQueueEntryResponse(entry))
}

// CheckInWithPass handles POST /check-in
func (h *QueueHandler) CheckInWithPass(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.queue.check_in_pass")
	defer span.End()

	var req dto.CheckInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request")
		response.BadRequest(c, err.Error())
		return
	}

	entry, err := h.scheduler.CheckInWithPass(ctx, req.Pass)
	if err != nil {
		h.handleError(c, span, err)
		return
	}

	span.SetAttributes(attribute.String("registration_id", entry.RegistrationID))
	span.SetStatus(codes.Ok, "")
	response.Success(c, dto.NewQueueEntryResponse(entry))
}

// CancelRegistration handles POST /registrations/:id/cancel
func (h *QueueHandler) CancelRegistration(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.queue.cancel_registration")
	defer span.End()

	registrationID := c.Param("id")
	span.SetAttributes(attribute.String("registration_id", registrationID))

	if err := h.scheduler.CancelRegistration(ctx, registrationID); err != nil {
		h.handleError(c, span, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	response.Success(c, dto.MessageResponse{Message: "registration cancelled"})
}

// GetPass handles GET /registrations/:id/pass
func (h *QueueHandler) GetPass(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.queue.pass")
	defer span.End()

	registrationID := c.Param("id")
	span.SetAttributes(attribute.String("registration_id", registrationID))

	pass, expiresAt, err := h.scheduler.IssueCheckInPass(ctx, registrationID)
	if err != nil {
		h.handleError(c, span, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	response.Success(c, dto.CheckInPassResponse{
		RegistrationID: registrationID,
		Pass:           pass,
		ExpiresAt:      expiresAt,
	})
}

// CallNext handles POST /events/:event_id/queue/call-next
func (h *QueueHandler) CallNext(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.queue.call_next")
	defer span.End()

	eventID := c.Param("event_id")
	span.SetAttributes(attribute.String("event_id", eventID))

	entry, err := h.scheduler.CallNext(ctx, eventID)
	if err != nil {
		h.handleError(c, span, err)
		return
	}

	span.SetAttributes(attribute.String("entry_id", entry.ID))
	span.SetStatus(codes.Ok, "")
	response.Success(c, dto.NewQueueEntryResponse(entry))
}

// CompleteCurrent handles POST /events/:event_id/queue/complete
func (h *QueueHandler) CompleteCurrent(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.queue.complete")
	defer span.End()

	eventID := c.Param("event_id")
	span.SetAttributes(attribute.String("event_id", eventID))

	// the body is optional
	var req dto.CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request")
		response.BadRequest(c, err.Error())
		return
	}
	span.SetAttributes(attribute.Bool("is_vip", req.IsVIP))

	entry, err := h.scheduler.CompleteCurrent(ctx, eventID, req.Details())
	if err != nil {
		h.handleError(c, span, err)
		return
	}

	span.SetAttributes(attribute.String("entry_id", entry.ID))
	span.SetStatus(codes.Ok, "")
	response.Success(c, dto.NewQueueEntryResponse(entry))
}

// Recompute handles POST /events/:event_id/queue/recompute
func (h *QueueHandler) Recompute(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.queue.recompute")
	defer span.End()

	eventID := c.Param("event_id")
	span.SetAttributes(attribute.String("event_id", eventID))

	snap, err := h.scheduler.RecomputeEstimates(ctx, eventID)
	if err != nil {
		h.handleError(c, span, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	response.Success(c, dto.NewQueueSnapshotResponse(snap))
}

// Reorder handles PUT /events/:event_id/queue/entries/:entry_id/position
func (h *QueueHandler) Reorder(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.queue.reorder")
	defer span.End()

	eventID := c.Param("event_id")
	entryID := c.Param("entry_id")
	span.SetAttributes(
		attribute.String("event_id", eventID),
		attribute.String("entry_id", entryID),
	)

	var req dto.ReorderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request")
		response.BadRequest(c, err.Error())
		return
	}
	span.SetAttributes(attribute.Int("position", req.Position))

	entry, err := h.scheduler.Reorder(ctx, eventID, entryID, req.Position)
	if err != nil {
		h.handleError(c, span, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	response.Success(c, dto.NewQueueEntryResponse(entry))
}

// GetQueue handles GET /events/:event_id/queue
func (h *QueueHandler) GetQueue(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.queue.snapshot")
	defer span.End()

	eventID := c.Param("event_id")
	span.SetAttributes(attribute.String("event_id", eventID))

	snap, err := h.scheduler.Snapshot(ctx, eventID)
	if err != nil {
		h.handleError(c, span, err)
		return
	}

	span.SetAttributes(attribute.Int64("revision", int64(snap.Revision)))
	span.SetStatus(codes.Ok, "")
	response.Success(c, dto.NewQueueSnapshotResponse(snap))
}

// GetPosition handles GET /events/:event_id/queue/registrations/:registration_id
func (h *QueueHandler) GetPosition(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.queue.position")
	defer span.End()

	eventID := c.Param("event_id")
	registrationID := c.Param("registration_id")
	span.SetAttributes(
		attribute.String("event_id", eventID),
		attribute.String("registration_id", registrationID),
	)

	view, err := h.scheduler.Position(ctx, eventID, registrationID)
	if err != nil {
		h.handleError(c, span, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	response.Success(c, dto.NewQueuePositionResponse(eventID, view))
}

// MarkNoShow handles POST /queue/entries/:entry_id/no-show
func (h *QueueHandler) MarkNoShow(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.queue.no_show")
	defer span.End()

	entryID := c.Param("entry_id")
	span.SetAttributes(attribute.String("entry_id", entryID))

	if err := h.scheduler.MarkNoShow(ctx, entryID); err != nil {
		h.handleError(c, span, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	response.Success(c, dto.MessageResponse{Message: "entry marked as no-show"})
}

// CancelEntry handles POST /queue/entries/:entry_id/cancel
func (h *QueueHandler) CancelEntry(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.queue.cancel_entry")
	defer span.End()

	entryID := c.Param("entry_id")
	span.SetAttributes(attribute.String("entry_id", entryID))

	if err := h.scheduler.Cancel(ctx, entryID); err != nil {
		h.handleError(c, span, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	response.Success(c, dto.MessageResponse{Message: "entry cancelled"})
}

// handleError converts domain errors to HTTP responses
func (h *QueueHandler) handleError(c *gin.Context, span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	_ = c.Error(err)

	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		response.InternalError(c)
		return
	}
	response.Error(c, status, code, err.Error())
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrRegistrationNotFound):
		return http.StatusNotFound, "REGISTRATION_NOT_FOUND"
	case errors.Is(err, domain.ErrQueueEntryNotFound):
		return http.StatusNotFound, "QUEUE_ENTRY_NOT_FOUND"
	case errors.Is(err, domain.ErrEventNotFound):
		return http.StatusNotFound, "EVENT_NOT_FOUND"
	case errors.Is(err, domain.ErrQueueEmpty):
		return http.StatusNotFound, "QUEUE_EMPTY"
	case errors.Is(err, domain.ErrNoActiveInteraction):
		return http.StatusNotFound, "NO_ACTIVE_INTERACTION"
	case errors.Is(err, domain.ErrSlotOccupied):
		return http.StatusConflict, "SLOT_OCCUPIED"
	case errors.Is(err, domain.ErrDuplicateEntry):
		return http.StatusConflict, "DUPLICATE_ENTRY"
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, "INVALID_TRANSITION"
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, domain.ErrInvalidPosition):
		return http.StatusBadRequest, "INVALID_POSITION"
	case domain.IsValidationError(err):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, domain.ErrDeadlineExceeded):
		return http.StatusGatewayTimeout, "DEADLINE_EXCEEDED"
	case errors.Is(err, domain.ErrInvalidCheckInPass):
		return http.StatusUnauthorized, "INVALID_CHECK_IN_PASS"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}
