package dto

import (
	"time"

	"github.com/dxaginfo/fan-meet-greet-platform-2025/internal/domain"
)

// QueueEntryResponse represents a queue entry after a mutation
type QueueEntryResponse struct {
	EntryID        string     `json:"entry_id"`
	EventID        string     `json:"event_id"`
	RegistrationID string     `json:"registration_id"`
	Position       int        `json:"position"`
	Status         string     `json:"status"`
	EstimatedStart *time.Time `json:"estimated_start,omitempty"`
	AdmittedAt     time.Time  `json:"admitted_at"`
	CalledAt       *time.Time `json:"called_at,omitempty"`
}

// NewQueueEntryResponse converts a domain entry
func NewQueueEntryResponse(e *domain.QueueEntry) *QueueEntryResponse {
	return &QueueEntryResponse{
		EntryID:        e.ID,
		EventID:        e.EventID,
		RegistrationID: e.RegistrationID,
		Position:       e.Position,
		Status:         string(e.Status),
		EstimatedStart: e.EstimatedTime,
		AdmittedAt:     e.AdmittedAt,
		CalledAt:       e.CalledAt,
	}
}

// QueueSnapshotResponse represents the published state of one event queue
type QueueSnapshotResponse struct {
	EventID               string             `json:"event_id"`
	TotalInQueue          int                `json:"total_in_queue"`
	Current               *domain.EntryView  `json:"current,omitempty"`
	Entries               []domain.EntryView `json:"entries"`
	AverageServiceSeconds int64              `json:"average_service_seconds"`
	CompletedInteractions int                `json:"completed_interactions"`
	Revision              uint64             `json:"revision"`
	GeneratedAt           time.Time          `json:"generated_at"`
}

// NewQueueSnapshotResponse converts a snapshot
func NewQueueSnapshotResponse(s *domain.QueueSnapshot) *QueueSnapshotResponse {
	resp := &QueueSnapshotResponse{
		EventID:               s.EventID,
		TotalInQueue:          s.Len(),
		Entries:               s.Entries,
		AverageServiceSeconds: s.AverageServiceSeconds,
		CompletedInteractions: s.CompletedInteractions,
		Revision:              s.Revision,
		GeneratedAt:           s.GeneratedAt,
	}
	if resp.Entries == nil {
		resp.Entries = []domain.EntryView{}
	}
	if cur, ok := s.Current(); ok {
		resp.Current = &cur
	}
	return resp
}

// QueuePositionResponse represents one registration's place in the queue
type QueuePositionResponse struct {
	EventID              string    `json:"event_id"`
	RegistrationID       string    `json:"registration_id"`
	EntryID              string    `json:"entry_id"`
	Position             int       `json:"position"`
	Status               string    `json:"status"`
	EstimatedStart       time.Time `json:"estimated_start"`
	EstimatedWaitSeconds int64     `json:"estimated_wait_seconds"`
}

// NewQueuePositionResponse converts an entry view
func NewQueuePositionResponse(eventID string, v *domain.EntryView) *QueuePositionResponse {
	return &QueuePositionResponse{
		EventID:              eventID,
		RegistrationID:       v.RegistrationID,
		EntryID:              v.EntryID,
		Position:             v.Position,
		Status:               string(v.Status),
		EstimatedStart:       v.EstimatedStart,
		EstimatedWaitSeconds: v.EstimatedWaitSeconds,
	}
}

// CheckInPassResponse carries the signed pass encoded in a registration's QR code
type CheckInPassResponse struct {
	RegistrationID string    `json:"registration_id"`
	Pass           string    `json:"pass"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// CheckInRequest represents a check-in by scanned pass
type CheckInRequest struct {
	Pass string `json:"pass" binding:"required"`
}

// ReorderRequest moves an entry to a new 1-based position
type ReorderRequest struct {
	Position int `json:"position" binding:"required,min=1"`
}

// CompleteRequest carries optional staff remarks about the finished interaction
type CompleteRequest struct {
	Notes           string `json:"notes" binding:"max=2000"`
	IsVIP           bool   `json:"is_vip"`
	SpecialRequests string `json:"special_requests" binding:"max=2000"`
}

// Details converts the request into the recorded interaction details
func (r CompleteRequest) Details() domain.InteractionDetails {
	return domain.InteractionDetails{
		Notes:           r.Notes,
		IsVIP:           r.IsVIP,
		SpecialRequests: r.SpecialRequests,
	}
}

// MessageResponse is returned by operations without a result body
type MessageResponse struct {
	Message string `json:"message"`
}
