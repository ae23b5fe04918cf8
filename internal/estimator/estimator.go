package estimator

import (
	"time"

	"github.com/dxaginfo/fan-meet-greet-platform-2025/internal/domain"
)

// Default policy values
const (
	DefaultFallbackServiceDuration = 10 * time.Minute
	DefaultMinSamples              = 3
)

// Config holds estimator policy
type Config struct {
	// FallbackServiceDuration is used until MinSamples interactions have completed
	FallbackServiceDuration time.Duration
	MinSamples              int
}

// Estimator turns queue positions into advisory start times
type Estimator struct {
	cfg Config
}

// New creates an Estimator, filling zero config values with defaults
func New(cfg Config) *Estimator {
	if cfg.FallbackServiceDuration <= 0 {
		cfg.FallbackServiceDuration = DefaultFallbackServiceDuration
	}
	if cfg.MinSamples < 0 {
		cfg.MinSamples = DefaultMinSamples
	}
	return &Estimator{cfg: cfg}
}

// Average returns the service duration to plan with: the rolling mean once enough
// interactions were recorded, the fallback otherwise.
func (e *Estimator) Average(stats domain.InteractionStats) time.Duration {
	if stats.Count < e.cfg.MinSamples || stats.Mean <= 0 {
		return e.cfg.FallbackServiceDuration
	}
	return stats.Mean
}

// EstimateAll maps each active entry to its estimated start. An entry at position k
// starts at now + (k-1)*avg; an in-progress entry is being served now.
func (e *Estimator) EstimateAll(entries []domain.QueueEntry, avg time.Duration, now time.Time) map[string]time.Time {
	out := make(map[string]time.Time, len(entries))
	for _, entry := range entries {
		switch entry.Status {
		case domain.EntryInProgress:
			out[entry.ID] = now
		case domain.EntryWaiting, domain.EntryReady:
			out[entry.ID] = now.Add(time.Duration(entry.Position-1) * avg)
		}
	}
	return out
}

// Snapshot builds the immutable read model for an event from its ordered entries
func (e *Estimator) Snapshot(eventID string, entries []domain.QueueEntry, stats domain.InteractionStats, revision uint64, now time.Time) *domain.QueueSnapshot {
	avg := e.Average(stats)
	estimates := e.EstimateAll(entries, avg, now)

	views := make([]domain.EntryView, 0, len(entries))
	for _, entry := range entries {
		start := estimates[entry.ID]
		wait := start.Sub(now)
		if wait < 0 {
			wait = 0
		}
		views = append(views, domain.EntryView{
			EntryID:              entry.ID,
			RegistrationID:       entry.RegistrationID,
			Position:             entry.Position,
			Status:               entry.Status,
			EstimatedStart:       start,
			EstimatedWaitSeconds: int64(wait / time.Second),
		})
	}

	return &domain.QueueSnapshot{
		EventID:               eventID,
		Entries:               views,
		AverageServiceSeconds: int64(avg / time.Second),
		CompletedInteractions: stats.Count,
		Revision:              revision,
		GeneratedAt:           now,
	}
}
