package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dxaginfo/fan-meet-greet-platform-2025/internal/domain"
	"github.com/dxaginfo/fan-meet-greet-platform-2025/internal/metrics"
	"github.com/dxaginfo/fan-meet-greet-platform-2025/pkg/logger"
)

// EstimateRefresher is the part of the scheduler the worker drives
type EstimateRefresher interface {
	LoadedEvents() []string
	RecomputeEstimates(ctx context.Context, eventID string) (*domain.QueueSnapshot, error)
	EvictIdle(idleFor time.Duration) []string
}

// EstimateRefreshWorkerConfig holds configuration for the estimate refresh worker
type EstimateRefreshWorkerConfig struct {
	// Interval is the time between refresh rounds (default: 30 seconds)
	Interval time.Duration
	// Timeout bounds the refresh of a single event (default: 5 seconds)
	Timeout time.Duration
	// IdleAfter evicts empty queues untouched for this long (default: 30 minutes)
	IdleAfter time.Duration
}

// DefaultEstimateRefreshWorkerConfig returns default configuration
func DefaultEstimateRefreshWorkerConfig() *EstimateRefreshWorkerConfig {
	return &EstimateRefreshWorkerConfig{
		Interval:  30 * time.Second,
		Timeout:   5 * time.Second,
		IdleAfter: 30 * time.Minute,
	}
}

// EstimateRefreshWorker keeps estimated start times of idle queues current.
// Mutations re-estimate on their own; this covers queues nobody touched for a while.
type EstimateRefreshWorker struct {
	config    *EstimateRefreshWorkerConfig
	scheduler EstimateRefresher
	log       *logger.Logger

	mu            sync.Mutex
	rounds        int64
	refreshed     int64
	failed        int64
	evicted       int64
	lastRoundTime time.Time
}

// EstimateRefreshStats is a point-in-time view of worker activity
type EstimateRefreshStats struct {
	Rounds        int64
	Refreshed     int64
	Failed        int64
	Evicted       int64
	LastRoundTime time.Time
}

// NewEstimateRefreshWorker creates a new estimate refresh worker
func NewEstimateRefreshWorker(cfg *EstimateRefreshWorkerConfig, scheduler EstimateRefresher, log *logger.Logger) *EstimateRefreshWorker {
	if cfg == nil {
		cfg = DefaultEstimateRefreshWorkerConfig()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = 30 * time.Minute
	}
	if log == nil {
		log = logger.Get()
	}

	return &EstimateRefreshWorker{
		config:    cfg,
		scheduler: scheduler,
		log:       log,
	}
}

// Start refreshes every loaded event each interval until ctx is done
func (w *EstimateRefreshWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	w.log.Info(fmt.Sprintf("Estimate refresh worker started (interval: %v)", w.config.Interval))

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Estimate refresh worker stopping...")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce evicts idle queues, then refreshes every loaded event once.
// Failures are logged and counted.
func (w *EstimateRefreshWorker) RunOnce(ctx context.Context) {
	var refreshed, failed int64
	evicted := int64(len(w.scheduler.EvictIdle(w.config.IdleAfter)))

	for _, eventID := range w.scheduler.LoadedEvents() {
		select {
		case <-ctx.Done():
			w.record(refreshed, failed, evicted)
			return
		default:
		}

		if err := w.refresh(ctx, eventID); err != nil {
			failed++
			w.log.Warn("Failed to refresh estimates",
				zap.String("event_id", eventID),
				zap.Error(err),
			)
			continue
		}
		refreshed++
	}

	w.record(refreshed, failed, evicted)
}

func (w *EstimateRefreshWorker) refresh(ctx context.Context, eventID string) error {
	ctx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()

	if _, err := w.scheduler.RecomputeEstimates(ctx, eventID); err != nil {
		return err
	}
	metrics.RecordEstimateRefresh(ctx, eventID)
	return nil
}

func (w *EstimateRefreshWorker) record(refreshed, failed, evicted int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rounds++
	w.refreshed += refreshed
	w.failed += failed
	w.evicted += evicted
	w.lastRoundTime = time.Now()
}

// GetStats returns worker statistics
func (w *EstimateRefreshWorker) GetStats() EstimateRefreshStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return EstimateRefreshStats{
		Rounds:        w.rounds,
		Refreshed:     w.refreshed,
		Failed:        w.failed,
		Evicted:       w.evicted,
		LastRoundTime: w.lastRoundTime,
	}
}
