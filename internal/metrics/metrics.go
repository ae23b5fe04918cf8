package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/dxaginfo/fan-meet-greet-platform-2025/pkg/telemetry"
)

var (
	// Queue transition counters
	QueueAdmitted     *telemetry.Counter
	QueueCheckedIn    *telemetry.Counter
	QueueCalled       *telemetry.Counter
	QueueCompleted    *telemetry.Counter
	QueueExits        *telemetry.Counter
	QueueReordered    *telemetry.Counter
	ConflictRetries   *telemetry.Counter
	OperationErrors   *telemetry.Counter
	PublishFailures   *telemetry.Counter
	EstimateRefreshes *telemetry.Counter

	// Histograms
	InteractionDuration *telemetry.Histogram
	QueueWaitTime       *telemetry.Histogram
	LockWaitTime        *telemetry.Histogram

	// Gauges
	QueueDepth *telemetry.UpDownCounter

	initOnce sync.Once
	initErr  error
)

// Init initializes all scheduler metrics
func Init() error {
	initOnce.Do(func() {
		initErr = initMetrics()
	})
	return initErr
}

func initMetrics() error {
	counters := []struct {
		target **telemetry.Counter
		opts   telemetry.MetricOpts
	}{
		{&QueueAdmitted, telemetry.MetricOpts{Name: "fanmeet_queue_admitted_total", Description: "Registrations admitted to a queue", Unit: "1"}},
		{&QueueCheckedIn, telemetry.MetricOpts{Name: "fanmeet_queue_checked_in_total", Description: "Attendees checked in", Unit: "1"}},
		{&QueueCalled, telemetry.MetricOpts{Name: "fanmeet_queue_called_total", Description: "Attendees called to the artist", Unit: "1"}},
		{&QueueCompleted, telemetry.MetricOpts{Name: "fanmeet_interactions_completed_total", Description: "Completed interactions", Unit: "1"}},
		{&QueueExits, telemetry.MetricOpts{Name: "fanmeet_queue_exits_total", Description: "Entries removed by no-show or cancellation", Unit: "1"}},
		{&QueueReordered, telemetry.MetricOpts{Name: "fanmeet_queue_reorders_total", Description: "Staff reorder overrides", Unit: "1"}},
		{&ConflictRetries, telemetry.MetricOpts{Name: "fanmeet_conflict_retries_total", Description: "Operations retried after a store conflict", Unit: "1"}},
		{&OperationErrors, telemetry.MetricOpts{Name: "fanmeet_operation_errors_total", Description: "Failed scheduler operations by type", Unit: "1"}},
		{&PublishFailures, telemetry.MetricOpts{Name: "fanmeet_publish_failures_total", Description: "Queue events or snapshots that could not be published", Unit: "1"}},
		{&EstimateRefreshes, telemetry.MetricOpts{Name: "fanmeet_estimate_refreshes_total", Description: "Background estimate refreshes", Unit: "1"}},
	}
	for _, c := range counters {
		counter, err := telemetry.NewCounter(c.opts)
		if err != nil {
			return err
		}
		*c.target = counter
	}

	var err error
	InteractionDuration, err = telemetry.NewHistogramWithBuckets(telemetry.MetricOpts{
		Name:        "fanmeet_interaction_duration_seconds",
		Description: "Time an attendee spent with the artist",
		Unit:        "s",
	}, []float64{30, 60, 120, 180, 300, 450, 600, 900, 1200}) // 30s to 20min
	if err != nil {
		return err
	}

	QueueWaitTime, err = telemetry.NewHistogramWithBuckets(telemetry.MetricOpts{
		Name:        "fanmeet_queue_wait_seconds",
		Description: "Time from admission until the attendee was called",
		Unit:        "s",
	}, []float64{60, 300, 600, 1200, 1800, 3600, 7200, 14400})
	if err != nil {
		return err
	}

	LockWaitTime, err = telemetry.NewHistogramWithBuckets(telemetry.MetricOpts{
		Name:        "fanmeet_event_lock_wait_seconds",
		Description: "Time spent waiting for an event's exclusive section",
		Unit:        "s",
	}, []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5})
	if err != nil {
		return err
	}

	QueueDepth, err = telemetry.NewUpDownCounter(telemetry.MetricOpts{
		Name:        "fanmeet_queue_depth",
		Description: "Current number of active queue entries",
		Unit:        "1",
	})
	return err
}

func eventAttr(eventID string) attribute.KeyValue {
	return attribute.String("event_id", eventID)
}

// RecordAdmission records a registration entering the queue
func RecordAdmission(ctx context.Context, eventID string) {
	QueueAdmitted.Inc(ctx, eventAttr(eventID))
	QueueDepth.Inc(ctx, eventAttr(eventID))
}

// RecordCheckIn records an attendee checking in
func RecordCheckIn(ctx context.Context, eventID string) {
	QueueCheckedIn.Inc(ctx, eventAttr(eventID))
}

// RecordCall records an attendee being called after waiting waitSeconds
func RecordCall(ctx context.Context, eventID string, waitSeconds float64) {
	QueueCalled.Inc(ctx, eventAttr(eventID))
	QueueWaitTime.Record(ctx, waitSeconds, eventAttr(eventID))
}

// RecordCompletion records a finished interaction
func RecordCompletion(ctx context.Context, eventID string, durationSeconds float64) {
	QueueCompleted.Inc(ctx, eventAttr(eventID))
	InteractionDuration.Record(ctx, durationSeconds, eventAttr(eventID))
	QueueDepth.Dec(ctx, eventAttr(eventID))
}

// RecordExit records an entry leaving the queue without an interaction
func RecordExit(ctx context.Context, eventID, reason string) {
	QueueExits.Inc(ctx, eventAttr(eventID), attribute.String("reason", reason))
	QueueDepth.Dec(ctx, eventAttr(eventID))
}

// RecordReorder records a staff reorder
func RecordReorder(ctx context.Context, eventID string) {
	QueueReordered.Inc(ctx, eventAttr(eventID))
}

// RecordConflictRetry records a retried critical section
func RecordConflictRetry(ctx context.Context, operation string) {
	ConflictRetries.Inc(ctx, attribute.String("operation", operation))
}

// RecordError records a failed operation by error type
func RecordError(ctx context.Context, errorType, operation string) {
	OperationErrors.Inc(ctx,
		attribute.String("error_type", errorType),
		attribute.String("operation", operation),
	)
}

// RecordPublishFailure records a best-effort publish that failed
func RecordPublishFailure(ctx context.Context, target string) {
	PublishFailures.Inc(ctx, attribute.String("target", target))
}

// RecordEstimateRefresh records a background refresh of one event
func RecordEstimateRefresh(ctx context.Context, eventID string) {
	EstimateRefreshes.Inc(ctx, eventAttr(eventID))
}

// RecordLockWait records how long an operation waited for the event lock
func RecordLockWait(ctx context.Context, operation string, seconds float64) {
	LockWaitTime.Record(ctx, seconds, attribute.String("operation", operation))
}
