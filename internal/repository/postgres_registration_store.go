package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dxaginfo/fan-meet-greet-platform-2025/internal/domain"
	"github.com/dxaginfo/fan-meet-greet-platform-2025/pkg/database"
	"github.com/dxaginfo/fan-meet-greet-platform-2025/pkg/telemetry"
)

const pgUniqueViolation = "23505"

// PostgresRegistrationStore implements RegistrationStore using PostgreSQL with pgxpool
type PostgresRegistrationStore struct {
	pool *pgxpool.Pool
}

// NewPostgresRegistrationStore creates a new PostgresRegistrationStore
func NewPostgresRegistrationStore(pool *pgxpool.Pool) *PostgresRegistrationStore {
	return &PostgresRegistrationStore{pool: pool}
}

// LoadRegistration implements RegistrationStore
func (r *PostgresRegistrationStore) LoadRegistration(ctx context.Context, id string) (reg *domain.Registration, err error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.registration.load")
	defer func() { telemetry.EndSpan(span, ignoreNotFound(err)) }()
	span.SetAttributes(attribute.String("registration_id", id))

	query := `
		SELECT id, event_id, package_id, user_id, status, registration_time,
		       check_in_time, completion_time, notes, qr_code
		FROM registrations
		WHERE id = $1
	`

	reg = &domain.Registration{}
	var (
		status    string
		packageID *string
		notes     *string
		qrCode    *string
	)
	err = r.pool.QueryRow(ctx, query, id).Scan(
		&reg.ID,
		&reg.EventID,
		&packageID,
		&reg.UserID,
		&status,
		&reg.RegistrationTime,
		&reg.CheckInTime,
		&reg.CompletionTime,
		&notes,
		&qrCode,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrRegistrationNotFound
		}
		return nil, fmt.Errorf("failed to load registration: %w", err)
	}

	reg.Status = domain.RegistrationStatus(status)
	reg.PackageID = deref(packageID)
	reg.Notes = deref(notes)
	reg.QRCode = deref(qrCode)
	return reg, nil
}

const queueEntryColumns = `id, event_id, registration_id, position, status, estimated_time, admitted_at, called_at, version`

func scanQueueEntry(row pgx.Row) (*domain.QueueEntry, error) {
	e := &domain.QueueEntry{}
	var status string
	if err := row.Scan(
		&e.ID,
		&e.EventID,
		&e.RegistrationID,
		&e.Position,
		&status,
		&e.EstimatedTime,
		&e.AdmittedAt,
		&e.CalledAt,
		&e.Version,
	); err != nil {
		return nil, err
	}
	e.Status = domain.QueueEntryStatus(status)
	return e, nil
}

// LoadActiveQueueEntries implements RegistrationStore
func (r *PostgresRegistrationStore) LoadActiveQueueEntries(ctx context.Context, eventID string) (entries []*domain.QueueEntry, err error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.queue.load_active")
	defer func() { telemetry.EndSpan(span, err) }()
	span.SetAttributes(attribute.String("event_id", eventID))

	query := `SELECT ` + queueEntryColumns + `
		FROM queue_positions
		WHERE event_id = $1 AND status <> 'completed'
		ORDER BY position ASC
	`

	rows, err := r.pool.Query(ctx, query, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to load queue entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue entries: %w", err)
	}

	span.SetAttributes(attribute.Int("count", len(entries)))
	return entries, nil
}

// LoadQueueEntry implements RegistrationStore
func (r *PostgresRegistrationStore) LoadQueueEntry(ctx context.Context, entryID string) (entry *domain.QueueEntry, err error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.queue.load_entry")
	defer func() { telemetry.EndSpan(span, ignoreNotFound(err)) }()
	span.SetAttributes(attribute.String("entry_id", entryID))

	query := `SELECT ` + queueEntryColumns + ` FROM queue_positions WHERE id = $1`

	entry, err = scanQueueEntry(r.pool.QueryRow(ctx, query, entryID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrQueueEntryNotFound
		}
		return nil, fmt.Errorf("failed to load queue entry: %w", err)
	}
	return entry, nil
}

// LoadInteractionStats implements RegistrationStore
func (r *PostgresRegistrationStore) LoadInteractionStats(ctx context.Context, eventID string) (stats domain.InteractionStats, err error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.interaction.stats")
	defer func() { telemetry.EndSpan(span, err) }()
	span.SetAttributes(attribute.String("event_id", eventID))

	query := `
		SELECT COUNT(*), COALESCE(AVG(i.duration_seconds), 0)
		FROM interactions i
		JOIN registrations r ON r.id = i.registration_id
		WHERE r.event_id = $1
	`

	var (
		count int
		avg   float64
	)
	if err = r.pool.QueryRow(ctx, query, eventID).Scan(&count, &avg); err != nil {
		return stats, fmt.Errorf("failed to load interaction stats: %w", err)
	}

	return domain.InteractionStats{
		Count: count,
		Mean:  time.Duration(avg * float64(time.Second)),
	}, nil
}

// EventExists implements RegistrationStore
func (r *PostgresRegistrationStore) EventExists(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM events WHERE id = $1)`, eventID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check event: %w", err)
	}
	return exists, nil
}

// UpdateEstimates implements RegistrationStore
func (r *PostgresRegistrationStore) UpdateEstimates(ctx context.Context, eventID string, estimates map[string]time.Time) (err error) {
	if len(estimates) == 0 {
		return nil
	}

	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.queue.update_estimates")
	defer func() { telemetry.EndSpan(span, err) }()
	span.SetAttributes(attribute.String("event_id", eventID), attribute.Int("count", len(estimates)))

	batch := &pgx.Batch{}
	for id, t := range estimates {
		batch.Queue(`
			UPDATE queue_positions SET estimated_time = $2
			WHERE id = $1 AND event_id = $3 AND status <> 'completed'
		`, id, t, eventID)
	}

	if err = r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to update estimates: %w", err)
	}
	return nil
}

// WithinTx implements RegistrationStore
func (r *PostgresRegistrationStore) WithinTx(ctx context.Context, fn func(tx StoreTx) error) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.tx")
	defer func() { telemetry.EndSpan(span, err) }()

	return database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(&postgresStoreTx{tx: tx})
	})
}

type postgresStoreTx struct {
	tx pgx.Tx
}

func (t *postgresStoreTx) SaveRegistrationStatus(ctx context.Context, reg *domain.Registration, expected domain.RegistrationStatus) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE registrations
		SET status = $2, check_in_time = $3, completion_time = $4, updated_at = NOW()
		WHERE id = $1 AND status = $5
	`, reg.ID, string(reg.Status), reg.CheckInTime, reg.CompletionTime, string(expected))
	if err != nil {
		return fmt.Errorf("failed to save registration status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: registration %s is no longer %s", domain.ErrConflict, reg.ID, expected)
	}
	return nil
}

func (t *postgresStoreTx) PersistQueueEntry(ctx context.Context, entry *domain.QueueEntry) (int64, error) {
	var version int64

	if entry.Version == 0 {
		err := t.tx.QueryRow(ctx, `
			INSERT INTO queue_positions (`+queueEntryColumns+`, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, NOW(), NOW())
			RETURNING version
		`, entry.ID, entry.EventID, entry.RegistrationID, entry.Position, string(entry.Status),
			entry.EstimatedTime, entry.AdmittedAt, entry.CalledAt).Scan(&version)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				if pgErr.ConstraintName == "queue_positions_pkey" {
					return 0, fmt.Errorf("%w: entry %s already exists", domain.ErrConflict, entry.ID)
				}
				return 0, fmt.Errorf("%w: registration %s", domain.ErrDuplicateEntry, entry.RegistrationID)
			}
			return 0, fmt.Errorf("failed to insert queue entry: %w", err)
		}
		return version, nil
	}

	err := t.tx.QueryRow(ctx, `
		UPDATE queue_positions
		SET position = $2, status = $3, estimated_time = $4, called_at = $5,
		    version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $6
		RETURNING version
	`, entry.ID, entry.Position, string(entry.Status), entry.EstimatedTime, entry.CalledAt, entry.Version).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: entry %s changed since version %d", domain.ErrConflict, entry.ID, entry.Version)
		}
		return 0, fmt.Errorf("failed to update queue entry: %w", err)
	}
	return version, nil
}

func (t *postgresStoreTx) DeleteQueueEntry(ctx context.Context, entry *domain.QueueEntry) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM queue_positions WHERE id = $1 AND version = $2`, entry.ID, entry.Version)
	if err != nil {
		return fmt.Errorf("failed to delete queue entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: entry %s changed since version %d", domain.ErrConflict, entry.ID, entry.Version)
	}
	return nil
}

func (t *postgresStoreTx) RecordInteraction(ctx context.Context, in *domain.Interaction) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO interactions (id, registration_id, duration_seconds, notes, is_vip, special_requests, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, NULLIF($6, ''), NOW())
	`, uuid.NewString(), in.RegistrationID, in.DurationSeconds, in.Notes, in.IsVIP, in.SpecialRequests)
	if err != nil {
		return fmt.Errorf("failed to record interaction: %w", err)
	}
	return nil
}

func ignoreNotFound(err error) error {
	if domain.IsNotFoundError(err) {
		return nil
	}
	return err
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
