package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"platform-order-pipeline/ingest/internal/models"
)

type DeadLettersRepo struct {
	pool *pgxpool.Pool
}

func NewDeadLettersRepo(pool *pgxpool.Pool) *DeadLettersRepo {
	return &DeadLettersRepo{pool: pool}
}

const deadLetterColumns = `id, tenant_id, source_topic, event_id, correlation_id, envelope, error_message, status, retry_count, max_retries, next_retry_at, failed_at, created_at, updated_at`

func scanDeadLetter(row interface{ Scan(...any) error }) (models.DeadLetterRecord, error) {
	var rec models.DeadLetterRecord
	err := row.Scan(
		&rec.ID, &rec.TenantID, &rec.SourceTopic, &rec.EventID, &rec.CorrelationID,
		&rec.Envelope, &rec.ErrorMessage, &rec.Status, &rec.RetryCount, &rec.MaxRetries,
		&rec.NextRetryAt, &rec.FailedAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	return rec, err
}

func (r *DeadLettersRepo) Insert(ctx context.Context, rec models.DeadLetterRecord) (models.DeadLetterRecord, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Status == "" {
		rec.Status = models.DeadLetterPending
	}
	now := time.Now().UTC()
	if rec.FailedAt.IsZero() {
		rec.FailedAt = now
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = rec.CreatedAt

	row := r.pool.QueryRow(ctx, `
		INSERT INTO dead_letter_events (
			`+deadLetterColumns+`
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)
		RETURNING `+deadLetterColumns+`
	`, rec.ID, rec.TenantID, rec.SourceTopic, rec.EventID, rec.CorrelationID, rec.Envelope,
		rec.ErrorMessage, rec.Status, rec.RetryCount, rec.MaxRetries, rec.NextRetryAt,
		rec.FailedAt, rec.CreatedAt, rec.UpdatedAt)
	return scanDeadLetter(row)
}

// RequeueStale flips PROCESSING records not touched since olderThan back to
// PENDING so a claim orphaned by a crashed sweeper is picked up again.
func (r *DeadLettersRepo) RequeueStale(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE dead_letter_events
		SET status = $1, updated_at = now()
		WHERE status = $2 AND updated_at < $3
	`, models.DeadLetterPending, models.DeadLetterProcessing, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ClaimDue moves due, under-limit PENDING records to PROCESSING and returns
// them. SKIP LOCKED keeps concurrent sweepers from claiming the same rows.
func (r *DeadLettersRepo) ClaimDue(ctx context.Context, limit int) ([]models.DeadLetterRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		WITH candidates AS (
			SELECT id
			FROM dead_letter_events
			WHERE status = $1
			  AND retry_count < max_retries
			  AND (next_retry_at IS NULL OR next_retry_at <= now())
			ORDER BY failed_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		UPDATE dead_letter_events d
		SET status = $3, updated_at = now()
		FROM candidates c
		WHERE d.id = c.id
		RETURNING `+prefixed("d.", deadLetterColumns)+`
	`, models.DeadLetterPending, limit, models.DeadLetterProcessing)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]models.DeadLetterRecord, 0, limit)
	for rows.Next() {
		rec, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *DeadLettersRepo) MarkResolved(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE dead_letter_events
		SET status = $2, updated_at = now()
		WHERE id = $1
	`, id, models.DeadLetterResolved)
	return err
}

// MarkRetry records a failed re-attempt. Once retryCount reaches the
// record's max the status flips to FAILED and the retry schedule is cleared.
func (r *DeadLettersRepo) MarkRetry(ctx context.Context, id uuid.UUID, retryCount int, nextRetryAt *time.Time, errMsg string, failed bool) error {
	status := models.DeadLetterPending
	if failed {
		status = models.DeadLetterFailed
		nextRetryAt = nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE dead_letter_events
		SET status = $2, retry_count = $3, next_retry_at = $4, error_message = $5, updated_at = now()
		WHERE id = $1
	`, id, status, retryCount, nextRetryAt, errMsg)
	return err
}

// Purge removes terminal records older than the cutoff.
func (r *DeadLettersRepo) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM dead_letter_events
		WHERE status IN ($1, $2, $3) AND updated_at < $4
	`, models.DeadLetterResolved, models.DeadLetterFailed, models.DeadLetterAbandoned, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *DeadLettersRepo) List(ctx context.Context, tenantID string, status string, limit int) ([]models.DeadLetterRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+deadLetterColumns+`
		FROM dead_letter_events
		WHERE ($1 = '' OR tenant_id = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY failed_at DESC
		LIMIT $3
	`, tenantID, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]models.DeadLetterRecord, 0, limit)
	for rows.Next() {
		rec, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
