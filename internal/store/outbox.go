package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"bricksync/internal/errs"
	"bricksync/internal/models"
)

// ClaimDueEntry atomically claims one due outbox entry (PENDING -> INFLIGHT)
// and increments its attempt counter. Entries for the same (item, provider)
// are only claimable in window order: an entry is skipped while an earlier
// window for the pair is inflight or still pending. Returns nil when nothing
// is due.
func (s *Store) ClaimDueEntry(ctx context.Context) (*models.OutboxEntry, error) {
	query := `
		UPDATE marketplace_outbox SET status = $1, attempts = attempts + 1
		WHERE id = (
			SELECT o.id FROM marketplace_outbox o
			WHERE o.status = $2 AND o.next_attempt_at <= NOW()
				AND NOT EXISTS (
					SELECT 1 FROM marketplace_outbox b
					WHERE b.item_id = o.item_id AND b.provider = o.provider
						AND (b.status = $1 OR (b.status = $2 AND b.to_seq_inclusive < o.to_seq_inclusive))
				)
			ORDER BY o.next_attempt_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		) AND status = $2
		RETURNING *`

	var entry models.OutboxEntry
	err := s.db.GetContext(ctx, &entry, query, models.OutboxStatusInflight, models.OutboxStatusPending)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox entry: %w", err)
	}
	return &entry, nil
}

// GetOutboxEntry retrieves an outbox entry by ID
func (s *Store) GetOutboxEntry(ctx context.Context, id int64) (*models.OutboxEntry, error) {
	var entry models.OutboxEntry
	err := s.db.GetContext(ctx, &entry, "SELECT * FROM marketplace_outbox WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: outbox entry %d", errs.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// MarkOutboxSucceeded transitions an inflight entry to SUCCEEDED
func (s *Store) MarkOutboxSucceeded(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE marketplace_outbox SET status = $1, last_error = '', completed_at = NOW()
		WHERE id = $2 AND status = $3`,
		models.OutboxStatusSucceeded, id, models.OutboxStatusInflight)
	return err
}

// MarkOutboxFailed transitions an inflight entry to terminal FAILED
func (s *Store) MarkOutboxFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE marketplace_outbox SET status = $1, last_error = $2, completed_at = NOW()
		WHERE id = $3 AND status = $4`,
		models.OutboxStatusFailed, errMsg, id, models.OutboxStatusInflight)
	return err
}

// RescheduleOutbox puts an inflight entry back to PENDING for a later retry.
// The attempt counter was already advanced at claim time.
func (s *Store) RescheduleOutbox(ctx context.Context, id int64, nextAttemptAt time.Time, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE marketplace_outbox SET status = $1, next_attempt_at = $2, last_error = $3
		WHERE id = $4 AND status = $5`,
		models.OutboxStatusPending, nextAttemptAt, errMsg, id, models.OutboxStatusInflight)
	return err
}

// ReenqueueFailed re-arms a terminally failed entry after manual intervention
// (e.g. a credential fix). Attempts are preserved for observability.
func (s *Store) ReenqueueFailed(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE marketplace_outbox SET status = $1, next_attempt_at = NOW(), completed_at = NULL
		WHERE id = $2 AND status = $3`,
		models.OutboxStatusPending, id, models.OutboxStatusFailed)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.Consistency("outbox entry %d is not in a failed state", id)
	}
	return nil
}

// DeleteCompletedOutboxBefore garbage-collects terminal entries older than the
// retention cutoff. Returns the number of rows removed.
func (s *Store) DeleteCompletedOutboxBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM marketplace_outbox
		WHERE status IN ($1, $2) AND completed_at < $3`,
		models.OutboxStatusSucceeded, models.OutboxStatusFailed, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// PendingOutboxCount reports queue depth for readiness and telemetry
func (s *Store) PendingOutboxCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM marketplace_outbox WHERE status = $1", models.OutboxStatusPending)
	return count, err
}
