package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/DemonGiggle/criticizer/internal/models"
)

const outboxColumns = `id, job_id, changelist_id, recipient, review_version, payload, status,
	notification_id, notified_at, send_attempted_at, attempt_count, last_error, updated_at`

// MaterializeOutbox inserts one pending row per recipient. Collisions on
// (changelist_id, recipient, review_version) leave existing rows untouched.
func (s *Store) MaterializeOutbox(ctx context.Context, jobID string, changelistID int64, reviewVersion int, recipients []string, payload []byte) error {
	for _, recipient := range recipients {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO outbox (id, job_id, changelist_id, recipient, review_version, payload, status)
			VALUES ($1, $2, $3, $4, $5, $6, 'pending')
			ON CONFLICT (changelist_id, recipient, review_version) DO NOTHING
		`, uuid.New().String(), jobID, changelistID, recipient, reviewVersion, payload)
		if err != nil {
			return fmt.Errorf("materialize outbox row for %s: %w", recipient, err)
		}
	}
	return nil
}

// PendingOutbox lists this job's rows still awaiting delivery.
func (s *Store) PendingOutbox(ctx context.Context, jobID string) ([]models.OutboxEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+outboxColumns+` FROM outbox
		WHERE job_id = $1 AND notified_at IS NULL AND status = 'pending'
		ORDER BY recipient ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query pending outbox: %w", err)
	}
	defer rows.Close()
	return scanOutboxRows(rows)
}

// GetOutboxEntry re-reads a row by id; callers re-check delivery state on
// every attempt rather than trusting an earlier snapshot.
func (s *Store) GetOutboxEntry(ctx context.Context, id string) (models.OutboxEntry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE id = $1`, id)
	entry, err := scanOutboxRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.OutboxEntry{}, fmt.Errorf("outbox entry %s not found: %w", id, err)
	}
	return entry, err
}

// MarkSendAttempted sets the sentinel before the provider call so an
// interrupted send is distinguishable from one never attempted.
func (s *Store) MarkSendAttempted(ctx context.Context, id string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox SET send_attempted_at = now(), attempt_count = attempt_count + 1, updated_at = now()
		WHERE id = $1 AND notified_at IS NULL
	`, id)
	if err != nil {
		return 0, fmt.Errorf("mark send attempted: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkSent records provider acknowledgment in a single write. The guard on
// notified_at keeps the write idempotent across crashed retries; the message
// id and timestamp land together so notified_at never precedes
// notification_id.
func (s *Store) MarkSent(ctx context.Context, id, notificationID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox
		SET notification_id = $2, notified_at = now(), status = 'sent',
		    send_attempted_at = NULL, last_error = NULL, updated_at = now()
		WHERE id = $1 AND notified_at IS NULL
	`, id, notificationID)
	if err != nil {
		return 0, fmt.Errorf("mark sent: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ClearSendAttempt drops the sentinel after the provider confirmed the token
// was never delivered; the row stays pending.
func (s *Store) ClearSendAttempt(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox SET send_attempted_at = NULL, updated_at = now()
		WHERE id = $1 AND notified_at IS NULL
	`, id)
	return err
}

// RecordSendError keeps the row pending and notes the failure.
func (s *Store) RecordSendError(ctx context.Context, id, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox SET last_error = $2, updated_at = now()
		WHERE id = $1 AND notified_at IS NULL
	`, id, errMsg)
	return err
}

// MarkFailedPermanent flags an undeliverable recipient; the row blocks job
// finalize until resolved by an operator.
func (s *Store) MarkFailedPermanent(ctx context.Context, id, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox SET status = 'failed_permanent', last_error = $2, updated_at = now()
		WHERE id = $1 AND notified_at IS NULL
	`, id, errMsg)
	return err
}

// AmbiguousOutbox finds rows whose send outcome is unknown: a notification_id
// without notified_at, or a send_attempted_at sentinel left behind.
func (s *Store) AmbiguousOutbox(ctx context.Context, limit int) ([]models.OutboxEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+outboxColumns+` FROM outbox
		WHERE notified_at IS NULL
		  AND (notification_id IS NOT NULL OR send_attempted_at IS NOT NULL)
		ORDER BY updated_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query ambiguous outbox: %w", err)
	}
	defer rows.Close()
	return scanOutboxRows(rows)
}

// SentOutboxSince returns recently sent rows for provider-side verification.
func (s *Store) SentOutboxSince(ctx context.Context, since time.Time, limit int) ([]models.OutboxEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+outboxColumns+` FROM outbox
		WHERE status = 'sent' AND notified_at >= $1
		ORDER BY notified_at DESC
		LIMIT $2
	`, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query sent outbox: %w", err)
	}
	defer rows.Close()
	return scanOutboxRows(rows)
}

func scanOutboxRows(rows pgx.Rows) ([]models.OutboxEntry, error) {
	var out []models.OutboxEntry
	for rows.Next() {
		entry, err := scanOutboxRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func scanOutboxRow(row pgx.Row) (models.OutboxEntry, error) {
	var e models.OutboxEntry
	var notificationID, lastError pgtype.Text
	var notifiedAt, sendAttemptedAt pgtype.Timestamptz
	if err := row.Scan(&e.ID, &e.JobID, &e.ChangelistID, &e.Recipient, &e.ReviewVersion,
		&e.Payload, &e.Status, &notificationID, &notifiedAt, &sendAttemptedAt,
		&e.AttemptCount, &lastError, &e.UpdatedAt); err != nil {
		return models.OutboxEntry{}, err
	}
	e.NotificationID = textPtr(notificationID)
	e.NotifiedAt = timePtr(notifiedAt)
	e.SendAttemptedAt = timePtr(sendAttemptedAt)
	e.LastError = textPtr(lastError)
	return e, nil
}
