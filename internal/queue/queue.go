// Package queue implements the durable work queue over Postgres. Claims use
// FOR UPDATE SKIP LOCKED; heartbeat and finalize are owner-guarded updates
// whose rows-affected count is the ownership signal.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/DemonGiggle/criticizer/internal/models"
)

// Queue coordinates work items in the work_queue table.
type Queue struct {
	pool *pgxpool.Pool
}

// New builds a queue over the shared pool.
func New(pool *pgxpool.Pool) *Queue {
	return &Queue{pool: pool}
}

const workColumns = `id, job_id, stage, payload, status, priority, run_at, claimed_by,
	lease_expires_at, attempt_count, last_error_class, created_at, started_at, updated_at`

// Enqueue inserts a queued work item eligible at runAt.
func (q *Queue) Enqueue(ctx context.Context, jobID, stage string, payload []byte, priority int, runAt time.Time) (string, error) {
	id := uuid.New().String()
	_, err := q.pool.Exec(ctx, `
		INSERT INTO work_queue (id, job_id, stage, payload, status, priority, run_at)
		VALUES ($1, $2, $3, $4, 'queued', $5, $6)
	`, id, jobID, stage, payload, priority, runAt.UTC())
	if err != nil {
		return "", fmt.Errorf("enqueue %s/%s: %w", jobID, stage, err)
	}
	return id, nil
}

// Claim atomically leases the highest-priority eligible item for workerID.
// Returns (nil, nil) when nothing is eligible. SKIP LOCKED guarantees two
// concurrent claimants never observe the same row.
func (q *Queue) Claim(ctx context.Context, workerID string, leaseDuration time.Duration) (*models.WorkItem, error) {
	row := q.pool.QueryRow(ctx, `
		WITH next AS (
			SELECT id FROM work_queue
			WHERE status = 'queued' AND run_at <= now()
			ORDER BY priority DESC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE work_queue w
		SET status = 'running',
		    claimed_by = $1,
		    lease_expires_at = now() + ($2::float8 * interval '1 second'),
		    attempt_count = attempt_count + 1,
		    started_at = COALESCE(started_at, now()),
		    updated_at = now()
		FROM next
		WHERE w.id = next.id
		RETURNING w.id, w.job_id, w.stage, w.payload, w.status, w.priority, w.run_at,
			w.claimed_by, w.lease_expires_at, w.attempt_count, w.last_error_class,
			w.created_at, w.started_at, w.updated_at
	`, workerID, leaseDuration.Seconds())

	item, err := scanWorkItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	return &item, nil
}

// Heartbeat renews the lease. A false return means the lease was lost and the
// worker must stop ownership-requiring side effects.
func (q *Queue) Heartbeat(ctx context.Context, workID, workerID string, leaseDuration time.Duration) (bool, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE work_queue
		SET lease_expires_at = now() + ($3::float8 * interval '1 second'), updated_at = now()
		WHERE id = $1 AND claimed_by = $2 AND status = 'running'
	`, workID, workerID, leaseDuration.Seconds())
	if err != nil {
		return false, fmt.Errorf("heartbeat: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Complete finishes the item, owner-guarded.
func (q *Queue) Complete(ctx context.Context, workID, workerID string) (bool, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE work_queue
		SET status = 'completed', claimed_by = NULL, lease_expires_at = NULL, updated_at = now()
		WHERE id = $1 AND claimed_by = $2 AND status = 'running'
	`, workID, workerID)
	if err != nil {
		return false, fmt.Errorf("complete: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Fail terminates the item, owner-guarded.
func (q *Queue) Fail(ctx context.Context, workID, workerID, errorClass string) (bool, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE work_queue
		SET status = 'failed', claimed_by = NULL, lease_expires_at = NULL,
		    last_error_class = $3, updated_at = now()
		WHERE id = $1 AND claimed_by = $2 AND status = 'running'
	`, workID, workerID, errorClass)
	if err != nil {
		return false, fmt.Errorf("fail: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Retry requeues a failed attempt with a computed run_at, owner-guarded.
// attempt_count is preserved; it was bumped at claim time.
func (q *Queue) Retry(ctx context.Context, workID, workerID, errorClass string, runAt time.Time) (bool, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE work_queue
		SET status = 'queued', claimed_by = NULL, lease_expires_at = NULL,
		    run_at = $4, last_error_class = $3, updated_at = now()
		WHERE id = $1 AND claimed_by = $2 AND status = 'running'
	`, workID, workerID, errorClass, runAt.UTC())
	if err != nil {
		return false, fmt.Errorf("retry: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RequeueExpired reclaims running items whose lease lapsed. Idempotent and
// safe under concurrent invocation: the predicate only matches expired rows.
func (q *Queue) RequeueExpired(ctx context.Context) (int64, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE work_queue
		SET status = 'queued', claimed_by = NULL, lease_expires_at = NULL, updated_at = now()
		WHERE status = 'running' AND lease_expires_at <= now()
	`)
	if err != nil {
		return 0, fmt.Errorf("requeue expired: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Depth counts eligible queued items, for telemetry.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	var n int64
	if err := q.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM work_queue WHERE status = 'queued' AND run_at <= now()
	`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// Get fetches a work item by id.
func (q *Queue) Get(ctx context.Context, id string) (models.WorkItem, error) {
	row := q.pool.QueryRow(ctx, `SELECT `+workColumns+` FROM work_queue WHERE id = $1`, id)
	item, err := scanWorkItem(row)
	if err != nil {
		return models.WorkItem{}, fmt.Errorf("get work item: %w", err)
	}
	return item, nil
}

func scanWorkItem(row pgx.Row) (models.WorkItem, error) {
	var w models.WorkItem
	var claimedBy, lastErrorClass pgtype.Text
	var leaseExpires, startedAt pgtype.Timestamptz
	if err := row.Scan(&w.ID, &w.JobID, &w.Stage, &w.Payload, &w.Status, &w.Priority,
		&w.RunAt, &claimedBy, &leaseExpires, &w.AttemptCount, &lastErrorClass,
		&w.CreatedAt, &startedAt, &w.UpdatedAt); err != nil {
		return models.WorkItem{}, err
	}
	if claimedBy.Valid {
		w.ClaimedBy = &claimedBy.String
	}
	if lastErrorClass.Valid {
		w.LastErrorClass = &lastErrorClass.String
	}
	if leaseExpires.Valid {
		t := leaseExpires.Time
		w.LeaseExpiresAt = &t
	}
	if startedAt.Valid {
		t := startedAt.Time
		w.StartedAt = &t
	}
	return w, nil
}
