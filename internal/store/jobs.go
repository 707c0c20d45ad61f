package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/DemonGiggle/criticizer/internal/models"
)

const jobColumns = `id, idempotency_key, changelist_id, review_version, status, result_ref, created_at, updated_at`

// CreateJob inserts a job row with unique-key semantics. A duplicate
// idempotency key returns the existing row; created reports whether a new row
// was written.
func (s *Store) CreateJob(ctx context.Context, idempotencyKey string, changelistID int64, reviewVersion int) (models.Job, bool, error) {
	id := uuid.New().String()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, idempotency_key, changelist_id, review_version, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, id, idempotencyKey, changelistID, reviewVersion, models.JobPending)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}

	job, found, err := s.JobByIdempotencyKey(ctx, idempotencyKey)
	if err != nil {
		return models.Job{}, false, err
	}
	if !found {
		return models.Job{}, false, errors.New("job vanished after insert")
	}
	return job, tag.RowsAffected() == 1, nil
}

// JobByIdempotencyKey returns the job mapped to the key if present.
func (s *Store) JobByIdempotencyKey(ctx context.Context, key string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE idempotency_key = $1`, key)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s not found: %w", id, err)
	}
	return job, err
}

// LatestJobForChangelist returns the newest job for a changelist, optionally
// restricted to succeeded jobs.
func (s *Store) LatestJobForChangelist(ctx context.Context, changelistID int64, succeededOnly bool) (models.Job, bool, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE changelist_id = $1`
	if succeededOnly {
		q += ` AND status = 'succeeded'`
	}
	q += ` ORDER BY review_version DESC, created_at DESC LIMIT 1`

	row := s.pool.QueryRow(ctx, q, changelistID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// TransitionJob moves a job between statuses guarded by the current status.
// rows == 0 means the job was not in fromStatus; callers treat that as lost
// ownership, not an error.
func (s *Store) TransitionJob(ctx context.Context, id, fromStatus, toStatus string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2
	`, id, fromStatus, toStatus)
	if err != nil {
		return 0, fmt.Errorf("transition job: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SetJobStatus forces a status without a guard. Used by the failure pipeline
// where the transition is driven by classification, not ownership.
func (s *Store) SetJobStatus(ctx context.Context, id, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = now() WHERE id = $1
	`, id, status)
	return err
}

// SetJobResultRef records where the validated result payload lives.
func (s *Store) SetJobResultRef(ctx context.Context, id, ref string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET result_ref = $2, updated_at = now() WHERE id = $1
	`, id, ref)
	return err
}

// FinalizeJobSucceeded transitions a job to succeeded only when every outbox
// row for its delivery key is notified and none is failed_permanent. The gate
// and the transition run in one statement so the check cannot go stale.
func (s *Store) FinalizeJobSucceeded(ctx context.Context, id string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs j SET status = 'succeeded', updated_at = now()
		WHERE j.id = $1
		  AND j.status = 'in_progress'
		  AND NOT EXISTS (
			SELECT 1 FROM outbox o
			WHERE o.changelist_id = j.changelist_id
			  AND o.review_version = j.review_version
			  AND (o.notified_at IS NULL OR o.status = 'failed_permanent')
		  )
	`, id)
	if err != nil {
		return 0, fmt.Errorf("finalize job: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var resultRef pgtype.Text
	if err := row.Scan(&job.ID, &job.IdempotencyKey, &job.ChangelistID, &job.ReviewVersion,
		&job.Status, &resultRef, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	job.ResultRef = textPtr(resultRef)
	return job, nil
}
