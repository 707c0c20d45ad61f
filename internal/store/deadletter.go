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

const deadLetterColumns = `id, job_id, stage, error_class, last_stack, sanitized_context,
	replay_payload, first_failure_at, last_failure_at, attempt_count, status, replay_count,
	replay_start_stage, remediation_evidence_ref, resolved_at, created_at, updated_at`

// InsertDeadLetterParams collects inputs for a new dead-letter row.
type InsertDeadLetterParams struct {
	JobID            string
	Stage            string
	ErrorClass       string
	LastStack        string
	SanitizedContext []byte
	ReplayPayload    []byte
	AttemptCount     int
}

// InsertDeadLetter writes an open dead-letter record.
func (s *Store) InsertDeadLetter(ctx context.Context, p InsertDeadLetterParams) (models.DeadLetter, error) {
	id := uuid.New().String()
	if p.SanitizedContext == nil {
		p.SanitizedContext = []byte(`{}`)
	}
	if p.ReplayPayload == nil {
		p.ReplayPayload = []byte(`{}`)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dead_letters
			(id, job_id, stage, error_class, last_stack, sanitized_context, replay_payload,
			 first_failure_at, last_failure_at, attempt_count, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now(), $8, 'open')
	`, id, p.JobID, p.Stage, p.ErrorClass, p.LastStack, p.SanitizedContext, p.ReplayPayload, p.AttemptCount)
	if err != nil {
		return models.DeadLetter{}, fmt.Errorf("insert dead letter: %w", err)
	}
	return s.GetDeadLetter(ctx, id)
}

// GetDeadLetter fetches a dead letter by id.
func (s *Store) GetDeadLetter(ctx context.Context, id string) (models.DeadLetter, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = $1`, id)
	dl, err := scanDeadLetter(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DeadLetter{}, fmt.Errorf("dead letter %s not found: %w", id, err)
	}
	return dl, err
}

// DeadLetterFilter narrows ListDeadLetters; zero values mean unfiltered.
type DeadLetterFilter struct {
	JobID      string
	Stage      string
	ErrorClass string
	Status     string
	Limit      int
}

// ListDeadLetters returns dead letters for operator triage, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, f DeadLetterFilter) ([]models.DeadLetter, error) {
	q := `SELECT ` + deadLetterColumns + ` FROM dead_letters WHERE 1=1`
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.JobID != "" {
		q += ` AND job_id = ` + arg(f.JobID)
	}
	if f.Stage != "" {
		q += ` AND stage = ` + arg(f.Stage)
	}
	if f.ErrorClass != "" {
		q += ` AND error_class = ` + arg(f.ErrorClass)
	}
	if f.Status != "" {
		q += ` AND status = ` + arg(f.Status)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += ` ORDER BY created_at DESC LIMIT ` + arg(limit)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []models.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// TouchDeadLetterFailure bumps last_failure_at and attempt_count on a repeat
// failure of the same job/stage.
func (s *Store) TouchDeadLetterFailure(ctx context.Context, id string, attemptCount int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE dead_letters
		SET last_failure_at = now(), attempt_count = $2, updated_at = now()
		WHERE id = $1
	`, id, attemptCount)
	return err
}

// BeginReplay transitions a dead letter to replaying, guarded on a replayable
// status and recorded evidence.
func (s *Store) BeginReplay(ctx context.Context, id, restartStage, evidenceRef string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dead_letters
		SET status = 'replaying', replay_start_stage = $2,
		    remediation_evidence_ref = $3, replay_count = replay_count + 1,
		    updated_at = now()
		WHERE id = $1 AND status IN ('open', 'reopened')
	`, id, restartStage, evidenceRef)
	if err != nil {
		return 0, fmt.Errorf("begin replay: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ResolveDeadLetter marks a replayed dead letter resolved.
func (s *Store) ResolveDeadLetter(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE dead_letters
		SET status = 'resolved', resolved_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'replaying'
	`, id)
	return err
}

// ReopenDeadLetter records a failed replay. reopened=true marks the escalated
// same-class case; otherwise the record returns to open for another attempt.
func (s *Store) ReopenDeadLetter(ctx context.Context, id, errorClass, lastStack string, reopened bool) error {
	status := models.DeadLetterOpen
	if reopened {
		status = models.DeadLetterReopened
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE dead_letters
		SET status = $4, error_class = $2, last_stack = $3,
		    last_failure_at = now(), updated_at = now()
		WHERE id = $1
	`, id, errorClass, lastStack, status)
	return err
}

// OpenDeadLetterForJobStage finds an open or reopened record for the job and
// stage so repeat failures fold into one row.
func (s *Store) OpenDeadLetterForJobStage(ctx context.Context, jobID, stage string) (models.DeadLetter, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+deadLetterColumns+` FROM dead_letters
		WHERE job_id = $1 AND stage = $2 AND status IN ('open', 'reopened', 'replaying')
		ORDER BY created_at DESC LIMIT 1
	`, jobID, stage)
	dl, err := scanDeadLetter(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DeadLetter{}, false, nil
	}
	if err != nil {
		return models.DeadLetter{}, false, err
	}
	return dl, true, nil
}

func scanDeadLetter(row pgx.Row) (models.DeadLetter, error) {
	var dl models.DeadLetter
	var replayStartStage, evidenceRef pgtype.Text
	var resolvedAt pgtype.Timestamptz
	if err := row.Scan(&dl.ID, &dl.JobID, &dl.Stage, &dl.ErrorClass, &dl.LastStack,
		&dl.SanitizedContext, &dl.ReplayPayload, &dl.FirstFailureAt, &dl.LastFailureAt,
		&dl.AttemptCount, &dl.Status, &dl.ReplayCount, &replayStartStage, &evidenceRef,
		&resolvedAt, &dl.CreatedAt, &dl.UpdatedAt); err != nil {
		return models.DeadLetter{}, err
	}
	dl.ReplayStartStage = textPtr(replayStartStage)
	dl.RemediationEvidenceRef = textPtr(evidenceRef)
	dl.ResolvedAt = timePtr(resolvedAt)
	return dl, nil
}
