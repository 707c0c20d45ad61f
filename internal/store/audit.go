package store

import (
	"context"
)

// AppendAudit adds an audit row. Audit failures are advisory; callers log and
// continue.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit (job_id, event, detail, ts)
		VALUES ($1, $2, $3, now())
	`, jobID, event, detail)
	return err
}
