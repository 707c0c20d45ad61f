// Package service exposes the in-process contract callers program against:
// submit, inspect, rerun, triage, replay.
package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/DemonGiggle/criticizer/internal/dispatch"
	"github.com/DemonGiggle/criticizer/internal/failure"
	"github.com/DemonGiggle/criticizer/internal/models"
	"github.com/DemonGiggle/criticizer/internal/store"
)

// JobReader fetches job rows.
type JobReader interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
}

// Service composes dispatch and the failure pipeline behind one surface.
type Service struct {
	dispatcher *dispatch.Dispatcher
	failures   *failure.Pipeline
	jobs       JobReader
	log        *zap.Logger
}

func New(d *dispatch.Dispatcher, f *failure.Pipeline, jobs JobReader, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{dispatcher: d, failures: f, jobs: jobs, log: log}
}

// SubmitReview admits a review request; duplicates return the existing job.
func (s *Service) SubmitReview(ctx context.Context, idempotencyKey string, changelistID int64, reviewVersion int, recipients []string) (dispatch.SubmitResult, error) {
	return s.dispatcher.Submit(ctx, idempotencyKey, changelistID, reviewVersion, recipients, 0)
}

// GetJob returns a job by id.
func (s *Service) GetJob(ctx context.Context, jobID string) (models.Job, error) {
	return s.jobs.GetJob(ctx, jobID)
}

// RequestRerun gates a versioned rerun against prior terminal state.
func (s *Service) RequestRerun(ctx context.Context, changelistID int64, newVersion int, idempotencyKey string, recipients []string) (dispatch.RerunResult, error) {
	return s.dispatcher.RequestRerun(ctx, changelistID, newVersion, idempotencyKey, recipients, 0)
}

// ListDeadLetters surfaces dead letters for operator triage.
func (s *Service) ListDeadLetters(ctx context.Context, f store.DeadLetterFilter) ([]models.DeadLetter, error) {
	return s.failures.List(ctx, f)
}

// Replay re-enters a dead-lettered job; evidence is mandatory.
func (s *Service) Replay(ctx context.Context, dlID, restartMode, evidenceRef string) (models.DeadLetter, error) {
	return s.failures.Replay(ctx, dlID, restartMode, evidenceRef)
}
