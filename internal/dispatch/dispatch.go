// Package dispatch creates review jobs with idempotency-key dedupe and gates
// versioned reruns against prior terminal state.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/DemonGiggle/criticizer/internal/models"
	"github.com/DemonGiggle/criticizer/internal/telemetry"
)

// Store is the job persistence surface; implemented by internal/store.
type Store interface {
	CreateJob(ctx context.Context, idempotencyKey string, changelistID int64, reviewVersion int) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	LatestJobForChangelist(ctx context.Context, changelistID int64, succeededOnly bool) (models.Job, bool, error)
	TransitionJob(ctx context.Context, id, fromStatus, toStatus string) (int64, error)
	FinalizeJobSucceeded(ctx context.Context, id string) (int64, error)
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Enqueuer feeds accepted jobs into the work queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID, stage string, payload []byte, priority int, runAt time.Time) (string, error)
}

// Submission statuses.
const (
	StatusCreated              = "created"
	StatusDuplicateIdempotency = "duplicate_idempotency"
	StatusAlreadySucceeded     = "already_succeeded_same_version"
	StatusStaleReviewVersion   = "stale_review_version"
	StatusVersionInFlight      = "version_in_flight"
	StatusNoPriorJob           = "no_prior_job"
)

// SubmitResult reports what Submit did with the request.
type SubmitResult struct {
	Job     models.Job
	Created bool
	Status  string
}

// RerunResult is the outcome of a rerun request.
type RerunResult struct {
	Allowed bool
	Reason  string
	Job     models.Job
}

// Dispatcher owns job admission.
type Dispatcher struct {
	store Store
	queue Enqueuer
	log   *zap.Logger
}

func New(st Store, q Enqueuer, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{store: st, queue: q, log: log}
}

// Submit admits a review request. Duplicate idempotency keys return the
// existing job; versions at or below the last succeeded review are rejected
// without creating anything.
func (d *Dispatcher) Submit(ctx context.Context, idempotencyKey string, changelistID int64, reviewVersion int, recipients []string, priority int) (SubmitResult, error) {
	if prior, found, err := d.store.LatestJobForChangelist(ctx, changelistID, true); err != nil {
		return SubmitResult{}, err
	} else if found {
		if reviewVersion == prior.ReviewVersion {
			return SubmitResult{Job: prior, Status: StatusAlreadySucceeded}, nil
		}
		if reviewVersion < prior.ReviewVersion {
			return SubmitResult{Job: prior, Status: StatusStaleReviewVersion}, nil
		}
	}

	job, created, err := d.store.CreateJob(ctx, idempotencyKey, changelistID, reviewVersion)
	if err != nil {
		return SubmitResult{}, err
	}
	if !created {
		return SubmitResult{Job: job, Status: StatusDuplicateIdempotency}, nil
	}

	if err := d.enqueueFirstStage(ctx, job, recipients, priority); err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{Job: job, Created: true, Status: StatusCreated}, nil
}

// RequestRerun gates a versioned rerun. Allowed only when the latest job for
// the changelist succeeded and the new version is strictly greater; the
// same-version re-request on a succeeded job returns the prior job unchanged.
// A non-terminal job under the same version blocks the rerun; reruns past a
// failed job require a fresh idempotency key.
func (d *Dispatcher) RequestRerun(ctx context.Context, changelistID int64, newVersion int, idempotencyKey string, recipients []string, priority int) (RerunResult, error) {
	latest, found, err := d.store.LatestJobForChangelist(ctx, changelistID, false)
	if err != nil {
		return RerunResult{}, err
	}
	if !found {
		return RerunResult{Reason: StatusNoPriorJob}, nil
	}

	switch {
	case latest.Status == models.JobSucceeded:
		if newVersion == latest.ReviewVersion {
			return RerunResult{Allowed: true, Reason: StatusAlreadySucceeded, Job: latest}, nil
		}
		if newVersion < latest.ReviewVersion {
			return RerunResult{Reason: StatusStaleReviewVersion, Job: latest}, nil
		}
	case !latest.Terminal():
		if newVersion == latest.ReviewVersion {
			return RerunResult{Reason: StatusVersionInFlight, Job: latest}, nil
		}
		if newVersion < latest.ReviewVersion {
			return RerunResult{Reason: StatusStaleReviewVersion, Job: latest}, nil
		}
		if idempotencyKey == latest.IdempotencyKey {
			return RerunResult{Reason: StatusDuplicateIdempotency, Job: latest}, nil
		}
	default: // failed: distinct key required, version may repeat
		if idempotencyKey == latest.IdempotencyKey {
			return RerunResult{Reason: StatusDuplicateIdempotency, Job: latest}, nil
		}
		if newVersion < latest.ReviewVersion {
			return RerunResult{Reason: StatusStaleReviewVersion, Job: latest}, nil
		}
	}

	job, created, err := d.store.CreateJob(ctx, idempotencyKey, changelistID, newVersion)
	if err != nil {
		return RerunResult{}, err
	}
	if !created {
		return RerunResult{Allowed: true, Reason: StatusDuplicateIdempotency, Job: job}, nil
	}
	if err := d.enqueueFirstStage(ctx, job, recipients, priority); err != nil {
		return RerunResult{}, err
	}
	_ = d.store.AppendAudit(ctx, job.ID, "rerun_created",
		fmt.Sprintf("changelist=%d version=%d", changelistID, newVersion))
	return RerunResult{Allowed: true, Reason: StatusCreated, Job: job}, nil
}

// Finalize moves a job to its terminal state. Success is gated on the outbox:
// the transition happens only if every delivery for the job's review version
// is notified. rows == 0 means the gate held or ownership moved on.
func (d *Dispatcher) Finalize(ctx context.Context, jobID string, succeeded bool) (bool, error) {
	if succeeded {
		rows, err := d.store.FinalizeJobSucceeded(ctx, jobID)
		if err != nil {
			return false, err
		}
		if rows > 0 {
			_ = d.store.AppendAudit(ctx, jobID, "succeeded", "all notifications delivered")
		}
		return rows > 0, nil
	}
	rows, err := d.store.TransitionJob(ctx, jobID, models.JobInProgress, models.JobFailed)
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (d *Dispatcher) enqueueFirstStage(ctx context.Context, job models.Job, recipients []string, priority int) error {
	payload, err := json.Marshal(models.StagePayload{
		JobID:         job.ID,
		ChangelistID:  job.ChangelistID,
		ReviewVersion: job.ReviewVersion,
		Recipients:    recipients,
	})
	if err != nil {
		return fmt.Errorf("marshal stage payload: %w", err)
	}
	if _, err := d.queue.Enqueue(ctx, job.ID, models.StageFetch, payload, priority, time.Now().UTC()); err != nil {
		return fmt.Errorf("enqueue fetch stage: %w", err)
	}
	_ = d.store.AppendAudit(ctx, job.ID, "enqueued",
		fmt.Sprintf("changelist=%d version=%d recipients=%d", job.ChangelistID, job.ReviewVersion, len(recipients)))
	telemetry.ReviewsSubmitted.Inc()
	d.log.Info("review job enqueued",
		zap.String("job_id", job.ID),
		zap.Int64("changelist_id", job.ChangelistID),
		zap.Int("review_version", job.ReviewVersion))
	return nil
}
