// Package worker drives the claim → heartbeat → stage → finalize loop.
// Ownership lives in the store: any heartbeat or finalize affecting zero rows
// means the lease is gone, and the worker stops without raising a failure.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/DemonGiggle/criticizer/internal/config"
	"github.com/DemonGiggle/criticizer/internal/failure"
	"github.com/DemonGiggle/criticizer/internal/models"
	"github.com/DemonGiggle/criticizer/internal/telemetry"
)

// Queue is the durable work queue surface; implemented by internal/queue.
type Queue interface {
	Claim(ctx context.Context, workerID string, leaseDuration time.Duration) (*models.WorkItem, error)
	Heartbeat(ctx context.Context, workID, workerID string, leaseDuration time.Duration) (bool, error)
	Complete(ctx context.Context, workID, workerID string) (bool, error)
	Fail(ctx context.Context, workID, workerID, errorClass string) (bool, error)
	Retry(ctx context.Context, workID, workerID, errorClass string, runAt time.Time) (bool, error)
	RequeueExpired(ctx context.Context) (int64, error)
	Enqueue(ctx context.Context, jobID, stage string, payload []byte, priority int, runAt time.Time) (string, error)
	Depth(ctx context.Context) (int64, error)
}

// JobStore is the job-state surface the processor needs.
type JobStore interface {
	TransitionJob(ctx context.Context, id, fromStatus, toStatus string) (int64, error)
	SetJobStatus(ctx context.Context, id, status string) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// FailureSink terminates exhausted or non-retryable work.
type FailureSink interface {
	HandleStageFailure(ctx context.Context, jobID, stage, errorClass string, attemptCount int, stack string, fields failure.Context, replayPayload []byte) (models.DeadLetter, error)
}

// Handler executes one stage for a work item. Returning a nextStage chains
// the job forward; handlers must be idempotent because delivery is
// at-least-once.
type Handler func(ctx context.Context, item models.WorkItem, payload models.StagePayload) (*NextStage, error)

// NextStage requests a follow-on work item after the current one completes.
type NextStage struct {
	Stage   string
	Payload models.StagePayload
}

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    Queue
	jobs     JobStore
	failures FailureSink
	backoff  failure.BackoffPolicy
	handlers map[string]Handler
	workerID string
	log      *zap.Logger

	lastSweep time.Time
}

func NewProcessor(cfg config.Config, q Queue, jobs JobStore, failures FailureSink, workerID string, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		jobs:     jobs,
		failures: failures,
		backoff: failure.BackoffPolicy{
			Initial:       cfg.BackoffInitial,
			Multiplier:    cfg.BackoffMultiplier,
			Max:           cfg.BackoffMax,
			RetryAfterCap: cfg.RetryAfterCap,
		},
		handlers: make(map[string]Handler),
		workerID: workerID,
		log:      log.With(zap.String("worker_id", workerID)),
	}
}

// RegisterHandler binds a handler to a stage.
func (p *Processor) RegisterHandler(stage string, handler Handler) {
	if stage == "" || handler == nil {
		return
	}
	p.handlers[stage] = handler
}

// Run starts the main worker loop until context cancellation. The expired-
// lease sweep runs inline; it is idempotent, so every worker can sweep.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if time.Since(p.lastSweep) >= p.cfg.SweepInterval {
			if reclaimed, err := p.queue.RequeueExpired(ctx); err == nil && reclaimed > 0 {
				telemetry.LeasesReclaimed.Add(float64(reclaimed))
				p.log.Info("requeued expired leases", zap.Int64("count", reclaimed))
			}
			if depth, err := p.queue.Depth(ctx); err == nil {
				telemetry.QueueDepthGauge.Set(float64(depth))
			}
			p.lastSweep = time.Now()
		}

		item, err := p.queue.Claim(ctx, p.workerID, p.cfg.LeaseDuration)
		if err != nil || item == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.WorkerPollInterval):
			}
			continue
		}

		p.Process(ctx, *item)
	}
}

// Process runs one claimed work item to completion, retry, or dead letter.
func (p *Processor) Process(ctx context.Context, item models.WorkItem) {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	var payload models.StagePayload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		// Malformed queue payloads are internal bugs, not retry candidates.
		p.terminate(ctx, item, payload, failure.ClassInvariantViolation, fmt.Sprintf("decode stage payload: %v", err))
		return
	}

	_, _ = p.jobs.TransitionJob(ctx, payload.JobID, models.JobPending, models.JobInProgress)
	_, _ = p.jobs.TransitionJob(ctx, payload.JobID, models.JobRetryableFailed, models.JobInProgress)

	stageCtx, cancelStage := context.WithCancel(ctx)
	defer cancelStage()

	var leaseLost atomic.Bool
	heartbeatDone := make(chan struct{})
	go p.heartbeatLoop(stageCtx, item.ID, &leaseLost, cancelStage, heartbeatDone)

	next, err := p.runStage(stageCtx, item, payload)
	cancelStage()
	<-heartbeatDone

	if leaseLost.Load() {
		// The sweeper owns recovery; results of this attempt are discarded.
		p.log.Warn("lease lost mid-stage, discarding work",
			zap.String("work_id", item.ID), zap.String("stage", item.Stage))
		return
	}

	if err == nil {
		p.succeed(ctx, item, payload, next)
		return
	}

	class := failure.Classify(err)
	if failure.Retryable(class) && item.AttemptCount < p.cfg.MaxAttemptsPerStage {
		delay := p.backoff.Delay(item.AttemptCount, failure.RetryAfterHint(err))
		runAt := time.Now().UTC().Add(delay)
		if ok, retryErr := p.queue.Retry(ctx, item.ID, p.workerID, class, runAt); retryErr != nil || !ok {
			telemetry.LeasesLost.Inc()
			return
		}
		_ = p.jobs.SetJobStatus(ctx, payload.JobID, models.JobRetryableFailed)
		_ = p.jobs.AppendAudit(ctx, payload.JobID, "retry_scheduled",
			fmt.Sprintf("stage=%s attempt=%d error_class=%s run_at=%s",
				item.Stage, item.AttemptCount, class, runAt.Format(time.RFC3339)))
		telemetry.StageRetries.Inc()
		p.log.Info("stage retry scheduled",
			zap.String("job_id", payload.JobID),
			zap.String("stage", item.Stage),
			zap.String("error_class", class),
			zap.Int("attempt", item.AttemptCount),
			zap.Duration("delay", delay))
		return
	}

	p.terminate(ctx, item, payload, class, err.Error())
}

func (p *Processor) runStage(ctx context.Context, item models.WorkItem, payload models.StagePayload) (*NextStage, error) {
	handler, ok := p.handlers[item.Stage]
	if !ok {
		return nil, failure.New(failure.ClassInvariantViolation,
			fmt.Errorf("no handler registered for stage %q", item.Stage))
	}
	return handler(ctx, item, payload)
}

// succeed chains the next stage before finalizing the current item: a crash
// in between re-runs this stage, which is safe, while the reverse order could
// strand the job. Completion after a lost lease is a silent no-op.
func (p *Processor) succeed(ctx context.Context, item models.WorkItem, payload models.StagePayload, next *NextStage) {
	if next != nil {
		raw, err := json.Marshal(next.Payload)
		if err != nil {
			p.terminate(ctx, item, payload, failure.ClassInvariantViolation, fmt.Sprintf("marshal next stage payload: %v", err))
			return
		}
		if _, err := p.queue.Enqueue(ctx, payload.JobID, next.Stage, raw, item.Priority, time.Now().UTC()); err != nil {
			p.log.Error("enqueue next stage failed", zap.Error(err), zap.String("job_id", payload.JobID))
			return
		}
	}

	ok, err := p.queue.Complete(ctx, item.ID, p.workerID)
	if err != nil {
		p.log.Error("complete failed", zap.Error(err), zap.String("work_id", item.ID))
		return
	}
	if !ok {
		telemetry.LeasesLost.Inc()
		return
	}
	telemetry.StageCompleted.Inc()
	p.log.Info("stage completed",
		zap.String("job_id", payload.JobID),
		zap.String("stage", item.Stage),
		zap.Int("attempt", item.AttemptCount))
}

// terminate fails the work item and routes the job to the failure pipeline.
func (p *Processor) terminate(ctx context.Context, item models.WorkItem, payload models.StagePayload, class, detail string) {
	ok, err := p.queue.Fail(ctx, item.ID, p.workerID, class)
	if err != nil {
		p.log.Error("fail transition errored", zap.Error(err), zap.String("work_id", item.ID))
		return
	}
	if !ok {
		telemetry.LeasesLost.Inc()
		return
	}

	jobID := payload.JobID
	if jobID == "" {
		jobID = item.JobID
	}
	_, err = p.failures.HandleStageFailure(ctx, jobID, item.Stage, class, item.AttemptCount, detail, failure.Context{
		"work_id":       item.ID,
		"stage":         item.Stage,
		"attempt_count": item.AttemptCount,
		"changelist_id": payload.ChangelistID,
	}, item.Payload)
	if err != nil {
		p.log.Error("dead letter write failed", zap.Error(err), zap.String("job_id", jobID))
		return
	}
	telemetry.DeadLetters.Inc()
}

// heartbeatLoop renews the lease at the configured cadence. A renewal that
// affects zero rows marks the lease lost and cancels the stage context.
func (p *Processor) heartbeatLoop(ctx context.Context, workID string, leaseLost *atomic.Bool, cancelStage context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := p.queue.Heartbeat(ctx, workID, p.workerID, p.cfg.LeaseDuration)
			if err != nil {
				continue // transient store error; the lease may still hold
			}
			if !ok {
				leaseLost.Store(true)
				telemetry.LeasesLost.Inc()
				cancelStage()
				return
			}
		}
	}
}
