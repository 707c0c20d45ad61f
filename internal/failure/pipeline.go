package failure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/DemonGiggle/criticizer/internal/models"
	"github.com/DemonGiggle/criticizer/internal/redact"
	"github.com/DemonGiggle/criticizer/internal/store"
)

// Store is the persistence surface the pipeline needs; implemented by
// internal/store and by in-memory fakes in tests.
type Store interface {
	InsertDeadLetter(ctx context.Context, p store.InsertDeadLetterParams) (models.DeadLetter, error)
	GetDeadLetter(ctx context.Context, id string) (models.DeadLetter, error)
	OpenDeadLetterForJobStage(ctx context.Context, jobID, stage string) (models.DeadLetter, bool, error)
	TouchDeadLetterFailure(ctx context.Context, id string, attemptCount int) error
	BeginReplay(ctx context.Context, id, restartStage, evidenceRef string) (int64, error)
	ResolveDeadLetter(ctx context.Context, id string) error
	ReopenDeadLetter(ctx context.Context, id, errorClass, lastStack string, reopened bool) error
	ListDeadLetters(ctx context.Context, f store.DeadLetterFilter) ([]models.DeadLetter, error)
	SetJobStatus(ctx context.Context, id, status string) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Enqueuer re-enters replayed work into the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID, stage string, payload []byte, priority int, runAt time.Time) (string, error)
}

// Pipeline owns dead-letter recording and operator replay.
type Pipeline struct {
	store Store
	queue Enqueuer
	log   *zap.Logger
}

func NewPipeline(st Store, q Enqueuer, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{store: st, queue: q, log: log}
}

// Context carries sanitized triage fields for a dead letter. Values pass
// through redaction before persisting; payloads should be hashes, never raw.
type Context map[string]any

// RecordFailure writes (or folds into) the dead letter for a terminal stage
// failure and marks the job failed. Repeat failures of the same job/stage
// update last_failure_at instead of opening a second record.
func (p *Pipeline) RecordFailure(ctx context.Context, jobID, stage, errorClass string, attemptCount int, stack string, fields Context, replayPayload []byte) (models.DeadLetter, error) {
	sanitized, err := sanitizeContext(fields)
	if err != nil {
		return models.DeadLetter{}, err
	}

	existing, found, err := p.store.OpenDeadLetterForJobStage(ctx, jobID, stage)
	if err != nil {
		return models.DeadLetter{}, err
	}

	var dl models.DeadLetter
	if found {
		if err := p.store.TouchDeadLetterFailure(ctx, existing.ID, attemptCount); err != nil {
			return models.DeadLetter{}, err
		}
		dl, err = p.store.GetDeadLetter(ctx, existing.ID)
		if err != nil {
			return models.DeadLetter{}, err
		}
	} else {
		dl, err = p.store.InsertDeadLetter(ctx, store.InsertDeadLetterParams{
			JobID:            jobID,
			Stage:            stage,
			ErrorClass:       errorClass,
			LastStack:        redact.Clean(stack),
			SanitizedContext: sanitized,
			ReplayPayload:    replayPayload,
			AttemptCount:     attemptCount,
		})
		if err != nil {
			return models.DeadLetter{}, err
		}
	}

	if err := p.store.SetJobStatus(ctx, jobID, models.JobFailed); err != nil {
		return models.DeadLetter{}, err
	}
	_ = p.store.AppendAudit(ctx, jobID, "dead_letter",
		fmt.Sprintf("stage=%s error_class=%s attempts=%d", stage, errorClass, attemptCount))
	p.log.Warn("dead letter recorded",
		zap.String("job_id", jobID),
		zap.String("stage", stage),
		zap.String("error_class", errorClass),
		zap.Int("attempts", attemptCount))
	return dl, nil
}

// ErrEvidenceRequired guards replay: no evidence, no replay.
var ErrEvidenceRequired = errors.New("remediation evidence required before replay")

// ErrNotReplayable is returned when the record is not open or reopened.
var ErrNotReplayable = errors.New("dead letter is not in a replayable state")

// Replay re-enters the pipeline at the failed stage (or the first stage on a
// full restart), guarded on non-empty remediation evidence.
func (p *Pipeline) Replay(ctx context.Context, dlID, restartMode, evidenceRef string) (models.DeadLetter, error) {
	if evidenceRef == "" {
		return models.DeadLetter{}, ErrEvidenceRequired
	}

	dl, err := p.store.GetDeadLetter(ctx, dlID)
	if err != nil {
		return models.DeadLetter{}, err
	}

	restartStage := dl.Stage
	if restartMode == models.RestartFull {
		restartStage = models.Stages[0]
	}

	rows, err := p.store.BeginReplay(ctx, dlID, restartStage, evidenceRef)
	if err != nil {
		return models.DeadLetter{}, err
	}
	if rows == 0 {
		return models.DeadLetter{}, ErrNotReplayable
	}

	if _, err := p.queue.Enqueue(ctx, dl.JobID, restartStage, dl.ReplayPayload, 0, time.Now().UTC()); err != nil {
		return models.DeadLetter{}, fmt.Errorf("enqueue replay: %w", err)
	}
	if err := p.store.SetJobStatus(ctx, dl.JobID, models.JobInProgress); err != nil {
		return models.DeadLetter{}, err
	}
	_ = p.store.AppendAudit(ctx, dl.JobID, "replayed",
		fmt.Sprintf("dead_letter=%s restart_stage=%s evidence=%s", dlID, restartStage, evidenceRef))

	return p.store.GetDeadLetter(ctx, dlID)
}

// CompleteReplay resolves the dead letter after a replayed run finished its
// remaining stages.
func (p *Pipeline) CompleteReplay(ctx context.Context, dlID string) error {
	return p.store.ResolveDeadLetter(ctx, dlID)
}

// FailReplay handles a replay that failed again. The same non-retryable class
// re-dead-letters as reopened and escalates; a different class returns the
// record to open for fresh triage.
func (p *Pipeline) FailReplay(ctx context.Context, dlID, errorClass, stack string) error {
	dl, err := p.store.GetDeadLetter(ctx, dlID)
	if err != nil {
		return err
	}
	escalate := !Retryable(errorClass) && errorClass == dl.ErrorClass
	if err := p.store.ReopenDeadLetter(ctx, dlID, errorClass, redact.Clean(stack), escalate); err != nil {
		return err
	}
	event := "replay_failed"
	if escalate {
		event = "replay_escalated"
	}
	_ = p.store.AppendAudit(ctx, dl.JobID, event,
		fmt.Sprintf("dead_letter=%s error_class=%s", dlID, errorClass))
	return nil
}

// HandleStageFailure routes a terminal stage failure. A job under replay
// folds into its replaying dead letter (escalating on a same-class repeat);
// anything else records a fresh dead letter.
func (p *Pipeline) HandleStageFailure(ctx context.Context, jobID, stage, errorClass string, attemptCount int, stack string, fields Context, replayPayload []byte) (models.DeadLetter, error) {
	replaying, err := p.store.ListDeadLetters(ctx, store.DeadLetterFilter{JobID: jobID, Status: models.DeadLetterReplaying, Limit: 1})
	if err != nil {
		return models.DeadLetter{}, err
	}
	if len(replaying) > 0 {
		dlID := replaying[0].ID
		if err := p.FailReplay(ctx, dlID, errorClass, stack); err != nil {
			return models.DeadLetter{}, err
		}
		if err := p.store.SetJobStatus(ctx, jobID, models.JobFailed); err != nil {
			return models.DeadLetter{}, err
		}
		return p.store.GetDeadLetter(ctx, dlID)
	}
	return p.RecordFailure(ctx, jobID, stage, errorClass, attemptCount, stack, fields, replayPayload)
}

// ResolveReplaying closes out replaying dead letters once their job finished
// its remaining stages.
func (p *Pipeline) ResolveReplaying(ctx context.Context, jobID string) error {
	replaying, err := p.store.ListDeadLetters(ctx, store.DeadLetterFilter{JobID: jobID, Status: models.DeadLetterReplaying})
	if err != nil {
		return err
	}
	for _, dl := range replaying {
		if err := p.store.ResolveDeadLetter(ctx, dl.ID); err != nil {
			return err
		}
		_ = p.store.AppendAudit(ctx, jobID, "replay_resolved", fmt.Sprintf("dead_letter=%s", dl.ID))
	}
	return nil
}

// List surfaces dead letters for operator triage.
func (p *Pipeline) List(ctx context.Context, f store.DeadLetterFilter) ([]models.DeadLetter, error) {
	return p.store.ListDeadLetters(ctx, f)
}

func sanitizeContext(fields Context) ([]byte, error) {
	clean := make(map[string]any, len(fields))
	for k, v := range fields {
		if s, ok := v.(string); ok {
			clean[k] = redact.Clean(s)
			continue
		}
		clean[k] = v
	}
	out, err := json.Marshal(clean)
	if err != nil {
		return nil, fmt.Errorf("marshal sanitized context: %w", err)
	}
	return out, nil
}
