package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/DemonGiggle/criticizer/internal/artifact"
	"github.com/DemonGiggle/criticizer/internal/config"
	"github.com/DemonGiggle/criticizer/internal/failure"
	"github.com/DemonGiggle/criticizer/internal/fetcher"
	"github.com/DemonGiggle/criticizer/internal/models"
	"github.com/DemonGiggle/criticizer/internal/outbox"
	"github.com/DemonGiggle/criticizer/internal/telemetry"
	"github.com/DemonGiggle/criticizer/internal/validator"
)

// Fetcher expands a changelist into changed files under the allow-list.
type Fetcher interface {
	FetchChange(ctx context.Context, changelistID int64, requestedPaths []string) (fetcher.Change, error)
}

// ModelClient submits a changelist for review and returns the raw response.
// Implementations own prompt construction and must pass submitted content
// through the redaction pipeline before it leaves the process.
type ModelClient interface {
	Review(ctx context.Context, changelistID int64, files []string) ([]byte, error)
}

// Notifier delivers a job's outbox rows.
type Notifier interface {
	Materialize(ctx context.Context, jobID string, changelistID int64, reviewVersion int, recipients []string, payload []byte) error
	DeliverPending(ctx context.Context, jobID string) ([]outbox.DeliveryResult, error)
}

// ResultStore records validated results for result_ref.
type ResultStore interface {
	SetJobResultRef(ctx context.Context, id, ref string) error
}

// Finalizer closes the job after its last stage.
type Finalizer interface {
	Finalize(ctx context.Context, jobID string, succeeded bool) (bool, error)
}

// ReplayResolver clears replaying dead letters once the job completes.
type ReplayResolver interface {
	ResolveReplaying(ctx context.Context, jobID string) error
}

// Stages wires the three pipeline stages onto a processor.
type Stages struct {
	cfg       config.Config
	fetcher   Fetcher
	model     ModelClient
	validator *validator.Validator
	artifacts artifact.Uploader
	notifier  Notifier
	results   ResultStore
	finalizer Finalizer
	replays   ReplayResolver
	log       *zap.Logger
}

// StagesParams collects the collaborators for NewStages.
type StagesParams struct {
	Config    config.Config
	Fetcher   Fetcher
	Model     ModelClient
	Validator *validator.Validator
	Artifacts artifact.Uploader
	Notifier  Notifier
	Results   ResultStore
	Finalizer Finalizer
	Replays   ReplayResolver
	Log       *zap.Logger
}

func NewStages(p StagesParams) *Stages {
	if p.Log == nil {
		p.Log = zap.NewNop()
	}
	return &Stages{
		cfg:       p.Config,
		fetcher:   p.Fetcher,
		model:     p.Model,
		validator: p.Validator,
		artifacts: p.Artifacts,
		notifier:  p.Notifier,
		results:   p.Results,
		finalizer: p.Finalizer,
		replays:   p.Replays,
		log:       p.Log,
	}
}

// Register binds the stage handlers.
func (s *Stages) Register(p *Processor) {
	p.RegisterHandler(models.StageFetch, s.Fetch)
	p.RegisterHandler(models.StageLLM, s.Review)
	p.RegisterHandler(models.StageNotify, s.Notify)
}

// Fetch expands the changelist and chains into the review stage.
func (s *Stages) Fetch(ctx context.Context, item models.WorkItem, payload models.StagePayload) (*NextStage, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchDeadline)
	defer cancel()

	change, err := s.fetcher.FetchChange(fetchCtx, payload.ChangelistID, nil)
	if err != nil {
		return nil, err
	}

	payload.ChangedFiles = change.Files
	return &NextStage{Stage: models.StageLLM, Payload: payload}, nil
}

// Review submits the change to the model, validates the response, stores the
// result artifact, and materializes the outbox before chaining into notify.
func (s *Stages) Review(ctx context.Context, item models.WorkItem, payload models.StagePayload) (*NextStage, error) {
	modelCtx, cancel := context.WithTimeout(ctx, s.cfg.ModelDeadline)
	defer cancel()

	raw, err := s.model.Review(modelCtx, payload.ChangelistID, payload.ChangedFiles)
	if err != nil {
		return nil, err
	}

	if _, err := s.artifacts.Upload(ctx, artifact.RawKey(payload.JobID, item.AttemptCount), raw, "application/json"); err != nil {
		return nil, failure.New(failure.ClassUpstreamInternal, fmt.Errorf("store raw payload: %w", err))
	}

	outcome := s.validator.Validate(raw, payload.ChangedFiles, payload.JobID)
	s.recordDiagnostics(payload.JobID, outcome.Diagnostics)
	if outcome.Rejected {
		telemetry.ResponsesRejected.Inc()
		return nil, failure.New(rejectionClass(outcome.Diagnostics), fmt.Errorf("model response rejected"))
	}

	resultJSON, err := json.Marshal(outcome.Result)
	if err != nil {
		return nil, failure.New(failure.ClassInvariantViolation, fmt.Errorf("marshal review result: %w", err))
	}
	ref, err := s.artifacts.Upload(ctx, artifact.ResultKey(payload.JobID), resultJSON, "application/json")
	if err != nil {
		return nil, failure.New(failure.ClassUpstreamInternal, fmt.Errorf("store result: %w", err))
	}
	if err := s.results.SetJobResultRef(ctx, payload.JobID, ref); err != nil {
		return nil, err
	}

	notification, err := json.Marshal(map[string]any{
		"changelist_id":  payload.ChangelistID,
		"review_version": payload.ReviewVersion,
		"finding_count":  len(outcome.Result.Findings),
		"summary":        outcome.Result.Summary,
		"result_ref":     ref,
	})
	if err != nil {
		return nil, failure.New(failure.ClassInvariantViolation, err)
	}
	if err := s.notifier.Materialize(ctx, payload.JobID, payload.ChangelistID, payload.ReviewVersion, payload.Recipients, notification); err != nil {
		return nil, err
	}

	payload.ResultRef = ref
	return &NextStage{Stage: models.StageNotify, Payload: payload}, nil
}

// Notify delivers the job's outbox rows and finalizes. A permanently failed
// recipient blocks success and terminates the job; the rows stay for operator
// resolution and replay re-enters here.
func (s *Stages) Notify(ctx context.Context, item models.WorkItem, payload models.StagePayload) (*NextStage, error) {
	results, err := s.notifier.DeliverPending(ctx, payload.JobID)
	if err != nil {
		return nil, err
	}

	for _, res := range results {
		if res.Status == outbox.StatusFailedPermanent {
			return nil, failure.New(failure.ClassContentPolicyReject,
				fmt.Errorf("recipient %s failed permanently", res.Recipient))
		}
	}

	finalized, err := s.finalizer.Finalize(ctx, payload.JobID, true)
	if err != nil {
		return nil, err
	}
	if !finalized {
		// The outbox gate held: rows failed permanently on an earlier
		// attempt, or the job is no longer in progress. Either way success
		// is off the table until an operator intervenes.
		return nil, failure.New(failure.ClassContentPolicyReject,
			fmt.Errorf("finalize gate refused job %s: undelivered or permanently failed recipients remain", payload.JobID))
	}

	if s.replays != nil {
		if err := s.replays.ResolveReplaying(ctx, payload.JobID); err != nil {
			s.log.Error("resolve replaying dead letters failed", zap.Error(err), zap.String("job_id", payload.JobID))
		}
	}
	return nil, nil
}

func (s *Stages) recordDiagnostics(jobID string, diags []validator.Diagnostic) {
	for _, d := range diags {
		switch d.Code {
		case validator.CodeFindingDropped:
			telemetry.FindingsDropped.Inc()
		}
		s.log.Info("validator diagnostic",
			zap.String("job_id", jobID),
			zap.String("code", d.Code),
			zap.String("field", d.Field),
			zap.String("reason", d.Reason))
	}
}

// rejectionClass maps a rejected payload's first diagnostic to its
// non-retryable error class.
func rejectionClass(diags []validator.Diagnostic) string {
	for _, d := range diags {
		switch d.Code {
		case validator.CodeInvalidJSON:
			return failure.ClassInvalidJSON
		case validator.CodeMissingRequiredField:
			return failure.ClassMissingField
		case validator.CodeSchemaMismatch, validator.CodeIncompatibleVersion:
			return failure.ClassSchemaInvalid
		}
	}
	return failure.ClassSchemaInvalid
}
