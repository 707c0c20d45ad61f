package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/DemonGiggle/criticizer/internal/config"
	"github.com/DemonGiggle/criticizer/internal/failure"
	"github.com/DemonGiggle/criticizer/internal/fetcher"
	"github.com/DemonGiggle/criticizer/internal/models"
	"github.com/DemonGiggle/criticizer/internal/outbox"
	"github.com/DemonGiggle/criticizer/internal/validator"
)

type fakeFetch struct {
	files []string
	err   error
}

func (f *fakeFetch) FetchChange(_ context.Context, changelistID int64, _ []string) (fetcher.Change, error) {
	if f.err != nil {
		return fetcher.Change{}, f.err
	}
	return fetcher.Change{ChangelistID: changelistID, Files: f.files}, nil
}

type fakeModel struct {
	raw []byte
	err error
}

func (f *fakeModel) Review(_ context.Context, _ int64, _ []string) ([]byte, error) {
	return f.raw, f.err
}

type fakeNotifier struct {
	materialized int
	delivered    int
	results      []outbox.DeliveryResult
	deliverErr   error
}

func (f *fakeNotifier) Materialize(_ context.Context, _ string, _ int64, _ int, recipients []string, _ []byte) error {
	f.materialized += len(recipients)
	return nil
}

func (f *fakeNotifier) DeliverPending(_ context.Context, _ string) ([]outbox.DeliveryResult, error) {
	f.delivered++
	return f.results, f.deliverErr
}

type fakeArtifacts struct {
	uploads map[string][]byte
}

func (f *fakeArtifacts) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	if f.uploads == nil {
		f.uploads = map[string][]byte{}
	}
	f.uploads[key] = body
	return "local/" + key, nil
}

type fakeResults struct {
	refs map[string]string
}

func (f *fakeResults) SetJobResultRef(_ context.Context, id, ref string) error {
	if f.refs == nil {
		f.refs = map[string]string{}
	}
	f.refs[id] = ref
	return nil
}

type fakeFinalizer struct {
	finalized bool
	ok        bool
}

func (f *fakeFinalizer) Finalize(_ context.Context, _ string, succeeded bool) (bool, error) {
	f.finalized = succeeded
	return f.ok, nil
}

type fakeReplays struct {
	resolved []string
}

func (f *fakeReplays) ResolveReplaying(_ context.Context, jobID string) error {
	f.resolved = append(f.resolved, jobID)
	return nil
}

func testStages(model *fakeModel, notifier *fakeNotifier, finalizer *fakeFinalizer) (*Stages, *fakeArtifacts, *fakeResults, *fakeReplays) {
	artifacts := &fakeArtifacts{}
	results := &fakeResults{}
	replays := &fakeReplays{}
	cfg := config.Load()
	s := NewStages(StagesParams{
		Config:  cfg,
		Fetcher: &fakeFetch{files: []string{"src/a.py"}},
		Model:   model,
		Validator: validator.New(validator.Config{
			SchemaMajor:      1,
			PromptMajorMinor: "1.0",
			AllowPatchDrift:  true,
		}),
		Artifacts: artifacts,
		Notifier:  notifier,
		Results:   results,
		Finalizer: finalizer,
		Replays:   replays,
	})
	return s, artifacts, results, replays
}

func testItem(stage string) models.WorkItem {
	return models.WorkItem{ID: "w-1", JobID: "job-1", Stage: stage, AttemptCount: 1}
}

func testPayloadWithFiles() models.StagePayload {
	return models.StagePayload{
		JobID: "job-1", ChangelistID: 42, ReviewVersion: 1,
		Recipients: []string{"alice", "bob"}, ChangedFiles: []string{"src/a.py"},
	}
}

func TestFetchStageChainsWithChangedFiles(t *testing.T) {
	s, _, _, _ := testStages(&fakeModel{}, &fakeNotifier{}, &fakeFinalizer{ok: true})

	next, err := s.Fetch(context.Background(), testItem(models.StageFetch), models.StagePayload{
		JobID: "job-1", ChangelistID: 42, ReviewVersion: 1, Recipients: []string{"alice"},
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if next == nil || next.Stage != models.StageLLM || len(next.Payload.ChangedFiles) != 1 {
		t.Fatalf("unexpected next stage: %+v", next)
	}
}

func TestReviewStageValidatesStoresAndMaterializes(t *testing.T) {
	raw := []byte(`{"schema_version":"1.0","prompt_version":"1.0","findings":[
		{"id":"f1","severity":"high","category":"correctness","title":"t","file":"src/a.py","line":5,"message":"m"}
	]}`)
	notifier := &fakeNotifier{}
	s, artifacts, results, _ := testStages(&fakeModel{raw: raw}, notifier, &fakeFinalizer{ok: true})

	next, err := s.Review(context.Background(), testItem(models.StageLLM), testPayloadWithFiles())
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if next == nil || next.Stage != models.StageNotify {
		t.Fatalf("unexpected next: %+v", next)
	}
	if next.Payload.ResultRef == "" {
		t.Fatal("result ref not threaded to notify stage")
	}
	if results.refs["job-1"] == "" {
		t.Fatal("result_ref not recorded on job")
	}
	if notifier.materialized != 2 {
		t.Fatalf("materialized %d rows, want 2", notifier.materialized)
	}
	if _, ok := artifacts.uploads["raw/job-1-1.json"]; !ok {
		t.Fatalf("raw payload not archived: %v", artifacts.uploads)
	}
	if _, ok := artifacts.uploads["results/job-1.json"]; !ok {
		t.Fatalf("validated result not archived: %v", artifacts.uploads)
	}
}

func TestReviewStageRejectionIsNonRetryable(t *testing.T) {
	s, _, _, _ := testStages(&fakeModel{raw: []byte(`{broken`)}, &fakeNotifier{}, &fakeFinalizer{ok: true})

	_, err := s.Review(context.Background(), testItem(models.StageLLM), testPayloadWithFiles())
	if err == nil {
		t.Fatal("expected rejection")
	}
	class := failure.Classify(err)
	if class != failure.ClassInvalidJSON {
		t.Fatalf("class = %s, want %s", class, failure.ClassInvalidJSON)
	}
	if failure.Retryable(class) {
		t.Fatal("validator rejections must not re-enter the retry loop")
	}
}

func TestReviewStagePropagatesModelErrors(t *testing.T) {
	modelErr := failure.New(failure.ClassRateLimited, errors.New("429"))
	s, _, _, _ := testStages(&fakeModel{err: modelErr}, &fakeNotifier{}, &fakeFinalizer{ok: true})

	_, err := s.Review(context.Background(), testItem(models.StageLLM), testPayloadWithFiles())
	if failure.Classify(err) != failure.ClassRateLimited {
		t.Fatalf("model error class lost: %v", err)
	}
}

func TestNotifyStageFinalizesAndResolvesReplays(t *testing.T) {
	notifier := &fakeNotifier{results: []outbox.DeliveryResult{
		{Recipient: "alice", Status: outbox.StatusSent},
		{Recipient: "bob", Status: outbox.StatusAlreadySent},
	}}
	finalizer := &fakeFinalizer{ok: true}
	s, _, _, replays := testStages(&fakeModel{}, notifier, finalizer)

	next, err := s.Notify(context.Background(), testItem(models.StageNotify), testPayloadWithFiles())
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if next != nil {
		t.Fatal("notify is the last stage")
	}
	if !finalizer.finalized {
		t.Fatal("job not finalized")
	}
	if len(replays.resolved) != 1 || replays.resolved[0] != "job-1" {
		t.Fatalf("replays not resolved: %v", replays.resolved)
	}
}

func TestNotifyStagePermanentRecipientFailureBlocksSuccess(t *testing.T) {
	notifier := &fakeNotifier{results: []outbox.DeliveryResult{
		{Recipient: "alice", Status: outbox.StatusSent},
		{Recipient: "ghost", Status: outbox.StatusFailedPermanent},
	}}
	s, _, _, _ := testStages(&fakeModel{}, notifier, &fakeFinalizer{ok: true})

	_, err := s.Notify(context.Background(), testItem(models.StageNotify), testPayloadWithFiles())
	if err == nil {
		t.Fatal("permanent recipient failure must fail the stage")
	}
	if failure.Retryable(failure.Classify(err)) {
		t.Fatal("permanent recipient failure must not be retryable")
	}
}

func TestNotifyStageRetryableDeliveryErrorSurfaces(t *testing.T) {
	notifier := &fakeNotifier{deliverErr: fmt.Errorf("send: %w", failure.New(failure.ClassUpstream5xx, errors.New("down")))}
	s, _, _, _ := testStages(&fakeModel{}, notifier, &fakeFinalizer{ok: true})

	_, err := s.Notify(context.Background(), testItem(models.StageNotify), testPayloadWithFiles())
	if failure.Classify(err) != failure.ClassUpstream5xx {
		t.Fatalf("delivery error class lost: %v", err)
	}
}
