package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DemonGiggle/criticizer/internal/models"
)

type outboxState struct {
	notified        bool
	failedPermanent bool
}

type outboxRowKey struct {
	changelist int64
	recipient  string
	version    int
}

type fakeJobStore struct {
	mu     sync.Mutex
	nextID int
	jobs   map[string]*models.Job // by id
	byKey  map[string]string      // idempotency key -> id
	// outbox rows keyed by (changelist, recipient, version), consulted by the
	// finalize gate the way the SQL predicate consults the outbox table.
	outbox map[outboxRowKey]*outboxState
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{
		jobs:   map[string]*models.Job{},
		byKey:  map[string]string{},
		outbox: map[outboxRowKey]*outboxState{},
	}
}

func (f *fakeJobStore) CreateJob(_ context.Context, idempotencyKey string, changelistID int64, reviewVersion int) (models.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.byKey[idempotencyKey]; ok {
		return *f.jobs[id], false, nil
	}
	f.nextID++
	id := fmt.Sprintf("job-%d", f.nextID)
	now := time.Now().UTC()
	job := &models.Job{
		ID: id, IdempotencyKey: idempotencyKey, ChangelistID: changelistID,
		ReviewVersion: reviewVersion, Status: models.JobPending,
		CreatedAt: now, UpdatedAt: now,
	}
	f.jobs[id] = job
	f.byKey[idempotencyKey] = id
	return *job, true, nil
}

func (f *fakeJobStore) GetJob(_ context.Context, id string) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s not found", id)
	}
	return *job, nil
}

func (f *fakeJobStore) LatestJobForChangelist(_ context.Context, changelistID int64, succeededOnly bool) (models.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *models.Job
	for i := 1; i <= f.nextID; i++ {
		job, ok := f.jobs[fmt.Sprintf("job-%d", i)]
		if !ok || job.ChangelistID != changelistID {
			continue
		}
		if succeededOnly && job.Status != models.JobSucceeded {
			continue
		}
		if best == nil || job.ReviewVersion >= best.ReviewVersion {
			best = job
		}
	}
	if best == nil {
		return models.Job{}, false, nil
	}
	return *best, true, nil
}

func (f *fakeJobStore) TransitionJob(_ context.Context, id, fromStatus, toStatus string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok || job.Status != fromStatus {
		return 0, nil
	}
	job.Status = toStatus
	return 1, nil
}

func (f *fakeJobStore) FinalizeJobSucceeded(_ context.Context, id string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok || job.Status != models.JobInProgress {
		return 0, nil
	}
	for key, state := range f.outbox {
		if key.changelist != job.ChangelistID || key.version != job.ReviewVersion {
			continue
		}
		if !state.notified || state.failedPermanent {
			return 0, nil
		}
	}
	job.Status = models.JobSucceeded
	return 1, nil
}

func (f *fakeJobStore) AppendAudit(_ context.Context, jobID, event, detail string) error {
	return nil
}

type enqueued struct {
	JobID, Stage string
}

type fakeQueue struct {
	mu    sync.Mutex
	items []enqueued
}

func (f *fakeQueue) Enqueue(_ context.Context, jobID, stage string, payload []byte, priority int, runAt time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, enqueued{jobID, stage})
	return fmt.Sprintf("w-%d", len(f.items)), nil
}

func TestSubmitDuplicateIdempotencyKey(t *testing.T) {
	st := newFakeJobStore()
	q := &fakeQueue{}
	d := New(st, q, nil)
	ctx := context.Background()

	first, err := d.Submit(ctx, "key-A", 42, 1, []string{"alice"}, 0)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !first.Created || first.Status != StatusCreated {
		t.Fatalf("unexpected first submit: %+v", first)
	}

	second, err := d.Submit(ctx, "key-A", 42, 1, []string{"alice"}, 0)
	if err != nil {
		t.Fatalf("Submit duplicate: %v", err)
	}
	if second.Created || second.Job.ID != first.Job.ID {
		t.Fatalf("duplicate must return the first job: %+v", second)
	}
	if len(st.jobs) != 1 {
		t.Fatalf("exactly one job row expected, got %d", len(st.jobs))
	}
	if len(q.items) != 1 || q.items[0].Stage != models.StageFetch {
		t.Fatalf("exactly one fetch enqueue expected: %+v", q.items)
	}
}

func TestVersionedRerun(t *testing.T) {
	st := newFakeJobStore()
	q := &fakeQueue{}
	d := New(st, q, nil)
	ctx := context.Background()

	first, err := d.Submit(ctx, "key-v3", 42, 3, []string{"alice"}, 0)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	st.mu.Lock()
	st.jobs[first.Job.ID].Status = models.JobSucceeded
	st.mu.Unlock()

	// Same version: no-op, returns the prior job.
	same, err := d.RequestRerun(ctx, 42, 3, "key-v3-again", []string{"alice"}, 0)
	if err != nil {
		t.Fatalf("RequestRerun same version: %v", err)
	}
	if !same.Allowed || same.Job.ID != first.Job.ID || same.Reason != StatusAlreadySucceeded {
		t.Fatalf("same-version rerun should return prior job: %+v", same)
	}

	// Older version: blocked.
	stale, err := d.RequestRerun(ctx, 42, 2, "key-v2", []string{"alice"}, 0)
	if err != nil {
		t.Fatalf("RequestRerun stale: %v", err)
	}
	if stale.Allowed || stale.Reason != StatusStaleReviewVersion {
		t.Fatalf("stale rerun should be blocked: %+v", stale)
	}

	// Greater version: new job under a new key.
	next, err := d.RequestRerun(ctx, 42, 4, "key-v4", []string{"alice"}, 0)
	if err != nil {
		t.Fatalf("RequestRerun v4: %v", err)
	}
	if !next.Allowed || next.Job.ID == first.Job.ID || next.Job.ReviewVersion != 4 {
		t.Fatalf("v4 rerun should create a new job: %+v", next)
	}
	if len(q.items) != 2 {
		t.Fatalf("expected two enqueues, got %d", len(q.items))
	}
}

func TestRerunBlockedWhileVersionInFlight(t *testing.T) {
	st := newFakeJobStore()
	d := New(st, &fakeQueue{}, nil)
	ctx := context.Background()

	first, err := d.Submit(ctx, "key-v1", 42, 1, []string{"alice"}, 0)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	st.mu.Lock()
	st.jobs[first.Job.ID].Status = models.JobInProgress
	st.mu.Unlock()

	blocked, err := d.RequestRerun(ctx, 42, 1, "key-v1-retry", []string{"alice"}, 0)
	if err != nil {
		t.Fatalf("RequestRerun: %v", err)
	}
	if blocked.Allowed || blocked.Reason != StatusVersionInFlight {
		t.Fatalf("in-flight same-version rerun must block: %+v", blocked)
	}
}

func TestRerunAfterFailureNeedsDistinctKey(t *testing.T) {
	st := newFakeJobStore()
	d := New(st, &fakeQueue{}, nil)
	ctx := context.Background()

	first, err := d.Submit(ctx, "key-v1", 42, 1, []string{"alice"}, 0)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	st.mu.Lock()
	st.jobs[first.Job.ID].Status = models.JobFailed
	st.mu.Unlock()

	rejected, err := d.RequestRerun(ctx, 42, 1, "key-v1", []string{"alice"}, 0)
	if err != nil {
		t.Fatalf("RequestRerun: %v", err)
	}
	if rejected.Allowed {
		t.Fatalf("reusing the failed job's key must block: %+v", rejected)
	}

	allowed, err := d.RequestRerun(ctx, 42, 1, "key-v1-retry", []string{"alice"}, 0)
	if err != nil {
		t.Fatalf("RequestRerun distinct key: %v", err)
	}
	if !allowed.Allowed || allowed.Job.ID == first.Job.ID {
		t.Fatalf("distinct key should admit a fresh job: %+v", allowed)
	}
}

func TestSubmitBlocksVersionsAtOrBelowSucceeded(t *testing.T) {
	st := newFakeJobStore()
	d := New(st, &fakeQueue{}, nil)
	ctx := context.Background()

	first, err := d.Submit(ctx, "key-v5", 42, 5, nil, 0)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	st.mu.Lock()
	st.jobs[first.Job.ID].Status = models.JobSucceeded
	st.mu.Unlock()

	same, _ := d.Submit(ctx, "key-v5-dup", 42, 5, nil, 0)
	if same.Created || same.Status != StatusAlreadySucceeded {
		t.Fatalf("same-version submit should be a no-op: %+v", same)
	}
	stale, _ := d.Submit(ctx, "key-v4", 42, 4, nil, 0)
	if stale.Created || stale.Status != StatusStaleReviewVersion {
		t.Fatalf("stale submit should be refused: %+v", stale)
	}
}

func TestFinalizeGatesOnOutbox(t *testing.T) {
	st := newFakeJobStore()
	d := New(st, &fakeQueue{}, nil)
	ctx := context.Background()

	submitted, err := d.Submit(ctx, "key-f", 42, 1, []string{"alice"}, 0)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	st.mu.Lock()
	st.jobs[submitted.Job.ID].Status = models.JobInProgress
	st.outbox[outboxRowKey{42, "alice", 1}] = &outboxState{notified: false}
	st.mu.Unlock()

	ok, err := d.Finalize(ctx, submitted.Job.ID, true)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if ok {
		t.Fatal("finalize must refuse while a delivery is unnotified")
	}

	st.mu.Lock()
	st.outbox[outboxRowKey{42, "alice", 1}].notified = true
	st.mu.Unlock()

	ok, err = d.Finalize(ctx, submitted.Job.ID, true)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !ok {
		t.Fatal("finalize should pass once every delivery is notified")
	}
	job, _ := st.GetJob(ctx, submitted.Job.ID)
	if job.Status != models.JobSucceeded {
		t.Fatalf("job status = %s", job.Status)
	}
}
