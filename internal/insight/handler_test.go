// ABOUTME: Integration tests for the insight handler: provider failover within
// ABOUTME: one dispatch, idempotent re-dispatch, and all-providers-failed.
package insight_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/hollis/wellspring/internal/insight"
	"github.com/hollis/wellspring/internal/store"
	"github.com/hollis/wellspring/internal/task"
	"github.com/hollis/wellspring/internal/testutil"
)

const validResponse = `{
	"title": "Recovery on track",
	"summary": "Strain and rest are balanced this month.",
	"body": {
		"highlights": ["resting heart rate down 4 bpm"],
		"recommendations": [{"area": "recovery", "action": "keep one full rest day per week"}]
	}
}`

// fakeProvider returns canned responses or errors, counting calls.
type fakeProvider struct {
	name  string
	resp  []byte
	err   error
	calls int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Generate(context.Context, string) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

// trackingInvalidator records invalidated user IDs.
type trackingInvalidator struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (t *trackingInvalidator) Invalidate(id uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ids = append(t.ids, id)
}

// dispatchJob creates a job, enqueues its task, and claims it, returning the
// claimed record ready to hand to the handler.
func dispatchJob(t *testing.T, s *testutil.TestDB, userID uuid.UUID) (*store.InsightJob, *store.TaskRecord) {
	t.Helper()
	ctx := context.Background()

	job, err := s.CreateInsightJob(ctx, userID, json.RawMessage(`{"goal":"sleep better","time_range_days":30}`))
	if err != nil {
		t.Fatalf("CreateInsightJob: %v", err)
	}

	enq := task.NewEnqueuer(s.Store, insight.Queue, insight.DefaultPolicy())
	name, err := enq.Enqueue(ctx, map[string]uuid.UUID{"job_id": job.ID}, task.WithJobID(job.ID))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	tsk, err := s.ClaimTask(ctx, insight.Queue)
	if err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if tsk == nil || tsk.Name != name {
		t.Fatalf("claimed %+v, want %s", tsk, name)
	}
	return job, tsk
}

func TestHandle_PrimarySucceeds(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	userID := uuid.New()

	primary := &fakeProvider{name: "primary", resp: []byte(validResponse)}
	fallback := &fakeProvider{name: "fallback", resp: []byte(validResponse)}
	views := &trackingInvalidator{}
	h := insight.NewHandler(s.Store, []insight.Provider{primary, fallback}, views)

	job, tsk := dispatchJob(t, s, userID)
	if err := h.Handle(ctx, tsk).Err(); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	// First success wins: the fallback is never consulted.
	if fallback.calls != 0 {
		t.Errorf("fallback called %d times, want 0", fallback.calls)
	}

	got, _ := s.GetInsightJob(ctx, job.ID)
	if got.Status != task.JobSucceeded {
		t.Errorf("job Status = %q, want succeeded", got.Status)
	}
	if got.FailoverUsed {
		t.Error("FailoverUsed = true for first-provider success")
	}
	if got.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", got.RetryCount)
	}

	ins, _ := s.GetInsightByJob(ctx, job.ID)
	if ins == nil {
		t.Fatal("insight not persisted")
	}
	if ins.Provider != "primary" {
		t.Errorf("Provider = %q, want primary", ins.Provider)
	}

	settled, _ := s.GetTask(ctx, tsk.Name)
	if settled.Status != task.StatusSucceeded {
		t.Errorf("task Status = %q, want succeeded", settled.Status)
	}
	if len(views.ids) != 1 || views.ids[0] != userID {
		t.Errorf("view invalidations = %v, want [%v]", views.ids, userID)
	}
}

func TestHandle_FailoverToSecondProvider(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	primary := &fakeProvider{name: "primary", err: errors.New("429 too many requests")}
	fallback := &fakeProvider{name: "fallback", resp: []byte(validResponse)}
	h := insight.NewHandler(s.Store, []insight.Provider{primary, fallback}, &trackingInvalidator{})

	job, tsk := dispatchJob(t, s, uuid.New())
	if err := h.Handle(ctx, tsk).Err(); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	got, _ := s.GetInsightJob(ctx, job.ID)
	if got.Status != task.JobSucceeded {
		t.Fatalf("job Status = %q, want succeeded", got.Status)
	}
	if !got.FailoverUsed {
		t.Error("FailoverUsed = false, want true after failover")
	}
	if got.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", got.RetryCount)
	}

	// Both attempts recorded in order, partial progress included.
	var attempts []insight.Attempt
	if err := json.Unmarshal(got.Attempts, &attempts); err != nil {
		t.Fatalf("unmarshal attempts: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("len(attempts) = %d, want 2", len(attempts))
	}
	if attempts[0].Provider != "primary" || attempts[0].Status != "failed" {
		t.Errorf("attempts[0] = %+v", attempts[0])
	}
	if attempts[1].Provider != "fallback" || attempts[1].Status != "success" {
		t.Errorf("attempts[1] = %+v", attempts[1])
	}

	ins, _ := s.GetInsightByJob(ctx, job.ID)
	if ins.Provider != "fallback" {
		t.Errorf("insight Provider = %q, want fallback", ins.Provider)
	}
}

func TestHandle_InvalidResponseTriggersFailover(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	// A provider that answers with an unusable body is a failed attempt just
	// like a transport error.
	primary := &fakeProvider{name: "primary", resp: []byte(`{"title":"t","summary":"s","body":{"highlights":[],"recommendations":[]}}`)}
	fallback := &fakeProvider{name: "fallback", resp: []byte(validResponse)}
	h := insight.NewHandler(s.Store, []insight.Provider{primary, fallback}, &trackingInvalidator{})

	job, tsk := dispatchJob(t, s, uuid.New())
	if err := h.Handle(ctx, tsk).Err(); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	got, _ := s.GetInsightJob(ctx, job.ID)
	if got.Status != task.JobSucceeded || !got.FailoverUsed {
		t.Errorf("job = status %q failover %v, want succeeded with failover", got.Status, got.FailoverUsed)
	}
}

func TestHandle_AllProvidersFail(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	primary := &fakeProvider{name: "primary", err: errors.New("connection refused")}
	fallback := &fakeProvider{name: "fallback", err: errors.New("503 overloaded")}
	h := insight.NewHandler(s.Store, []insight.Provider{primary, fallback}, &trackingInvalidator{})

	job, tsk := dispatchJob(t, s, uuid.New())
	// The handler settles both records itself and reports Done: the failure
	// lives in job and task state, not in the runner result.
	if err := h.Handle(ctx, tsk).Err(); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	got, _ := s.GetInsightJob(ctx, job.ID)
	if got.Status != task.JobFailed {
		t.Errorf("job Status = %q, want failed", got.Status)
	}
	if !got.FailoverUsed {
		t.Error("FailoverUsed = false, want true (second provider was tried)")
	}
	if got.ErrorMessage == "" || got.RetryCount != 2 {
		t.Errorf("ErrorMessage = %q, RetryCount = %d", got.ErrorMessage, got.RetryCount)
	}

	settled, _ := s.GetTask(ctx, tsk.Name)
	if settled.Status != task.StatusFailed {
		t.Errorf("task Status = %q, want failed", settled.Status)
	}

	if ins, _ := s.GetInsightByJob(ctx, job.ID); ins != nil {
		t.Error("insight persisted despite total failure")
	}
}

func TestHandle_RedispatchOfSucceededJobIsIdempotent(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	primary := &fakeProvider{name: "primary", resp: []byte(validResponse)}
	h := insight.NewHandler(s.Store, []insight.Provider{primary}, &trackingInvalidator{})

	job, tsk := dispatchJob(t, s, uuid.New())
	if err := h.Handle(ctx, tsk).Err(); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	first, _ := s.GetInsightByJob(ctx, job.ID)

	// A duplicate task for the same finished job settles cleanly without a
	// second generation or a second insight row.
	enq := task.NewEnqueuer(s.Store, insight.Queue, insight.DefaultPolicy())
	if _, err := enq.Enqueue(ctx, map[string]uuid.UUID{"job_id": job.ID}, task.WithJobID(job.ID)); err != nil {
		t.Fatalf("Enqueue duplicate: %v", err)
	}
	dup, err := s.ClaimTask(ctx, insight.Queue)
	if err != nil || dup == nil {
		t.Fatalf("ClaimTask duplicate: %v %v", dup, err)
	}
	if err := h.Handle(ctx, dup).Err(); err != nil {
		t.Fatalf("Handle duplicate: %v", err)
	}

	if primary.calls != 1 {
		t.Errorf("provider calls = %d, want 1 (no duplicate generation)", primary.calls)
	}
	second, _ := s.GetInsightByJob(ctx, job.ID)
	if second.ID != first.ID {
		t.Error("re-dispatch created a second insight")
	}
	settled, _ := s.GetTask(ctx, dup.Name)
	if settled.Status != task.StatusSucceeded {
		t.Errorf("duplicate task Status = %q, want succeeded", settled.Status)
	}
}

func TestHandle_MissingJobFails(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	h := insight.NewHandler(s.Store, []insight.Provider{&fakeProvider{name: "p", resp: []byte(validResponse)}}, &trackingInvalidator{})

	enq := task.NewEnqueuer(s.Store, insight.Queue, insight.DefaultPolicy())
	if _, err := enq.Enqueue(ctx, map[string]uuid.UUID{"job_id": uuid.New()}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	tsk, err := s.ClaimTask(ctx, insight.Queue)
	if err != nil || tsk == nil {
		t.Fatalf("ClaimTask: %v %v", tsk, err)
	}

	if err := h.Handle(ctx, tsk).Err(); err == nil {
		t.Fatal("Handle succeeded for missing job")
	}
}

func TestHandle_SecondDispatchMarksFailover(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	userID := uuid.New()

	// Simulate a queue-level retry: the successor task carries attempt
	// count 1, so even a clean first-provider success counts as failover.
	job, err := s.CreateInsightJob(ctx, userID, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("CreateInsightJob: %v", err)
	}
	payload, _ := json.Marshal(task.Envelope{
		Data:  mustJSON(t, map[string]uuid.UUID{"job_id": job.ID}),
		Retry: insight.DefaultPolicy(),
	})
	_, err = s.InsertTask(ctx, task.InsertParams{
		Queue:       insight.Queue,
		Name:        "retry-dispatch.r1",
		Payload:     payload,
		JobID:       &job.ID,
		AttemptSeed: 1,
	})
	if err != nil {
		t.Fatalf("InsertTask: %v", err)
	}
	tsk, err := s.ClaimTask(ctx, insight.Queue)
	if err != nil || tsk == nil {
		t.Fatalf("ClaimTask: %v %v", tsk, err)
	}

	h := insight.NewHandler(s.Store,
		[]insight.Provider{&fakeProvider{name: "primary", resp: []byte(validResponse)}},
		&trackingInvalidator{})
	if err := h.Handle(ctx, tsk).Err(); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	got, _ := s.GetInsightJob(ctx, job.ID)
	if !got.FailoverUsed {
		t.Error("FailoverUsed = false on a second dispatch, want true")
	}
}

// mustJSON marshals v or fails the test.
func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}
