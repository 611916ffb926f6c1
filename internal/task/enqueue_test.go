package task

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

// fakeInserter records the last InsertParams it saw.
type fakeInserter struct {
	last InsertParams
	err  error
}

func (f *fakeInserter) InsertTask(_ context.Context, p InsertParams) (uuid.UUID, error) {
	f.last = p
	return uuid.New(), f.err
}

func TestEnqueue_WrapsEnvelope(t *testing.T) {
	t.Parallel()
	ins := &fakeInserter{}
	policy := RetryPolicy{MaxAttempts: 3, MinBackoff: 30 * time.Second, MaxBackoff: 10 * time.Minute}
	enq := NewEnqueuer(ins, "insight_generate", policy)

	name, err := enq.Enqueue(context.Background(), map[string]string{"job_id": "abc"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !strings.HasPrefix(name, "insight_generate-") {
		t.Errorf("generated name = %q, want queue prefix", name)
	}
	if ins.last.Queue != "insight_generate" {
		t.Errorf("Queue = %q", ins.last.Queue)
	}

	env, err := ParseEnvelope(ins.last.Payload)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if env.Retry != policy {
		t.Errorf("envelope Retry = %+v, want %+v", env.Retry, policy)
	}
	var data map[string]string
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data["job_id"] != "abc" {
		t.Errorf("data = %v", data)
	}
}

func TestEnqueue_Options(t *testing.T) {
	t.Parallel()
	ins := &fakeInserter{}
	enq := NewEnqueuer(ins, "notification_send", RetryPolicy{MaxAttempts: 4})

	jobID := uuid.New()
	at := time.Now().Add(time.Minute)
	name, err := enq.Enqueue(context.Background(), struct{}{},
		WithTaskName("welcome.r2"),
		WithScheduleTime(at),
		WithJobID(jobID),
		WithAttemptSeed(2),
	)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if name != "welcome.r2" {
		t.Errorf("name = %q, want welcome.r2", name)
	}
	if ins.last.Name != "welcome.r2" {
		t.Errorf("InsertParams.Name = %q", ins.last.Name)
	}
	if ins.last.ScheduleTime == nil || !ins.last.ScheduleTime.Equal(at) {
		t.Errorf("ScheduleTime = %v, want %v", ins.last.ScheduleTime, at)
	}
	if ins.last.JobID == nil || *ins.last.JobID != jobID {
		t.Errorf("JobID = %v, want %v", ins.last.JobID, jobID)
	}
	if ins.last.AttemptSeed != 2 {
		t.Errorf("AttemptSeed = %d, want 2", ins.last.AttemptSeed)
	}
}
