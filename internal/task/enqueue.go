package task

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InsertParams are the columns a producer controls when inserting a task.
// Payload is the already-wrapped Envelope. AttemptSeed carries the
// accumulated attempt count forward when a failed task is re-enqueued as a
// successor row; zero for fresh work.
type InsertParams struct {
	Queue        string
	Name         string
	Payload      json.RawMessage
	ScheduleTime *time.Time
	JobID        *uuid.UUID
	AttemptSeed  int
}

// Inserter is the narrow store surface the enqueue helper needs.
type Inserter interface {
	InsertTask(ctx context.Context, p InsertParams) (uuid.UUID, error)
}

// Enqueuer inserts pending tasks for a single queue with that queue's fixed
// retry policy. Payload shape is not validated here: the registered handler
// owns payload correctness at dispatch time.
type Enqueuer struct {
	store  Inserter
	queue  string
	policy RetryPolicy
}

// NewEnqueuer returns an Enqueuer for the named queue.
func NewEnqueuer(store Inserter, queue string, policy RetryPolicy) *Enqueuer {
	return &Enqueuer{store: store, queue: queue, policy: policy}
}

// Queue returns the queue name this enqueuer serves.
func (e *Enqueuer) Queue() string { return e.queue }

// Policy returns the queue's retry policy.
func (e *Enqueuer) Policy() RetryPolicy { return e.policy }

type enqueueOptions struct {
	name         string
	scheduleTime *time.Time
	jobID        *uuid.UUID
	attemptSeed  int
}

// Option customizes a single Enqueue call.
type Option func(*enqueueOptions)

// WithTaskName sets an explicit task name. Names must be unique; a collision
// is a caller error surfaced by the insert, never silently deduplicated.
func WithTaskName(name string) Option {
	return func(o *enqueueOptions) { o.name = name }
}

// WithScheduleTime delays eligibility for claim until t.
func WithScheduleTime(t time.Time) Option {
	return func(o *enqueueOptions) { o.scheduleTime = &t }
}

// WithJobID links the task to a domain job record.
func WithJobID(id uuid.UUID) Option {
	return func(o *enqueueOptions) { o.jobID = &id }
}

// WithAttemptSeed seeds the task's attempt counter. Used when a failed task
// is re-enqueued so the successor's attempt_count continues the chain.
func WithAttemptSeed(n int) Option {
	return func(o *enqueueOptions) { o.attemptSeed = n }
}

// Enqueue wraps payload together with the queue's retry policy and inserts a
// pending task. Returns the task name.
func (e *Enqueuer) Enqueue(ctx context.Context, payload any, opts ...Option) (string, error) {
	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.name == "" {
		o.name = e.queue + "-" + uuid.NewString()
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: marshal payload: %w", e.queue, err)
	}
	body, err := json.Marshal(Envelope{Data: data, Retry: e.policy})
	if err != nil {
		return "", fmt.Errorf("enqueue %s: marshal envelope: %w", e.queue, err)
	}

	_, err = e.store.InsertTask(ctx, InsertParams{
		Queue:        e.queue,
		Name:         o.name,
		Payload:      body,
		ScheduleTime: o.scheduleTime,
		JobID:        o.jobID,
		AttemptSeed:  o.attemptSeed,
	})
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", e.queue, err)
	}
	return o.name, nil
}
