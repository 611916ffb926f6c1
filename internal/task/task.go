// Package task defines the queue's wire-level contracts: task lifecycle
// states, the payload envelope written at enqueue time, per-queue retry
// policies, and the producer-side enqueue helper.
package task

import "encoding/json"

// Status is the lifecycle state of a task record. Transitions only move
// forward: pending → dispatched → succeeded | failed. There is no automatic
// transition out of failed; re-queueing is a producer responsibility and
// always creates a new task row.
type Status string

const (
	StatusPending    Status = "pending"
	StatusDispatched Status = "dispatched"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// JobStatus is the lifecycle state of a domain job record (e.g. an insight
// generation job). A job's lifecycle is a superset of its task's: a single
// dispatch may run several provider attempts before the task settles.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Envelope wraps every task payload. The business payload stays opaque to
// the queue; the retry descriptor travels with the task so handlers and
// producers consult the same policy without a registry lookup.
type Envelope struct {
	Data  json.RawMessage `json:"data"`
	Retry RetryPolicy     `json:"retry"`
}

// ParseEnvelope decodes the payload column of a task record.
func ParseEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(payload, &env)
	return env, err
}
