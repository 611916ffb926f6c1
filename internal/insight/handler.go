// ABOUTME: The insight queue handler: per-dispatch multi-provider failover.
// ABOUTME: Queue-level retry is separate dispatches; failover is providers within one.
package insight

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hollis/wellspring/internal/cache"
	"github.com/hollis/wellspring/internal/store"
	"github.com/hollis/wellspring/internal/task"
	"github.com/hollis/wellspring/internal/worker"
)

// taskPayload is the business payload carried inside the task envelope.
type taskPayload struct {
	JobID uuid.UUID `json:"job_id"`
}

// Attempt is one provider attempt record appended to the job's attempt list.
type Attempt struct {
	Provider string    `json:"provider"`
	Status   string    `json:"status"` // "success" or "failed"
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// Handler runs the failover state machine for one dispatch: providers are
// tried in fixed order, the first success wins, and every attempt is
// persisted to the job record as it happens.
type Handler struct {
	store     *store.Store
	providers []Provider
	views     cache.Invalidator
}

// NewHandler returns a Handler over the given provider pipeline.
func NewHandler(s *store.Store, providers []Provider, views cache.Invalidator) *Handler {
	return &Handler{store: s, providers: providers, views: views}
}

// Handle implements worker.Handler for the insight queue.
func (h *Handler) Handle(ctx context.Context, tsk *store.TaskRecord) worker.Result {
	env, err := task.ParseEnvelope(tsk.Payload)
	if err != nil {
		return worker.Failf("parse task envelope: %v", err)
	}
	var p taskPayload
	if err := json.Unmarshal(env.Data, &p); err != nil || p.JobID == uuid.Nil {
		return worker.Failf("task %s carries no insight job id", tsk.Name)
	}

	job, err := h.store.GetInsightJob(ctx, p.JobID)
	if err != nil {
		return worker.Fail(err)
	}
	if job == nil {
		return worker.Failf("insight job %s not found", p.JobID)
	}

	// Re-dispatch of a finished job must not create a second insight.
	if job.Status == task.JobSucceeded {
		slog.Info("insight job already succeeded, settling task",
			"job_id", job.ID, "task", tsk.Name)
		if err := h.store.CompleteTask(ctx, tsk.Name); err != nil {
			return worker.Fail(err)
		}
		return worker.Done()
	}

	if err := h.store.MarkInsightJobRunning(ctx, job.ID); err != nil {
		return worker.Fail(err)
	}

	var req Request
	if err := json.Unmarshal(job.Request, &req); err != nil {
		return worker.Failf("insight job %s: malformed request: %v", job.ID, err)
	}
	prompt := BuildPrompt(req.Sanitize())

	var (
		lastErr      error
		lastProvider string
		tried        int
	)
	for _, prov := range h.providers {
		tried++
		gen, genErr := h.generate(ctx, prov, prompt)
		if genErr != nil {
			// Record the failed attempt immediately so partial progress is
			// visible mid-dispatch, then fail over to the next provider.
			lastErr, lastProvider = genErr, prov.Name()
			slog.Warn("insight provider failed",
				"job_id", job.ID, "provider", prov.Name(), "error", genErr)
			h.appendAttempt(ctx, job.ID, Attempt{
				Provider: prov.Name(), Status: "failed",
				Detail: genErr.Error(), At: time.Now().UTC(),
			}, true)
			continue
		}
		return h.succeed(ctx, tsk, job, prov.Name(), gen, tried)
	}

	failover := tsk.AttemptCount > 0 || tried > 1
	msg := fmt.Sprintf("all %d providers failed; last error (%s): %v",
		tried, lastProvider, lastErr)
	if err := h.store.FailInsightJob(ctx, job.ID, msg, failover); err != nil {
		return worker.Fail(err)
	}
	if err := h.store.FailTask(ctx, tsk.Name, msg); err != nil {
		return worker.Fail(err)
	}
	return worker.Done()
}

// generate invokes one provider and validates its response.
func (h *Handler) generate(ctx context.Context, prov Provider, prompt string) (*Generation, error) {
	raw, err := prov.Generate(ctx, prompt)
	if err != nil {
		return nil, err
	}
	return parseGeneration(raw)
}

// succeed persists the insight, records the winning attempt, and settles
// job and task. First success wins; later providers are never tried.
func (h *Handler) succeed(ctx context.Context, tsk *store.TaskRecord, job *store.InsightJob,
	provider string, gen *Generation, tried int) worker.Result {

	ins, err := h.store.CreateInsight(ctx, store.CreateInsightParams{
		UserID:   job.UserID,
		JobID:    job.ID,
		Title:    gen.Title,
		Summary:  gen.Summary,
		Body:     gen.Body,
		Provider: provider,
	})
	if errors.Is(err, store.ErrInsightExists) {
		// A prior dispatch crashed between insert and settle; reuse its row.
		ins, err = h.store.GetInsightByJob(ctx, job.ID)
		if err == nil && ins == nil {
			err = fmt.Errorf("insight for job %s exists but not found", job.ID)
		}
	}
	if err != nil {
		return worker.Fail(err)
	}

	h.views.Invalidate(job.UserID)
	h.appendAttempt(ctx, job.ID, Attempt{
		Provider: provider, Status: "success", At: time.Now().UTC(),
	}, false)

	failover := tsk.AttemptCount > 0 || tried > 1
	if err := h.store.CompleteInsightJob(ctx, job.ID, ins.ID, failover); err != nil {
		return worker.Fail(err)
	}
	if err := h.store.CompleteTask(ctx, tsk.Name); err != nil {
		return worker.Fail(err)
	}
	slog.Info("insight generated",
		"job_id", job.ID, "insight_id", ins.ID, "provider", provider,
		"failover_used", failover)
	return worker.Done()
}

// appendAttempt persists one attempt record; persistence errors are logged,
// not fatal, so bookkeeping trouble cannot mask the business outcome.
func (h *Handler) appendAttempt(ctx context.Context, jobID uuid.UUID, a Attempt, failed bool) {
	raw, err := json.Marshal(a)
	if err != nil {
		slog.Error("marshal insight attempt", "job_id", jobID, "error", err)
		return
	}
	if err := h.store.AppendInsightAttempt(ctx, jobID, raw, failed); err != nil {
		slog.Error("append insight attempt", "job_id", jobID, "error", err)
	}
}
