package insight

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hollis/wellspring/internal/store"
	"github.com/hollis/wellspring/internal/task"
)

// Admission-control outcomes. The HTTP layer maps these to 409 and 429;
// they are business rules of the producer, not the queue.
var (
	ErrGenerationInProgress = errors.New("an insight generation is already in progress")
	ErrDailyLimit           = errors.New("daily insight generation limit reached")
)

// DefaultPolicy is the insight queue's retry descriptor. Queue-level retry
// exists on top of the handler's internal provider failover.
func DefaultPolicy() task.RetryPolicy {
	return task.RetryPolicy{
		MaxAttempts: 3,
		MinBackoff:  30 * time.Second,
		MaxBackoff:  10 * time.Minute,
	}
}

// Producer admits insight generation requests: it creates the domain job
// record and enqueues the generation task.
type Producer struct {
	store      *store.Store
	enq        *task.Enqueuer
	dailyLimit int
}

// NewProducer returns a Producer. dailyLimit caps generations per user per
// rolling 24 hours; zero or negative disables the cap.
func NewProducer(s *store.Store, enq *task.Enqueuer, dailyLimit int) *Producer {
	return &Producer{store: s, enq: enq, dailyLimit: dailyLimit}
}

// Request admits and enqueues one generation request. The job record is
// created before the task so the task payload can reference it; callers
// poll the job record for status.
func (p *Producer) Request(ctx context.Context, userID uuid.UUID, req Request) (*store.InsightJob, error) {
	active, err := p.store.CountActiveInsightJobs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("insight request: %w", err)
	}
	if active > 0 {
		return nil, ErrGenerationInProgress
	}

	if p.dailyLimit > 0 {
		n, err := p.store.CountInsightJobsSince(ctx, userID, time.Now().Add(-24*time.Hour))
		if err != nil {
			return nil, fmt.Errorf("insight request: %w", err)
		}
		if n >= p.dailyLimit {
			return nil, ErrDailyLimit
		}
	}

	reqJSON, err := json.Marshal(req.Sanitize())
	if err != nil {
		return nil, fmt.Errorf("insight request: marshal params: %w", err)
	}
	job, err := p.store.CreateInsightJob(ctx, userID, reqJSON)
	if err != nil {
		return nil, fmt.Errorf("insight request: %w", err)
	}

	if _, err := p.enq.Enqueue(ctx, taskPayload{JobID: job.ID}, task.WithJobID(job.ID)); err != nil {
		// No task means nothing will ever pick this job up. Settle it now so
		// the active-job conflict check does not lock the user out forever.
		if failErr := p.store.FailInsightJob(ctx, job.ID, fmt.Sprintf("enqueue failed: %v", err), false); failErr != nil {
			slog.Error("insight request: settle orphaned job", "job", job.ID, "error", failErr)
		}
		return nil, fmt.Errorf("insight request: %w", err)
	}
	return job, nil
}
