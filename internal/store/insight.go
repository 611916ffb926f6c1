// ABOUTME: Store methods for insight_jobs (domain job records) and insights.
// ABOUTME: Attempt records are appended to the job's jsonb payload mid-dispatch.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hollis/wellspring/internal/task"
)

// ErrInsightExists is returned when an insight already exists for a job.
// The unique index on insights.job_id makes re-dispatch of a finished job
// idempotent by construction.
var ErrInsightExists = errors.New("insight already exists for job")

// InsightJob is a domain job record: the business-level lifecycle of one
// insight generation request, distinct from the queue's task bookkeeping.
// Created by the producer before enqueueing; updated only by the insight
// handler afterward. Readers (status polls) must tolerate eventual
// consistency with the task record.
type InsightJob struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	Status       task.JobStatus
	Request      json.RawMessage
	Attempts     json.RawMessage
	RetryCount   int
	FailoverUsed bool
	InsightID    *uuid.UUID
	ErrorMessage string
	DispatchedAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Insight is a persisted generated insight.
type Insight struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	JobID     uuid.UUID
	Title     string
	Summary   string
	Body      json.RawMessage
	Provider  string
	CreatedAt time.Time
}

const insightJobColumns = `id, user_id, status, request, attempts, retry_count, failover_used,
	insight_id, COALESCE(error_message, ''), dispatched_at, created_at, updated_at`

func scanInsightJob(row pgx.Row) (*InsightJob, error) {
	var j InsightJob
	err := row.Scan(&j.ID, &j.UserID, &j.Status, &j.Request, &j.Attempts, &j.RetryCount,
		&j.FailoverUsed, &j.InsightID, &j.ErrorMessage, &j.DispatchedAt,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// CreateInsightJob inserts a queued job for the given user and request
// parameters.
func (s *Store) CreateInsightJob(ctx context.Context, userID uuid.UUID, request json.RawMessage) (*InsightJob, error) {
	j, err := scanInsightJob(s.pool.QueryRow(ctx, `
		INSERT INTO insight_jobs (user_id, request)
		VALUES ($1, $2)
		RETURNING `+insightJobColumns, userID, request))
	if err != nil {
		return nil, fmt.Errorf("create insight job: %w", err)
	}
	return j, nil
}

// GetInsightJob returns the job with the given ID, or (nil, nil) if absent.
func (s *Store) GetInsightJob(ctx context.Context, id uuid.UUID) (*InsightJob, error) {
	j, err := scanInsightJob(s.pool.QueryRow(ctx,
		`SELECT `+insightJobColumns+` FROM insight_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get insight job %s: %w", id, err)
	}
	return j, nil
}

// MarkInsightJobRunning transitions a job to running, stamping dispatched_at
// only on the first dispatch.
func (s *Store) MarkInsightJobRunning(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE insight_jobs SET
			status = 'running',
			dispatched_at = COALESCE(dispatched_at, now()),
			updated_at = now()
		WHERE id = $1 AND status IN ('queued', 'running')`, id)
	if err != nil {
		return fmt.Errorf("mark insight job %s running: %w", id, err)
	}
	return nil
}

// AppendInsightAttempt appends one provider attempt record to the job's
// attempts array and persists immediately, so partial progress is visible
// mid-dispatch. failed attempts also bump the derived retry counter.
func (s *Store) AppendInsightAttempt(ctx context.Context, id uuid.UUID, attempt json.RawMessage, failed bool) error {
	retryBump := 0
	if failed {
		retryBump = 1
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE insight_jobs SET
			attempts = attempts || jsonb_build_array($2::jsonb),
			retry_count = retry_count + $3,
			updated_at = now()
		WHERE id = $1`, id, attempt, retryBump)
	if err != nil {
		return fmt.Errorf("append insight attempt %s: %w", id, err)
	}
	return nil
}

// CompleteInsightJob marks the job succeeded with a reference to the
// created insight.
func (s *Store) CompleteInsightJob(ctx context.Context, id, insightID uuid.UUID, failoverUsed bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE insight_jobs SET
			status = 'succeeded',
			insight_id = $2,
			failover_used = $3,
			error_message = NULL,
			updated_at = now()
		WHERE id = $1`, id, insightID, failoverUsed)
	if err != nil {
		return fmt.Errorf("complete insight job %s: %w", id, err)
	}
	return nil
}

// FailInsightJob marks the job failed with the composite error message.
func (s *Store) FailInsightJob(ctx context.Context, id uuid.UUID, errMsg string, failoverUsed bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE insight_jobs SET
			status = 'failed',
			error_message = $2,
			failover_used = $3,
			updated_at = now()
		WHERE id = $1`, id, errMsg, failoverUsed)
	if err != nil {
		return fmt.Errorf("fail insight job %s: %w", id, err)
	}
	return nil
}

// CountActiveInsightJobs returns the number of queued or running jobs for
// the user. Producers reject new requests while this is nonzero.
func (s *Store) CountActiveInsightJobs(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM insight_jobs
		WHERE user_id = $1 AND status IN ('queued', 'running')`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active insight jobs: %w", err)
	}
	return n, nil
}

// CountInsightJobsSince returns the number of jobs created for the user
// since the given time. Backs the rolling generation rate limit.
func (s *Store) CountInsightJobsSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM insight_jobs
		WHERE user_id = $1 AND created_at >= $2`, userID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count insight jobs since: %w", err)
	}
	return n, nil
}

// CreateInsightParams are the columns of a new insight row.
type CreateInsightParams struct {
	UserID   uuid.UUID
	JobID    uuid.UUID
	Title    string
	Summary  string
	Body     json.RawMessage
	Provider string
}

// CreateInsight persists a generated insight. A second insert for the same
// job returns ErrInsightExists.
func (s *Store) CreateInsight(ctx context.Context, p CreateInsightParams) (*Insight, error) {
	var ins Insight
	err := s.pool.QueryRow(ctx, `
		INSERT INTO insights (user_id, job_id, title, summary, body, provider)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, user_id, job_id, title, summary, body, provider, created_at`,
		p.UserID, p.JobID, p.Title, p.Summary, p.Body, p.Provider,
	).Scan(&ins.ID, &ins.UserID, &ins.JobID, &ins.Title, &ins.Summary, &ins.Body,
		&ins.Provider, &ins.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("create insight for job %s: %w", p.JobID, ErrInsightExists)
		}
		return nil, fmt.Errorf("create insight for job %s: %w", p.JobID, err)
	}
	return &ins, nil
}

// GetInsightByJob returns the insight created for the given job, or
// (nil, nil) if none exists.
func (s *Store) GetInsightByJob(ctx context.Context, jobID uuid.UUID) (*Insight, error) {
	var ins Insight
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, job_id, title, summary, body, provider, created_at
		FROM insights WHERE job_id = $1`, jobID,
	).Scan(&ins.ID, &ins.UserID, &ins.JobID, &ins.Title, &ins.Summary, &ins.Body,
		&ins.Provider, &ins.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get insight for job %s: %w", jobID, err)
	}
	return &ins, nil
}
