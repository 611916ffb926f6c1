// ABOUTME: Store methods for the tasks queue table: insert, claim, settle, list.
// ABOUTME: ClaimTask is the single-statement SKIP LOCKED claim transaction.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hollis/wellspring/internal/task"
)

// ErrDuplicateTask is returned when an insert reuses an existing task name.
// Name collisions are a caller error, never silently deduplicated.
var ErrDuplicateTask = errors.New("task name already exists")

// ErrTaskNotDispatched is returned when a settle operation targets a task
// that is not currently dispatched. Terminal states are never overwritten.
var ErrTaskNotDispatched = errors.New("task is not in dispatched state")

// TaskRecord is one row of the tasks table: a unit of asynchronous work and
// its lifecycle state. Created by producers; status and attempt bookkeeping
// mutated only through ClaimTask, CompleteTask, and FailTask.
type TaskRecord struct {
	ID             uuid.UUID
	Name           string
	Queue          string
	Status         task.Status
	Payload        json.RawMessage
	ScheduleTime   *time.Time
	AttemptCount   int
	FirstAttemptAt *time.Time
	LastAttemptAt  *time.Time
	ErrorMessage   string
	JobID          *uuid.UUID
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

const taskColumns = `id, name, queue, status, payload, schedule_time, attempt_count,
	first_attempt_at, last_attempt_at, COALESCE(error_message, ''), job_id, created_at, updated_at`

func scanTask(row pgx.Row) (*TaskRecord, error) {
	var t TaskRecord
	err := row.Scan(&t.ID, &t.Name, &t.Queue, &t.Status, &t.Payload, &t.ScheduleTime,
		&t.AttemptCount, &t.FirstAttemptAt, &t.LastAttemptAt, &t.ErrorMessage,
		&t.JobID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// InsertTask inserts a pending task. Implements task.Inserter.
func (s *Store) InsertTask(ctx context.Context, p task.InsertParams) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO tasks (name, queue, status, payload, schedule_time, attempt_count, job_id)
		VALUES ($1, $2, 'pending', $3, $4, $5, $6)
		RETURNING id`,
		p.Name, p.Queue, p.Payload, p.ScheduleTime, p.AttemptSeed, p.JobID,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return uuid.Nil, fmt.Errorf("insert task %q: %w", p.Name, ErrDuplicateTask)
		}
		return uuid.Nil, fmt.Errorf("insert task %q: %w", p.Name, err)
	}
	return id, nil
}

// ClaimTask atomically claims the next eligible pending task on the named
// queue and marks it dispatched. Eligibility is schedule_time IS NULL or in
// the past; order is earliest schedule_time first, insertion order breaking
// ties. FOR UPDATE SKIP LOCKED guarantees two concurrent claimers never take
// the same row. Returns (nil, nil) when the queue is empty.
func (s *Store) ClaimTask(ctx context.Context, queue string) (*TaskRecord, error) {
	row := s.pool.QueryRow(ctx, `
		WITH next AS (
			SELECT id FROM tasks
			WHERE queue = $1
			  AND status = 'pending'
			  AND (schedule_time IS NULL OR schedule_time <= now())
			ORDER BY schedule_time ASC NULLS FIRST, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE tasks SET status = 'dispatched', updated_at = now()
		FROM next
		WHERE tasks.id = next.id
		RETURNING tasks.`+taskColumnsPrefixed, queue)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim task (queue %s): %w", queue, err)
	}
	return t, nil
}

// taskColumnsPrefixed is taskColumns with each column qualified for the
// RETURNING clause of the claim CTE.
const taskColumnsPrefixed = `id, tasks.name, tasks.queue, tasks.status, tasks.payload,
	tasks.schedule_time, tasks.attempt_count, tasks.first_attempt_at, tasks.last_attempt_at,
	COALESCE(tasks.error_message, ''), tasks.job_id, tasks.created_at, tasks.updated_at`

// CompleteTask settles a dispatched task as succeeded, stamps attempt
// bookkeeping, and clears any prior error message.
func (s *Store) CompleteTask(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET
			status = 'succeeded',
			attempt_count = attempt_count + 1,
			first_attempt_at = COALESCE(first_attempt_at, now()),
			last_attempt_at = now(),
			error_message = NULL,
			updated_at = now()
		WHERE name = $1 AND status = 'dispatched'`, name)
	if err != nil {
		return fmt.Errorf("complete task %q: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete task %q: %w", name, ErrTaskNotDispatched)
	}
	return nil
}

// FailTask settles a dispatched task as failed, stamps attempt bookkeeping,
// and records the failure detail. Failed is terminal: no code path moves a
// task back to pending or dispatched.
func (s *Store) FailTask(ctx context.Context, name, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET
			status = 'failed',
			attempt_count = attempt_count + 1,
			first_attempt_at = COALESCE(first_attempt_at, now()),
			last_attempt_at = now(),
			error_message = $2,
			updated_at = now()
		WHERE name = $1 AND status = 'dispatched'`, name, errMsg)
	if err != nil {
		return fmt.Errorf("fail task %q: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fail task %q: %w", name, ErrTaskNotDispatched)
	}
	return nil
}

// FailTaskAndEnqueueRetry settles a dispatched task as failed and inserts
// its successor task in the same transaction, so a producer-side retry is
// never lost between the two writes. The successor is a new pending row;
// the failed row stays terminal.
func (s *Store) FailTaskAndEnqueueRetry(ctx context.Context, name, errMsg string, successor task.InsertParams) error {
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE tasks SET
				status = 'failed',
				attempt_count = attempt_count + 1,
				first_attempt_at = COALESCE(first_attempt_at, now()),
				last_attempt_at = now(),
				error_message = $2,
				updated_at = now()
			WHERE name = $1 AND status = 'dispatched'`, name, errMsg)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrTaskNotDispatched
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO tasks (name, queue, status, payload, schedule_time, attempt_count, job_id)
			VALUES ($1, $2, 'pending', $3, $4, $5, $6)`,
			successor.Name, successor.Queue, successor.Payload,
			successor.ScheduleTime, successor.AttemptSeed, successor.JobID)
		return err
	})
	if err != nil {
		return fmt.Errorf("fail task %q with retry: %w", name, err)
	}
	return nil
}

// GetTask returns the task with the given name, or (nil, nil) if absent.
func (s *Store) GetTask(ctx context.Context, name string) (*TaskRecord, error) {
	t, err := scanTask(s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %q: %w", name, err)
	}
	return t, nil
}

// TaskFilter narrows ListTasks. Zero values mean "no filter".
type TaskFilter struct {
	Queue  string
	Status task.Status
	Limit  int
	Offset int
}

// ListTasks returns tasks matching the filter, newest first. Used by the
// ops CLI; the filter is dynamic, so the query is built with squirrel.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]TaskRecord, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	q := psql.Select("id", "name", "queue", "status", "payload", "schedule_time",
		"attempt_count", "first_attempt_at", "last_attempt_at",
		"COALESCE(error_message, '')", "job_id", "created_at", "updated_at").
		From("tasks").
		OrderBy("created_at DESC").
		Limit(uint64(f.Limit)).
		Offset(uint64(f.Offset))
	if f.Queue != "" {
		q = q.Where(squirrel.Eq{"queue": f.Queue})
	}
	if f.Status != "" {
		q = q.Where(squirrel.Eq{"status": string(f.Status)})
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("list tasks: build query: %w", err)
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("list tasks: scan: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}
