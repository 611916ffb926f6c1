// ABOUTME: Periodic producer that enqueues sync tasks for users due a token
// ABOUTME: refresh, staggered across a window so vendors see a smooth load.
package wearable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hollis/wellspring/internal/store"
	"github.com/hollis/wellspring/internal/task"
)

// Source enumerates wearable links due for a sync. Backed by the account
// registry, which is an external collaborator here.
type Source interface {
	DueForSync(ctx context.Context, now time.Time) ([]Payload, error)
}

// Sweeper is the cron-driven producer for the wearable queue.
type Sweeper struct {
	src    Source
	enq    *task.Enqueuer
	window time.Duration
}

// NewSweeper returns a Sweeper spreading each batch across window.
func NewSweeper(src Source, enq *task.Enqueuer, window time.Duration) *Sweeper {
	if window <= 0 {
		window = 30 * time.Minute
	}
	return &Sweeper{src: src, enq: enq, window: window}
}

// Run enqueues one sync task per due link. Task names embed the sweep epoch
// so an overlapping sweep collides instead of double-enqueueing; collisions
// are logged and skipped.
func (s *Sweeper) Run(ctx context.Context) error {
	now := time.Now()
	due, err := s.src.DueForSync(ctx, now)
	if err != nil {
		return fmt.Errorf("wearable sweep: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	step := s.window / time.Duration(len(due))
	enqueued, collided := 0, 0
	var failed error
	for i, p := range due {
		name := fmt.Sprintf("%s-%s-%d", Queue, p.UserID, now.Unix())
		_, err := s.enq.Enqueue(ctx, p,
			task.WithTaskName(name),
			task.WithScheduleTime(now.Add(time.Duration(i)*step)),
		)
		switch {
		case errors.Is(err, store.ErrDuplicateTask):
			// An overlapping sweep already enqueued this link.
			slog.Warn("wearable sweep: enqueue skipped", "task", name, "error", err)
			collided++
		case err != nil:
			slog.Error("wearable sweep: enqueue failed", "task", name, "error", err)
			failed = err
		default:
			enqueued++
		}
	}
	slog.Info("wearable sweep complete",
		"due", len(due), "enqueued", enqueued, "collided", collided)
	if failed != nil {
		return fmt.Errorf("wearable sweep: %d of %d enqueues failed, last: %w",
			len(due)-enqueued-collided, len(due), failed)
	}
	return nil
}
