package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hollis/wellspring/internal/store"
)

// Storage is the store surface the runner needs: claiming the next task
// and settling runner-marked failures.
type Storage interface {
	ClaimTask(ctx context.Context, queue string) (*store.TaskRecord, error)
	FailTask(ctx context.Context, name, errMsg string) error
}

// Pool manages the runner goroutines: one polling loop per registered
// queue. Loops share nothing but the store's connection pool.
type Pool struct {
	store    Storage
	cfg      Config
	runnerID string
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates a Pool backed by s. A random runnerID is generated at
// construction time to distinguish this process in logs.
func New(s Storage, cfg Config) *Pool {
	return &Pool{
		store:    s,
		cfg:      cfg.withDefaults(),
		runnerID: uuid.NewString(),
		handlers: make(map[string]Handler),
	}
}

// Register associates h with the named queue. Must be called before Start.
// A nil handler is logged and the queue is skipped at startup.
func (p *Pool) Register(queue string, h Handler) {
	if h == nil {
		slog.Error("nil handler for queue, skipping", "queue", queue)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[queue] = h
}

// Queues returns the queue names with registered handlers.
func (p *Pool) Queues() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	queues := make([]string, 0, len(p.handlers))
	for q := range p.handlers {
		queues = append(queues, q)
	}
	return queues
}

// Start launches one polling goroutine per registered queue and blocks
// until ctx is cancelled. Cancellation stops new claims; an in-flight
// handler runs to completion before its loop exits. Start returns after all
// loops have drained.
func (p *Pool) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, q := range p.Queues() {
		wg.Add(1)
		go func(queue string) {
			defer wg.Done()
			p.runQueue(ctx, queue)
		}(q)
	}
	wg.Wait()
	slog.Info("worker pool stopped", "runner_id", p.runnerID)
}

// runQueue is one queue's claim loop. A busy queue claims back to back; an
// empty queue sleeps PollInterval between claims; a runner-marked failure
// sleeps ErrorBackoff.
func (p *Pool) runQueue(ctx context.Context, queue string) {
	slog.Info("worker queue started", "queue", queue, "runner_id", p.runnerID)
	for {
		if ctx.Err() != nil {
			slog.Info("worker queue stopping", "queue", queue)
			return
		}
		claimed, failed := p.processOne(ctx, queue)
		switch {
		case failed:
			if !sleep(ctx, p.cfg.ErrorBackoff) {
				return
			}
		case !claimed:
			if !sleep(ctx, p.cfg.PollInterval) {
				return
			}
		}
	}
}

// processOne claims and executes at most one task. Returns whether a task
// was claimed and whether the runner recorded a failure for it. Nothing a
// handler does may terminate the loop: failures and panics are absorbed
// into task state.
func (p *Pool) processOne(ctx context.Context, queue string) (claimed, failed bool) {
	tsk, err := p.store.ClaimTask(ctx, queue)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("claim task error", "queue", queue, "error", err)
		}
		return false, false
	}
	if tsk == nil {
		return false, false // empty queue; normal case
	}

	p.mu.RLock()
	h := p.handlers[queue]
	p.mu.RUnlock()

	slog.Info("executing task",
		"queue", queue, "task", tsk.Name, "attempts", tsk.AttemptCount)

	// Shutdown is cooperative: a claimed task's handler runs to completion
	// even when ctx is cancelled mid-flight, and its status write must not
	// be aborted by the cancellation.
	runCtx := context.WithoutCancel(ctx)
	res := invoke(runCtx, h, tsk)

	if err := res.Err(); err != nil {
		slog.Error("task handler failed",
			"queue", queue, "task", tsk.Name, "error", err)
		if failErr := p.store.FailTask(runCtx, tsk.Name, err.Error()); failErr != nil {
			// The handler may have settled the task itself before failing.
			if errors.Is(failErr, store.ErrTaskNotDispatched) {
				slog.Debug("task already settled", "task", tsk.Name)
			} else {
				slog.Error("fail task error", "task", tsk.Name, "error", failErr)
			}
		}
		return true, true
	}

	// Clean return: the handler owns the terminal status; never overwrite.
	slog.Info("task handled", "queue", queue, "task", tsk.Name)
	return true, false
}

// invoke runs h with panic absorption. A panicking handler is a runner-level
// failure, not a process crash.
func invoke(ctx context.Context, h Handler, tsk *store.TaskRecord) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Failf("handler panic: %v", r)
		}
	}()
	return h(ctx, tsk)
}

// RunOnce claims and executes at most one task from the named queue,
// reporting whether one was claimed. Used in tests only.
func (p *Pool) RunOnce(ctx context.Context, queue string) bool {
	claimed, _ := p.processOne(ctx, queue)
	return claimed
}

// sleep waits for d or ctx cancellation, reporting false on cancellation.
// Uses time.NewTimer (not time.After) to avoid leaking the timer.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
