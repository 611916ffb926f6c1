// Package worker provides the runner that claims tasks from the tasks table
// and executes registered handlers, one polling goroutine per queue.
//
// The claim is a single SELECT … FOR UPDATE SKIP LOCKED + UPDATE statement
// (store.ClaimTask); it is the only concurrency-safety mechanism between
// runner instances. Handlers are registered per queue name before Start.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/hollis/wellspring/internal/store"
)

// Result is the explicit outcome of a handler invocation.
//
// Done means the handler finished and already settled its own task record
// (succeeded or failed); the runner does not touch task status. Fail means
// runner-level failure: the runner marks the task failed, records the error,
// and sleeps the error backoff before the next claim. The split makes the
// "clean return = handler's job, failure = runner's job" contract
// statically visible instead of hiding it in error control flow.
type Result struct {
	err error
}

// Done reports a handled task whose terminal status the handler has set.
func Done() Result { return Result{} }

// Fail reports a runner-level failure with the given cause.
func Fail(err error) Result { return Result{err: err} }

// Failf reports a runner-level failure with a formatted cause.
func Failf(format string, args ...any) Result {
	return Result{err: fmt.Errorf(format, args...)}
}

// Err returns the failure cause, or nil for Done.
func (r Result) Err() error { return r.err }

// Handler executes one claimed task. It must be idempotent with respect to
// re-dispatch of the same task name: a crash between handler completion and
// the status write can cause a second delivery.
type Handler func(ctx context.Context, t *store.TaskRecord) Result

// Config tunes the runner's polling behavior.
type Config struct {
	// PollInterval is the idle sleep between claim attempts on an empty
	// queue. This bounds the cost of an idle queue to one query per interval.
	PollInterval time.Duration

	// ErrorBackoff is the sleep after a runner-marked failure, so a
	// systematically broken task does not hot-loop the queue.
	ErrorBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 5 * time.Second
	}
	return c
}
