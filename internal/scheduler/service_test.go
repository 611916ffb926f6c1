package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestAdd_InvalidSpec(t *testing.T) {
	t.Parallel()
	s := New()
	if err := s.Add("not a cron spec", "bad", func(context.Context) error { return nil }); err == nil {
		t.Error("Add accepted invalid spec")
	}
}

func TestStart_RunsJobsUntilCancelled(t *testing.T) {
	t.Parallel()
	s := New()

	var runs atomic.Int32
	err := s.Add("@every 50ms", "tick", func(context.Context) error {
		runs.Add(1)
		return errors.New("job errors are logged, not fatal")
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	deadline := time.After(3 * time.Second)
	for runs.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("job did not run twice within deadline")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
