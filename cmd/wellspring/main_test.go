// ABOUTME: Unit tests for worker wiring: the WORKER_QUEUES filter that
// ABOUTME: decides which handlers a process serves.
package main

import (
	"context"
	"testing"

	"github.com/hollis/wellspring/internal/config"
	"github.com/hollis/wellspring/internal/store"
	"github.com/hollis/wellspring/internal/worker"
)

type nopStorage struct{}

func (nopStorage) ClaimTask(context.Context, string) (*store.TaskRecord, error) { return nil, nil }
func (nopStorage) FailTask(context.Context, string, string) error               { return nil }

func TestRegister_QueueFilter(t *testing.T) {
	t.Parallel()
	h := func(context.Context, *store.TaskRecord) worker.Result { return worker.Done() }

	cases := []struct {
		name   string
		queues string
		want   int
	}{
		{"unset serves all", "", 2},
		{"subset", "insight_generate", 1},
		{"spaces trimmed", " insight_generate , notification_send ", 2},
		{"no match leaves pool empty", "bogus", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			pool := worker.New(nopStorage{}, worker.Config{})
			cfg := &config.Config{Queues: tc.queues}
			register(pool, cfg, "insight_generate", h)
			register(pool, cfg, "notification_send", h)
			if got := len(pool.Queues()); got != tc.want {
				t.Errorf("registered %d queues, want %d", got, tc.want)
			}
		})
	}
}
