// Package scheduler runs the periodic producers (wearable sweep and
// similar) on cron specs.
package scheduler

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Service wraps robfig/cron with context-aware jobs and slog reporting.
type Service struct {
	cron *cron.Cron
}

// New returns an empty Service.
func New() *Service {
	return &Service{cron: cron.New()}
}

// Add registers fn to run on the given cron spec (standard 5-field specs
// and @every descriptors). Job errors are logged, never fatal.
func (s *Service) Add(spec, name string, fn func(context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		if err := fn(context.Background()); err != nil {
			slog.Error("scheduled job failed", "job", name, "error", err)
		}
	})
	if err != nil {
		return err
	}
	slog.Info("scheduled job registered", "job", name, "spec", spec)
	return nil
}

// Start runs the scheduler until ctx is cancelled, then waits for any
// running job to finish.
func (s *Service) Start(ctx context.Context) {
	s.cron.Start()
	<-ctx.Done()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	slog.Info("scheduler stopped")
}
