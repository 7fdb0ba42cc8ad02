// Package scheduler runs CounselPipe maintenance jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates a scheduler that accepts standard 5-field expressions
// (min, hour, dom, month, dow) and descriptors such as "@every 10m".
// Overlapping runs of the same job are skipped and panics are recovered.
func NewScheduler() *Scheduler {
	logger := cron.PrintfLogger(slogPrintf{})
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	return &Scheduler{cron: c}
}

// ValidateExpr reports whether expr is a schedule NewScheduler accepts.
func ValidateExpr(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

// AddJob schedules task under name. The task receives the context passed to Run.
func (s *Scheduler) AddJob(ctx context.Context, name, expr string, task func(ctx context.Context) error) error {
	_, err := s.cron.AddFunc(expr, func() {
		if err := task(ctx); err != nil {
			slog.Error("Scheduler: job failed", "job", name, "error", err)
			return
		}
		slog.Debug("Scheduler: job finished", "job", name)
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", expr, name, err)
	}
	slog.Debug("Scheduler.AddJob: job scheduled", "job", name, "schedule", expr)
	return nil
}

// Run starts the scheduler and blocks until ctx is done, then waits for running jobs to finish.
func (s *Scheduler) Run(ctx context.Context) {
	s.cron.Start()
	slog.Info("Scheduler.Run: started", "jobs", len(s.cron.Entries()))
	<-ctx.Done()
	<-s.cron.Stop().Done()
	slog.Info("Scheduler.Run: stopped")
}

// slogPrintf routes cron's internal logging through slog.
type slogPrintf struct{}

func (slogPrintf) Printf(format string, args ...interface{}) {
	slog.Warn("Scheduler: " + fmt.Sprintf(format, args...))
}
