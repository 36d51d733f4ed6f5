/*
scheduler.go - Automated expiration scheduler

PURPOSE:
  Periodically expires due points so SRO and GBRO dates take effect without
  an operator. Each tick runs two consistency jobs, each recorded in
  job_runs like a job started over HTTP:

    1. expire_pending (expiration=sro): Standard Roll-Off for due points
    2. recalculate_gbro:                cascade replay for every employee

DESIGN:
  - Cron expression from configuration (default: daily at 02:15)
  - SkipIfStillRunning: a slow tick never overlaps the next one
  - Employees whose lease is held fail for this tick and are retried on the
    next one

USAGE:
  scheduler := NewScheduler(jobs, DefaultSchedule, logger)
  if err := scheduler.Start(); err != nil { ... }
  // ... later
  scheduler.Stop()

SEE ALSO:
  - jobs.go: JobRunner
  - attendance/consistency.go: The operations
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/warp/points-engine/attendance"
)

// DefaultSchedule runs the expiration pass daily at 02:15.
const DefaultSchedule = "15 2 * * *"

// Scheduler runs the periodic expiration pass.
type Scheduler struct {
	Jobs     *JobRunner
	Schedule string
	Logger   *zap.Logger

	cron    *cron.Cron
	entryID cron.EntryID
	mu      sync.Mutex
}

// NewScheduler creates a new scheduler.
func NewScheduler(jobs *JobRunner, schedule string, logger *zap.Logger) *Scheduler {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{Jobs: jobs, Schedule: schedule, Logger: logger}
}

// Start registers the tick and begins the cron loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return nil
	}

	cronLogger := cron.PrintfLogger(zap.NewStdLog(s.Logger.Named("cron")))
	c := cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	id, err := c.AddFunc(s.Schedule, func() {
		if err := s.RunNow(context.Background()); err != nil {
			s.Logger.Error("scheduled expiration pass failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", s.Schedule, err)
	}

	s.cron = c
	s.entryID = id
	c.Start()

	s.Logger.Info("scheduler started",
		zap.String("schedule", s.Schedule),
		zap.Time("next_run", c.Entry(id).Next))
	return nil
}

// Stop halts the cron loop and waits for a running tick.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
	s.Logger.Info("scheduler stopped")
}

// NextRun returns the next scheduled tick, or zero when stopped.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

// RunNow executes one expiration pass synchronously.
func (s *Scheduler) RunNow(ctx context.Context) error {
	steps := []struct {
		kind  attendance.Kind
		scope attendance.ScopeFilter
	}{
		{attendance.KindExpirePending, attendance.ScopeFilter{Expiration: attendance.ScopeSRO}},
		{attendance.KindRecalculateGbro, attendance.ScopeFilter{}},
	}

	for _, step := range steps {
		run, result, err := s.Jobs.Run(ctx, step.kind, step.scope)
		if err != nil {
			return fmt.Errorf("%s: %w", step.kind, err)
		}
		if result.HasFailures() {
			s.Logger.Warn("expiration pass had failures",
				zap.String("job_id", run.ID),
				zap.String("kind", string(step.kind)),
				zap.Int("failed", len(result.Failed)))
		}
	}
	return nil
}
