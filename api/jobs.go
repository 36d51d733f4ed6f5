package api

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/points-engine/attendance"
	"github.com/warp/points-engine/store/sqlite"
)

// =============================================================================
// JOB RUNNER - Consistency operations tracked in job_runs
// =============================================================================
//
// Every consistency operation started over HTTP or by the scheduler gets a
// job_runs record: pending -> running -> completed | failed. Callers poll
// GET /api/jobs/{id}. A job whose batch had per-employee failures still
// completes; failed_count and the stored result carry the reasons.

// JobRunner executes consistency operations and records their status.
type JobRunner struct {
	Engine *attendance.Engine
	Store  *sqlite.Store
	Logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewJobRunner creates a runner whose async jobs stop on Shutdown.
func NewJobRunner(engine *attendance.Engine, store *sqlite.Store, logger *zap.Logger) *JobRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &JobRunner{Engine: engine, Store: store, Logger: logger, ctx: ctx, cancel: cancel}
}

// Start records a pending job and runs it in the background.
func (jr *JobRunner) Start(ctx context.Context, kind attendance.Kind, scope attendance.ScopeFilter) (sqlite.JobRun, error) {
	run, err := jr.create(ctx, kind, scope)
	if err != nil {
		return sqlite.JobRun{}, err
	}

	jr.wg.Add(1)
	go func() {
		defer jr.wg.Done()
		if _, err := jr.execute(jr.ctx, run, kind, scope); err != nil {
			jr.Logger.Error("consistency job failed",
				zap.String("job_id", run.ID),
				zap.String("kind", string(kind)),
				zap.Error(err))
		}
	}()
	return run, nil
}

// Run records a job and executes it synchronously.
func (jr *JobRunner) Run(ctx context.Context, kind attendance.Kind, scope attendance.ScopeFilter) (sqlite.JobRun, attendance.ConsistencyResult, error) {
	run, err := jr.create(ctx, kind, scope)
	if err != nil {
		return sqlite.JobRun{}, attendance.ConsistencyResult{}, err
	}
	result, err := jr.execute(ctx, run, kind, scope)
	final, getErr := jr.Store.GetJobRun(context.Background(), run.ID)
	if getErr == nil {
		run = *final
	}
	return run, result, err
}

// Wait blocks until every background job has finished.
func (jr *JobRunner) Wait() {
	jr.wg.Wait()
}

// Shutdown cancels background jobs and waits for them. Employees already
// committed stay committed; the rest are untouched.
func (jr *JobRunner) Shutdown() {
	jr.cancel()
	jr.wg.Wait()
}

func (jr *JobRunner) create(ctx context.Context, kind attendance.Kind, scope attendance.ScopeFilter) (sqlite.JobRun, error) {
	if _, err := attendance.ParseKind(string(kind)); err != nil {
		return sqlite.JobRun{}, err
	}
	if err := scope.Validate(); err != nil {
		return sqlite.JobRun{}, err
	}
	scopeJSON, err := json.Marshal(scope)
	if err != nil {
		return sqlite.JobRun{}, fmt.Errorf("encode scope: %w", err)
	}

	run := sqlite.JobRun{
		ID:        uuid.NewString(),
		Kind:      string(kind),
		ScopeJSON: string(scopeJSON),
		Status:    sqlite.JobPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := jr.Store.SaveJobRun(ctx, run); err != nil {
		return sqlite.JobRun{}, err
	}
	return run, nil
}

func (jr *JobRunner) execute(ctx context.Context, run sqlite.JobRun, kind attendance.Kind, scope attendance.ScopeFilter) (attendance.ConsistencyResult, error) {
	started := time.Now().UTC()
	run.Status = sqlite.JobRunning
	run.StartedAt = &started
	if err := jr.Store.SaveJobRun(context.Background(), run); err != nil {
		return attendance.ConsistencyResult{}, err
	}

	jr.Logger.Info("consistency job started",
		zap.String("job_id", run.ID),
		zap.String("kind", string(kind)))

	result, runErr := jr.Engine.RunConsistencyOperation(ctx, kind, scope)

	completed := time.Now().UTC()
	run.CompletedAt = &completed
	run.Affected = result.AffectedCount
	run.FailedCount = len(result.Failed)
	if resultJSON, err := json.Marshal(result); err == nil {
		run.ResultJSON = string(resultJSON)
	}
	if runErr != nil {
		run.Status = sqlite.JobFailed
		run.Error = runErr.Error()
	} else {
		run.Status = sqlite.JobCompleted
	}

	// The job context may be canceled; the final status must still land.
	if err := jr.Store.SaveJobRun(context.Background(), run); err != nil {
		return result, err
	}

	jr.Logger.Info("consistency job finished",
		zap.String("job_id", run.ID),
		zap.String("kind", string(kind)),
		zap.String("status", run.Status),
		zap.Int("affected", run.Affected),
		zap.Int("failed", run.FailedCount))

	return result, runErr
}
