package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/warp/points-engine/generic"
)

// =============================================================================
// JOB RUNS - Status records for long consistency operations
// =============================================================================

// Job statuses.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// JobRun tracks one consistency operation.
type JobRun struct {
	ID          string
	Kind        string
	ScopeJSON   string
	Status      string // pending, running, completed, failed
	Affected    int
	FailedCount int
	ResultJSON  string
	Error       string
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
}

// SaveJobRun inserts or updates a job run.
func (s *Store) SaveJobRun(ctx context.Context, r JobRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	if r.ScopeJSON == "" {
		r.ScopeJSON = "{}"
	}

	query := `
		INSERT INTO job_runs (id, kind, scope_json, status, affected, failed_count,
			result_json, error, started_at, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			affected = excluded.affected,
			failed_count = excluded.failed_count,
			result_json = excluded.result_json,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.Kind, r.ScopeJSON, r.Status, r.Affected, r.FailedCount,
		nullString(r.ResultJSON), nullString(r.Error),
		nullTime(r.StartedAt), nullTime(r.CompletedAt),
		r.CreatedAt.UTC().Format(timestampLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to save job run: %w", err)
	}
	return nil
}

// GetJobRun returns a job run by id.
func (s *Store) GetJobRun(ctx context.Context, id string) (*JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs, err := s.queryJobRuns(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("job run %s: %w", id, generic.ErrEntityNotFound)
	}
	return &runs[0], nil
}

// ListJobRuns returns job runs, newest first, optionally filtered by status.
func (s *Store) ListJobRuns(ctx context.Context, status string, limit int) ([]JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	if status != "" {
		return s.queryJobRuns(ctx, `WHERE status = ? ORDER BY created_at DESC, id LIMIT ?`, status, limit)
	}
	return s.queryJobRuns(ctx, `ORDER BY created_at DESC, id LIMIT ?`, limit)
}

func (s *Store) queryJobRuns(ctx context.Context, where string, args ...any) ([]JobRun, error) {
	query := `
		SELECT id, kind, scope_json, status, affected, failed_count, result_json,
			error, started_at, completed_at, created_at
		FROM job_runs ` + where

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query job runs: %w", err)
	}
	defer rows.Close()

	var runs []JobRun
	for rows.Next() {
		var (
			r                      JobRun
			resultJSON, errText    sql.NullString
			startedAt, completedAt sql.NullString
			createdAt              string
		)
		if err := rows.Scan(
			&r.ID, &r.Kind, &r.ScopeJSON, &r.Status, &r.Affected, &r.FailedCount,
			&resultJSON, &errText, &startedAt, &completedAt, &createdAt,
		); err != nil {
			return nil, err
		}
		r.ResultJSON = resultJSON.String
		r.Error = errText.String
		r.StartedAt = parseNullTime(startedAt)
		r.CompletedAt = parseNullTime(completedAt)
		r.CreatedAt, _ = time.Parse(timestampLayout, createdAt)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
