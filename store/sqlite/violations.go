package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/warp/points-engine/attendance"
	"github.com/warp/points-engine/generic"
)

// =============================================================================
// VIOLATION SOURCE (attendance.ViolationSource interface)
// =============================================================================

// RecordViolations appends violation occurrences to the source read model.
func (s *Store) RecordViolations(ctx context.Context, violations []attendance.Violation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	query := `
		INSERT INTO attendance_violations
		(employee_id, shift_date, point_type, tardy_minutes, undertime_minutes,
		 is_advised, violation_details, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	recordedAt := s.now().UTC().Format(timestampLayout)
	for _, v := range violations {
		if v.ShiftDate.IsZero() {
			return &attendance.ValidationError{Field: "shift_date", Reason: "required"}
		}
		_, err := sqlTx.ExecContext(ctx, query,
			v.EmployeeID,
			v.ShiftDate.String(),
			v.PointType,
			nullInt(v.TardyMinutes),
			nullInt(v.UndertimeMinutes),
			v.IsAdvised,
			nullString(v.Details),
			recordedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to record violation: %w", err)
		}
	}
	return sqlTx.Commit()
}

// ListUnprocessedViolations returns violations in the period whose
// (employee, shift date, point type) slot has no point yet.
func (s *Store) ListUnprocessedViolations(ctx context.Context, period generic.Period) ([]attendance.Violation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT v.employee_id, v.shift_date, v.point_type, v.tardy_minutes,
		       v.undertime_minutes, v.is_advised, v.violation_details
		FROM attendance_violations v
		WHERE NOT EXISTS (
			SELECT 1 FROM attendance_points p
			WHERE p.employee_id = v.employee_id
			  AND p.shift_date = v.shift_date
			  AND p.point_type = v.point_type
		)
	`
	var args []any
	if !period.Start.IsZero() {
		query += ` AND v.shift_date >= ?`
		args = append(args, period.Start.String())
	}
	if !period.End.IsZero() {
		query += ` AND v.shift_date <= ?`
		args = append(args, period.End.String())
	}
	query += ` ORDER BY v.employee_id, v.shift_date, v.id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query violations: %w", err)
	}
	defer rows.Close()

	var violations []attendance.Violation
	for rows.Next() {
		var (
			v                attendance.Violation
			shiftDate        string
			tardyMinutes     sql.NullInt64
			undertimeMinutes sql.NullInt64
			details          sql.NullString
		)
		if err := rows.Scan(&v.EmployeeID, &shiftDate, &v.PointType, &tardyMinutes,
			&undertimeMinutes, &v.IsAdvised, &details); err != nil {
			return nil, fmt.Errorf("failed to scan violation: %w", err)
		}
		if v.ShiftDate, err = generic.ParseDate(shiftDate); err != nil {
			return nil, err
		}
		v.TardyMinutes = parseNullInt(tardyMinutes)
		v.UndertimeMinutes = parseNullInt(undertimeMinutes)
		v.Details = details.String
		violations = append(violations, v)
	}
	return violations, rows.Err()
}
