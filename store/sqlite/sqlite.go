/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface of the engine on one database so a
  cascade, the lease that guards it and the job record that reports it live
  side by side.

INTERFACES IMPLEMENTED:
  attendance.TxPointStore:    Point persistence with all-or-nothing WithTx
  attendance.ViolationSource: Read model of the attendance source
  generic.Locker:             Per-employee leases (see lease.go)

KEY TABLES:
  attendance_points:     One row per accrued point
  attendance_violations: Violation occurrences recorded by the source
  job_runs:              Consistency job status records (see jobs.go)
  entity_leases:         Ownership tokens keyed by employee

INDEXES:
  - idx_points_employee_shift: Cascade replay (hot path)
  - idx_points_slot:           Duplicate detection / regenerate

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection so ":memory:"
  databases are shared by every caller. Inside WithTx every statement goes
  through the *sql.Tx; methods of the transactional view never take the
  mutex.

USAGE:
  store, err := sqlite.New("./data/points.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema lives in migrations/*.sql, embedded and applied on New() with
  golang-migrate.

SEE ALSO:
  - attendance/store.go: Interface definitions
  - store/memory: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/points-engine/attendance"
	"github.com/warp/points-engine/generic"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const timestampLayout = time.RFC3339Nano

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex

	// now stamps created_at / updated_at / leases.
	now func() time.Time
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{db: db, now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetClock replaces the store clock.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// migrate applies the embedded migrations. The migrate instance is not
// closed: closing it would close the shared *sql.DB.
func (s *Store) migrate() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// POINT STORE (attendance.PointStore interface)
// =============================================================================

const pointColumns = `
	id, employee_id, shift_date, point_type, point_value, is_advised, is_manual,
	is_excused, excuse_reason, excused_by, excused_at,
	sro_expires_at, eligible_for_gbro, gbro_expires_at, gbro_applied_at, gbro_batch_id,
	is_expired, expired_at, expiration_type,
	violation_details, tardy_minutes, undertime_minutes, notes,
	created_at, updated_at`

// ListPoints returns every point of an employee ordered by shift date.
func (s *Store) ListPoints(ctx context.Context, employeeID generic.EntityID) ([]attendance.AttendancePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listPoints(ctx, s.db, employeeID, false)
}

// ListActivePoints returns an employee's non-excused, non-expired points.
func (s *Store) ListActivePoints(ctx context.Context, employeeID generic.EntityID) ([]attendance.AttendancePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listPoints(ctx, s.db, employeeID, true)
}

// GetPoint returns a point by id.
func (s *Store) GetPoint(ctx context.Context, id attendance.PointID) (attendance.AttendancePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPoint(ctx, s.db, id)
}

// UpsertPoints inserts or replaces points atomically.
func (s *Store) UpsertPoints(ctx context.Context, employeeID generic.EntityID, points []attendance.AttendancePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := upsertPoints(ctx, sqlTx, s.now(), employeeID, points); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// DeletePoints physically removes points.
func (s *Store) DeletePoints(ctx context.Context, ids []attendance.PointID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deletePoints(ctx, s.db, ids)
}

// ListEmployeeIDs returns every employee that owns a point.
func (s *Store) ListEmployeeIDs(ctx context.Context) ([]generic.EntityID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listEmployeeIDs(ctx, s.db)
}

func listPoints(ctx context.Context, q queryer, employeeID generic.EntityID, activeOnly bool) ([]attendance.AttendancePoint, error) {
	query := `SELECT ` + pointColumns + ` FROM attendance_points WHERE employee_id = ?`
	if activeOnly {
		query += ` AND is_excused = 0 AND is_expired = 0`
	}
	query += ` ORDER BY shift_date ASC, id ASC`

	rows, err := q.QueryContext(ctx, query, employeeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query points: %w", err)
	}
	defer rows.Close()

	var points []attendance.AttendancePoint
	for rows.Next() {
		p, err := scanPoint(rows)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

func getPoint(ctx context.Context, q queryer, id attendance.PointID) (attendance.AttendancePoint, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+pointColumns+` FROM attendance_points WHERE id = ?`, id)
	if err != nil {
		return attendance.AttendancePoint{}, fmt.Errorf("failed to query point: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return attendance.AttendancePoint{}, err
		}
		return attendance.AttendancePoint{}, attendance.ErrPointNotFound
	}
	return scanPoint(rows)
}

func upsertPoints(ctx context.Context, q queryer, now time.Time, employeeID generic.EntityID, points []attendance.AttendancePoint) error {
	query := `
		INSERT INTO attendance_points (` + pointColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			shift_date = excluded.shift_date,
			point_type = excluded.point_type,
			point_value = excluded.point_value,
			is_advised = excluded.is_advised,
			is_manual = excluded.is_manual,
			is_excused = excluded.is_excused,
			excuse_reason = excluded.excuse_reason,
			excused_by = excluded.excused_by,
			excused_at = excluded.excused_at,
			sro_expires_at = excluded.sro_expires_at,
			eligible_for_gbro = excluded.eligible_for_gbro,
			gbro_expires_at = excluded.gbro_expires_at,
			gbro_applied_at = excluded.gbro_applied_at,
			gbro_batch_id = excluded.gbro_batch_id,
			is_expired = excluded.is_expired,
			expired_at = excluded.expired_at,
			expiration_type = excluded.expiration_type,
			violation_details = excluded.violation_details,
			tardy_minutes = excluded.tardy_minutes,
			undertime_minutes = excluded.undertime_minutes,
			notes = excluded.notes,
			updated_at = excluded.updated_at
		WHERE attendance_points.employee_id = excluded.employee_id
	`

	stamp := now.UTC().Format(timestampLayout)
	for _, p := range points {
		if p.ID == "" {
			return &attendance.ValidationError{Field: "id", Reason: "required"}
		}
		if p.EmployeeID != employeeID {
			return &attendance.ValidationError{Field: "employee_id", Value: p.EmployeeID, Reason: "does not match " + string(employeeID)}
		}

		createdAt := stamp
		if !p.CreatedAt.IsZero() {
			createdAt = p.CreatedAt.UTC().Format(timestampLayout)
		}
		expirationType := p.ExpirationType
		if expirationType == "" {
			expirationType = attendance.ExpirationNone
		}

		res, err := q.ExecContext(ctx, query,
			p.ID,
			p.EmployeeID,
			p.ShiftDate.String(),
			p.PointType,
			p.PointValue.String(),
			p.IsAdvised,
			p.IsManual,
			p.IsExcused,
			nullString(p.ExcuseReason),
			nullString(p.ExcusedBy),
			nullTime(p.ExcusedAt),
			p.SroExpiresAt.String(),
			p.EligibleForGbro,
			nullDate(p.GbroExpiresAt),
			nullDate(p.GbroAppliedAt),
			nullString(p.GbroBatchID),
			p.IsExpired,
			nullDate(p.ExpiredAt),
			expirationType,
			nullString(p.ViolationDetails),
			nullInt(p.TardyMinutes),
			nullInt(p.UndertimeMinutes),
			nullString(p.Notes),
			createdAt,
			stamp,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert point %s: %w", p.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return &attendance.ValidationError{Field: "id", Value: p.ID, Reason: "belongs to another employee"}
		}
	}
	return nil
}

func deletePoints(ctx context.Context, q queryer, ids []attendance.PointID) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM attendance_points WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("failed to delete points: %w", err)
	}
	return nil
}

func listEmployeeIDs(ctx context.Context, q queryer) ([]generic.EntityID, error) {
	rows, err := q.QueryContext(ctx, `SELECT DISTINCT employee_id FROM attendance_points ORDER BY employee_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query employees: %w", err)
	}
	defer rows.Close()

	var ids []generic.EntityID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, generic.EntityID(id))
	}
	return ids, rows.Err()
}

func scanPoint(rows *sql.Rows) (attendance.AttendancePoint, error) {
	var (
		p                attendance.AttendancePoint
		shiftDate        string
		pointValue       string
		excuseReason     sql.NullString
		excusedBy        sql.NullString
		excusedAt        sql.NullString
		sroExpiresAt     string
		gbroExpiresAt    sql.NullString
		gbroAppliedAt    sql.NullString
		gbroBatchID      sql.NullString
		expiredAt        sql.NullString
		violationDetails sql.NullString
		tardyMinutes     sql.NullInt64
		undertimeMinutes sql.NullInt64
		notes            sql.NullString
		createdAt        string
		updatedAt        string
	)

	err := rows.Scan(
		&p.ID, &p.EmployeeID, &shiftDate, &p.PointType, &pointValue, &p.IsAdvised, &p.IsManual,
		&p.IsExcused, &excuseReason, &excusedBy, &excusedAt,
		&sroExpiresAt, &p.EligibleForGbro, &gbroExpiresAt, &gbroAppliedAt, &gbroBatchID,
		&p.IsExpired, &expiredAt, &p.ExpirationType,
		&violationDetails, &tardyMinutes, &undertimeMinutes, &notes,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return p, fmt.Errorf("failed to scan point: %w", err)
	}

	if p.ShiftDate, err = generic.ParseDate(shiftDate); err != nil {
		return p, fmt.Errorf("point %s: %w", p.ID, err)
	}
	if p.SroExpiresAt, err = generic.ParseDate(sroExpiresAt); err != nil {
		return p, fmt.Errorf("point %s: %w", p.ID, err)
	}
	if p.PointValue, err = decimal.NewFromString(pointValue); err != nil {
		return p, fmt.Errorf("point %s: invalid value %q: %w", p.ID, pointValue, err)
	}

	p.ExcuseReason = excuseReason.String
	p.ExcusedBy = excusedBy.String
	p.ExcusedAt = parseNullTime(excusedAt)
	p.GbroExpiresAt = parseNullDate(gbroExpiresAt)
	p.GbroAppliedAt = parseNullDate(gbroAppliedAt)
	p.GbroBatchID = gbroBatchID.String
	p.ExpiredAt = parseNullDate(expiredAt)
	p.ViolationDetails = violationDetails.String
	p.TardyMinutes = parseNullInt(tardyMinutes)
	p.UndertimeMinutes = parseNullInt(undertimeMinutes)
	p.Notes = notes.String
	p.CreatedAt, _ = time.Parse(timestampLayout, createdAt)
	p.UpdatedAt, _ = time.Parse(timestampLayout, updatedAt)

	return p, nil
}

// =============================================================================
// TRANSACTIONAL STORE (attendance.TxPointStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store attendance.PointStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", generic.ErrTransactionFailed, err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx, now: s.now}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", generic.ErrTransactionFailed, err)
	}
	return nil
}

type txStore struct {
	tx  *sql.Tx
	now func() time.Time
}

func (ts *txStore) ListPoints(ctx context.Context, employeeID generic.EntityID) ([]attendance.AttendancePoint, error) {
	return listPoints(ctx, ts.tx, employeeID, false)
}

func (ts *txStore) ListActivePoints(ctx context.Context, employeeID generic.EntityID) ([]attendance.AttendancePoint, error) {
	return listPoints(ctx, ts.tx, employeeID, true)
}

func (ts *txStore) GetPoint(ctx context.Context, id attendance.PointID) (attendance.AttendancePoint, error) {
	return getPoint(ctx, ts.tx, id)
}

func (ts *txStore) UpsertPoints(ctx context.Context, employeeID generic.EntityID, points []attendance.AttendancePoint) error {
	return upsertPoints(ctx, ts.tx, ts.now(), employeeID, points)
}

func (ts *txStore) DeletePoints(ctx context.Context, ids []attendance.PointID) error {
	return deletePoints(ctx, ts.tx, ids)
}

func (ts *txStore) ListEmployeeIDs(ctx context.Context) ([]generic.EntityID, error) {
	return listEmployeeIDs(ctx, ts.tx)
}

// =============================================================================
// ADMIN
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"attendance_points", "attendance_violations", "job_runs", "entity_leases"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDate(tp *generic.TimePoint) sql.NullString {
	if tp == nil || tp.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: tp.String(), Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timestampLayout), Valid: true}
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

func parseNullDate(s sql.NullString) *generic.TimePoint {
	if !s.Valid || s.String == "" {
		return nil
	}
	tp, err := generic.ParseDate(s.String)
	if err != nil {
		return nil
	}
	return &tp
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(timestampLayout, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func parseNullInt(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
