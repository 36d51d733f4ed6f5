// Package memory provides in-memory implementations of the point store, the
// violation source and the entity locker.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warp/points-engine/attendance"
	"github.com/warp/points-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Store struct {
	mu         sync.RWMutex
	points     map[attendance.PointID]attendance.AttendancePoint
	violations []attendance.Violation

	// Now stamps CreatedAt / UpdatedAt.
	Now func() time.Time
}

func New() *Store {
	return &Store{
		points: make(map[attendance.PointID]attendance.AttendancePoint),
		Now:    time.Now,
	}
}

func (s *Store) ListPoints(_ context.Context, employeeID generic.EntityID) ([]attendance.AttendancePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked(employeeID, false), nil
}

func (s *Store) ListActivePoints(_ context.Context, employeeID generic.EntityID) ([]attendance.AttendancePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked(employeeID, true), nil
}

func (s *Store) GetPoint(_ context.Context, id attendance.PointID) (attendance.AttendancePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(id)
}

// UpsertPoints inserts or replaces points atomically.
func (s *Store) UpsertPoints(_ context.Context, employeeID generic.EntityID, points []attendance.AttendancePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(employeeID, points)
}

func (s *Store) DeletePoints(_ context.Context, ids []attendance.PointID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(ids)
	return nil
}

func (s *Store) ListEmployeeIDs(_ context.Context) ([]generic.EntityID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.employeesLocked(), nil
}

func (s *Store) listLocked(employeeID generic.EntityID, activeOnly bool) []attendance.AttendancePoint {
	var result []attendance.AttendancePoint
	for _, p := range s.points {
		if p.EmployeeID != employeeID || (activeOnly && !p.IsActive()) {
			continue
		}
		result = append(result, p.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].ShiftDate.Equal(result[j].ShiftDate) {
			return result[i].ShiftDate.Before(result[j].ShiftDate)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func (s *Store) getLocked(id attendance.PointID) (attendance.AttendancePoint, error) {
	p, ok := s.points[id]
	if !ok {
		return attendance.AttendancePoint{}, attendance.ErrPointNotFound
	}
	return p.Clone(), nil
}

func (s *Store) upsertLocked(employeeID generic.EntityID, points []attendance.AttendancePoint) error {
	// Check all points first (atomic check)
	for _, p := range points {
		if p.ID == "" {
			return &attendance.ValidationError{Field: "id", Reason: "required"}
		}
		if p.EmployeeID != employeeID {
			return &attendance.ValidationError{Field: "employee_id", Value: p.EmployeeID, Reason: "does not match " + string(employeeID)}
		}
		if prev, ok := s.points[p.ID]; ok && prev.EmployeeID != employeeID {
			return &attendance.ValidationError{Field: "id", Value: p.ID, Reason: "belongs to another employee"}
		}
	}

	now := s.Now().UTC()
	for _, p := range points {
		c := p.Clone()
		if prev, ok := s.points[c.ID]; ok {
			c.CreatedAt = prev.CreatedAt
		} else if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		c.UpdatedAt = now
		s.points[c.ID] = c
	}
	return nil
}

func (s *Store) deleteLocked(ids []attendance.PointID) {
	for _, id := range ids {
		delete(s.points, id)
	}
}

func (s *Store) employeesLocked() []generic.EntityID {
	seen := make(map[generic.EntityID]bool)
	var ids []generic.EntityID
	for _, p := range s.points {
		if !seen[p.EmployeeID] {
			seen[p.EmployeeID] = true
			ids = append(ids, p.EmployeeID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (s *Store) WithTx(ctx context.Context, fn func(attendance.PointStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make(map[attendance.PointID]attendance.AttendancePoint, len(s.points))
	for id, p := range s.points {
		snapshot[id] = p
	}

	if err := fn(&txView{parent: s}); err != nil {
		s.points = snapshot
		return err
	}
	return nil
}

// txView runs inside WithTx and must not take the parent lock.
type txView struct {
	parent *Store
}

func (tv *txView) ListPoints(_ context.Context, employeeID generic.EntityID) ([]attendance.AttendancePoint, error) {
	return tv.parent.listLocked(employeeID, false), nil
}

func (tv *txView) ListActivePoints(_ context.Context, employeeID generic.EntityID) ([]attendance.AttendancePoint, error) {
	return tv.parent.listLocked(employeeID, true), nil
}

func (tv *txView) GetPoint(_ context.Context, id attendance.PointID) (attendance.AttendancePoint, error) {
	return tv.parent.getLocked(id)
}

func (tv *txView) UpsertPoints(_ context.Context, employeeID generic.EntityID, points []attendance.AttendancePoint) error {
	return tv.parent.upsertLocked(employeeID, points)
}

func (tv *txView) DeletePoints(_ context.Context, ids []attendance.PointID) error {
	tv.parent.deleteLocked(ids)
	return nil
}

func (tv *txView) ListEmployeeIDs(_ context.Context) ([]generic.EntityID, error) {
	return tv.parent.employeesLocked(), nil
}

// =============================================================================
// VIOLATION SOURCE
// =============================================================================

// RecordViolations appends occurrences to the source read model.
func (s *Store) RecordViolations(_ context.Context, violations []attendance.Violation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.violations = append(s.violations, violations...)
	return nil
}

// ListUnprocessedViolations returns recorded violations in the period whose
// slot has no point yet.
func (s *Store) ListUnprocessedViolations(_ context.Context, period generic.Period) ([]attendance.Violation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type slotKey struct {
		employee generic.EntityID
		slot     attendance.Slot
	}
	processed := make(map[slotKey]bool, len(s.points))
	for _, p := range s.points {
		processed[slotKey{p.EmployeeID, p.Slot()}] = true
	}

	var result []attendance.Violation
	for _, v := range s.violations {
		if !period.Contains(v.ShiftDate) || processed[slotKey{v.EmployeeID, v.Slot()}] {
			continue
		}
		result = append(result, v)
	}
	return result, nil
}

// =============================================================================
// LOCKER - Process-local leases
// =============================================================================

type Locker struct {
	mu     sync.Mutex
	leases map[string]heldLease
	now    func() time.Time
}

type heldLease struct {
	token   string
	expires time.Time
}

func NewLocker() *Locker {
	return &Locker{leases: make(map[string]heldLease), now: time.Now}
}

func (l *Locker) Acquire(_ context.Context, key string, ttl time.Duration) (generic.Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if held, ok := l.leases[key]; ok && now.Before(held.expires) {
		return nil, &generic.LockHeldError{Key: key}
	}
	token := uuid.NewString()
	l.leases[key] = heldLease{token: token, expires: now.Add(ttl)}
	return &lease{locker: l, key: key, token: token}, nil
}

type lease struct {
	locker *Locker
	key    string
	token  string
}

func (le *lease) Key() string   { return le.key }
func (le *lease) Token() string { return le.token }

func (le *lease) Release(_ context.Context) error {
	le.locker.mu.Lock()
	defer le.locker.mu.Unlock()

	held, ok := le.locker.leases[le.key]
	if !ok || held.token != le.token {
		return generic.ErrLockLost
	}
	delete(le.locker.leases, le.key)
	return nil
}
