/*
consistency.go - Batch consistency operations over many employees

PURPOSE:
  Keeps the point ledger consistent at scale. Every kind runs once per
  employee through generic.BatchRunner: each employee's step holds that
  employee's lease and commits in its own transaction, so one employee's
  failure never aborts or partially commits another's.

KINDS:
  regenerate        classify and insert violations that have no point yet,
                    then replay the cascade
  remove_duplicates keep one point per (employee, shift date, type) slot:
                    excused first, then earliest created, then lowest id
  expire_pending    finalize SRO and/or GBRO dates already due; no replay
  reset_expired     revert expired (never excused) points to active
  initialize_gbro   predict gbroExpiresAt where it is missing; no expiry
  fix_gbro          re-predict gbroExpiresAt everywhere; no expiry
  recalculate_gbro  the full cascade

SCOPE:
  ScopeFilter.Period bounds shift dates for regenerate, remove_duplicates,
  expire_pending and reset_expired. The GBRO kinds always replay an
  employee's whole timeline.
*/
package attendance

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/warp/points-engine/generic"
)

// =============================================================================
// KINDS AND SCOPE
// =============================================================================

// Kind names a consistency operation.
type Kind string

const (
	KindRegenerate       Kind = "regenerate"
	KindRemoveDuplicates Kind = "remove_duplicates"
	KindExpirePending    Kind = "expire_pending"
	KindResetExpired     Kind = "reset_expired"
	KindInitializeGbro   Kind = "initialize_gbro"
	KindFixGbro          Kind = "fix_gbro"
	KindRecalculateGbro  Kind = "recalculate_gbro"
)

// Kinds lists every consistency operation.
var Kinds = []Kind{
	KindRegenerate,
	KindRemoveDuplicates,
	KindExpirePending,
	KindResetExpired,
	KindInitializeGbro,
	KindFixGbro,
	KindRecalculateGbro,
}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", &ValidationError{Field: "kind", Value: s, Reason: "unknown consistency operation"}
}

// ExpirationScope selects which predictions expire_pending finalizes.
type ExpirationScope string

const (
	ScopeSRO  ExpirationScope = "sro"
	ScopeGBRO ExpirationScope = "gbro"
	ScopeBoth ExpirationScope = "both"
)

func (s ExpirationScope) includesSRO() bool  { return s == ScopeSRO || s == ScopeBoth }
func (s ExpirationScope) includesGBRO() bool { return s == ScopeGBRO || s == ScopeBoth }

// ScopeFilter narrows a consistency operation.
type ScopeFilter struct {
	EmployeeIDs    []generic.EntityID `json:"employee_ids,omitempty"`
	Period         generic.Period     `json:"period"`
	Expiration     ExpirationScope    `json:"expiration,omitempty"`
	ExpirationType ExpirationType     `json:"expiration_type,omitempty"`
	PointIDs       []PointID          `json:"point_ids,omitempty"`
	AsOf           generic.TimePoint  `json:"as_of"`
}

// Validate rejects malformed filters.
func (f ScopeFilter) Validate() error {
	if err := f.Period.Validate(); err != nil {
		return err
	}
	switch f.Expiration {
	case "", ScopeSRO, ScopeGBRO, ScopeBoth:
	default:
		return &ValidationError{Field: "expiration", Value: f.Expiration, Reason: "must be sro, gbro or both"}
	}
	switch f.ExpirationType {
	case "", ExpirationSRO, ExpirationGBRO:
	default:
		return &ValidationError{Field: "expiration_type", Value: f.ExpirationType, Reason: "must be sro or gbro"}
	}
	return nil
}

// ConsistencyResult is the outcome of one operation across employees.
type ConsistencyResult struct {
	Kind          Kind              `json:"kind"`
	AsOf          generic.TimePoint `json:"as_of"`
	AffectedCount int               `json:"affected_count"`
	generic.BatchResult
	Conflicts []ConsistencyConflict `json:"conflicts,omitempty"`
}

// employeeStep is one kind's work for one employee inside its transaction.
type employeeStep func(ctx context.Context, tx PointStore, employeeID generic.EntityID) (affected int, conflicts []ConsistencyConflict, err error)

// =============================================================================
// DISPATCH
// =============================================================================

// RunConsistencyOperation runs kind over the employees selected by scope.
// The error is non-nil only for an invalid request or an interrupted batch;
// per-employee failures are in the result.
func (e *Engine) RunConsistencyOperation(ctx context.Context, kind Kind, scope ScopeFilter) (ConsistencyResult, error) {
	if _, err := ParseKind(string(kind)); err != nil {
		return ConsistencyResult{}, err
	}
	if err := scope.Validate(); err != nil {
		return ConsistencyResult{}, err
	}
	if scope.AsOf.IsZero() {
		scope.AsOf = e.today()
	}
	if scope.Expiration == "" {
		scope.Expiration = ScopeBoth
	}

	result := ConsistencyResult{Kind: kind, AsOf: scope.AsOf}

	employees, step, err := e.plan(ctx, kind, scope)
	if err != nil {
		return result, err
	}

	var mu sync.Mutex
	batch, runErr := e.Runner.Run(ctx, string(kind), employees, func(ctx context.Context, id generic.EntityID) error {
		var (
			affected  int
			conflicts []ConsistencyConflict
		)
		err := e.Store.WithTx(ctx, func(tx PointStore) error {
			var err error
			affected, conflicts, err = step(ctx, tx, id)
			return err
		})
		if err != nil {
			return e.txFailure(id, err)
		}

		mu.Lock()
		result.AffectedCount += affected
		result.Conflicts = append(result.Conflicts, conflicts...)
		mu.Unlock()
		return nil
	})
	result.BatchResult = batch

	sort.SliceStable(result.Conflicts, func(i, j int) bool {
		a, b := result.Conflicts[i], result.Conflicts[j]
		if a.EmployeeID != b.EmployeeID {
			return a.EmployeeID < b.EmployeeID
		}
		if a.ShiftDate != b.ShiftDate {
			return a.ShiftDate < b.ShiftDate
		}
		return a.PointType < b.PointType
	})

	e.Logger.Info("consistency operation finished",
		zap.String("operation", string(kind)),
		zap.String("as_of", scope.AsOf.String()),
		zap.Int("affected", result.AffectedCount),
		zap.Int("succeeded", len(batch.Succeeded)),
		zap.Int("failed", len(batch.Failed)),
		zap.Int("conflicts", len(result.Conflicts)))

	return result, runErr
}

// plan resolves the employee set and the per-employee step for kind.
func (e *Engine) plan(ctx context.Context, kind Kind, scope ScopeFilter) ([]generic.EntityID, employeeStep, error) {
	if kind == KindRegenerate {
		if e.Violations == nil {
			return nil, nil, fmt.Errorf("regenerate: no violation source configured")
		}
		violations, err := e.Violations.ListUnprocessedViolations(ctx, scope.Period)
		if err != nil {
			return nil, nil, fmt.Errorf("regenerate: list violations: %w", err)
		}
		byEmployee := make(map[generic.EntityID][]Violation)
		for _, v := range violations {
			byEmployee[v.EmployeeID] = append(byEmployee[v.EmployeeID], v)
		}
		var employees []generic.EntityID
		for id := range byEmployee {
			if scoped(scope.EmployeeIDs, id) {
				employees = append(employees, id)
			}
		}
		return employees, func(ctx context.Context, tx PointStore, id generic.EntityID) (int, []ConsistencyConflict, error) {
			return e.regenerate(ctx, tx, id, byEmployee[id], scope.AsOf)
		}, nil
	}

	employees := scope.EmployeeIDs
	if len(employees) == 0 {
		all, err := e.Store.ListEmployeeIDs(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: list employees: %w", kind, err)
		}
		employees = all
	}

	var step employeeStep
	switch kind {
	case KindRemoveDuplicates:
		step = func(ctx context.Context, tx PointStore, id generic.EntityID) (int, []ConsistencyConflict, error) {
			return e.removeDuplicates(ctx, tx, id, scope)
		}
	case KindExpirePending:
		step = func(ctx context.Context, tx PointStore, id generic.EntityID) (int, []ConsistencyConflict, error) {
			n, err := e.expirePending(ctx, tx, id, scope)
			return n, nil, err
		}
	case KindResetExpired:
		step = func(ctx context.Context, tx PointStore, id generic.EntityID) (int, []ConsistencyConflict, error) {
			n, err := e.resetExpired(ctx, tx, id, scope)
			return n, nil, err
		}
	default:
		mode := map[Kind]CascadeMode{
			KindInitializeGbro:  CascadePredictMissing,
			KindFixGbro:         CascadePredict,
			KindRecalculateGbro: CascadeApply,
		}[kind]
		step = func(ctx context.Context, tx PointStore, id generic.EntityID) (int, []ConsistencyConflict, error) {
			r, err := e.replayTx(ctx, tx, id, scope.AsOf, mode)
			return r.Changed, nil, err
		}
	}
	return employees, step, nil
}

func scoped(ids []generic.EntityID, id generic.EntityID) bool {
	if len(ids) == 0 {
		return true
	}
	for _, s := range ids {
		if s == id {
			return true
		}
	}
	return false
}

// =============================================================================
// REGENERATE
// =============================================================================

func (e *Engine) regenerate(ctx context.Context, tx PointStore, employeeID generic.EntityID, violations []Violation, asOf generic.TimePoint) (int, []ConsistencyConflict, error) {
	existing, err := tx.ListPoints(ctx, employeeID)
	if err != nil {
		return 0, nil, err
	}
	taken := make(map[Slot]PointID, len(existing))
	for _, p := range existing {
		taken[p.Slot()] = p.ID
	}

	sort.SliceStable(violations, func(i, j int) bool {
		a, b := violations[i], violations[j]
		if !a.ShiftDate.Equal(b.ShiftDate) {
			return a.ShiftDate.Before(b.ShiftDate)
		}
		return a.PointType < b.PointType
	})

	var (
		created   []AttendancePoint
		conflicts []ConsistencyConflict
		fromBatch = make(map[Slot]bool)
	)
	for _, v := range violations {
		slot := v.Slot()
		if keptID, ok := taken[slot]; ok {
			if fromBatch[slot] {
				conflict := ConsistencyConflict{
					EmployeeID: employeeID,
					ShiftDate:  slot.ShiftDate,
					PointType:  slot.PointType,
					KeptID:     keptID,
					Detail:     "violation source reported the slot twice",
				}
				e.Logger.Info("regenerate skipped duplicate violation",
					zap.String("employee_id", string(employeeID)),
					zap.String("shift_date", slot.ShiftDate),
					zap.String("point_type", string(slot.PointType)),
					zap.String("kept_id", string(keptID)))
				conflicts = append(conflicts, conflict)
			}
			continue
		}

		tmpl, err := e.Classifier.Classify(v)
		if err != nil {
			return 0, nil, err
		}
		point := e.Classifier.NewPoint(e.NewID(), v, tmpl)
		created = append(created, point)
		taken[slot] = point.ID
		fromBatch[slot] = true
	}

	if len(created) == 0 {
		return 0, conflicts, nil
	}
	if err := tx.UpsertPoints(ctx, employeeID, created); err != nil {
		return 0, nil, err
	}
	if _, err := e.replayTx(ctx, tx, employeeID, asOf, CascadeApply); err != nil {
		return 0, nil, err
	}
	return len(created), conflicts, nil
}

// =============================================================================
// REMOVE DUPLICATES
// =============================================================================

// Survivor picks the point a duplicate group keeps: an excused point if
// any, else the earliest created, else the lowest id.
func Survivor(group []AttendancePoint) AttendancePoint {
	best := group[0]
	for _, p := range group[1:] {
		if survivorBefore(p, best) {
			best = p
		}
	}
	return best
}

func survivorBefore(a, b AttendancePoint) bool {
	if a.IsExcused != b.IsExcused {
		return a.IsExcused
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (e *Engine) removeDuplicates(ctx context.Context, tx PointStore, employeeID generic.EntityID, scope ScopeFilter) (int, []ConsistencyConflict, error) {
	points, err := tx.ListPoints(ctx, employeeID)
	if err != nil {
		return 0, nil, err
	}

	groups := make(map[Slot][]AttendancePoint)
	var order []Slot
	for _, p := range points {
		if !scope.Period.Contains(p.ShiftDate) {
			continue
		}
		slot := p.Slot()
		if _, seen := groups[slot]; !seen {
			order = append(order, slot)
		}
		groups[slot] = append(groups[slot], p)
	}

	var (
		removed   []PointID
		conflicts []ConsistencyConflict
	)
	for _, slot := range order {
		group := groups[slot]
		if len(group) < 2 {
			continue
		}
		keep := Survivor(group)
		conflict := ConsistencyConflict{
			EmployeeID: employeeID,
			ShiftDate:  slot.ShiftDate,
			PointType:  slot.PointType,
			KeptID:     keep.ID,
		}
		for _, p := range group {
			if p.ID != keep.ID {
				conflict.RemovedIDs = append(conflict.RemovedIDs, p.ID)
			}
		}
		sort.Slice(conflict.RemovedIDs, func(i, j int) bool { return conflict.RemovedIDs[i] < conflict.RemovedIDs[j] })

		e.Logger.Info("duplicate points removed",
			zap.String("employee_id", string(employeeID)),
			zap.String("shift_date", slot.ShiftDate),
			zap.String("point_type", string(slot.PointType)),
			zap.String("kept_id", string(keep.ID)),
			zap.Any("removed_ids", conflict.RemovedIDs))

		removed = append(removed, conflict.RemovedIDs...)
		conflicts = append(conflicts, conflict)
	}

	if len(removed) == 0 {
		return 0, nil, nil
	}
	if err := tx.DeletePoints(ctx, removed); err != nil {
		return 0, nil, err
	}
	if _, err := e.replayTx(ctx, tx, employeeID, scope.AsOf, CascadeApply); err != nil {
		return 0, nil, err
	}
	return len(removed), conflicts, nil
}

// =============================================================================
// EXPIRE PENDING
// =============================================================================

func (e *Engine) expirePending(ctx context.Context, tx PointStore, employeeID generic.EntityID, scope ScopeFilter) (int, error) {
	points, err := tx.ListActivePoints(ctx, employeeID)
	if err != nil {
		return 0, err
	}

	var (
		expired    []AttendancePoint
		gbroGroups = make(map[string][]int)
		gbroDates  []string
	)
	for _, p := range points {
		if !p.IsActive() || !scope.Period.Contains(p.ShiftDate) {
			continue
		}

		sroDue := scope.Expiration.includesSRO() && !p.SroExpiresAt.IsZero() && p.SroExpiresAt.BeforeOrEqual(scope.AsOf)
		gbroDue := scope.Expiration.includesGBRO() && p.EligibleForGbro && p.GbroExpiresAt != nil && p.GbroExpiresAt.BeforeOrEqual(scope.AsOf)

		// Whichever policy fires first wins; SRO on a tie.
		if sroDue && gbroDue && p.GbroExpiresAt.Before(p.SroExpiresAt) {
			sroDue = false
		}

		switch {
		case sroDue:
			c := p.Clone()
			c.ClearGbro()
			c.Expire(p.SroExpiresAt, ExpirationSRO)
			expired = append(expired, c)
		case gbroDue:
			c := p.Clone()
			key := p.GbroExpiresAt.String()
			if _, ok := gbroGroups[key]; !ok {
				gbroDates = append(gbroDates, key)
			}
			gbroGroups[key] = append(gbroGroups[key], len(expired))
			expired = append(expired, c)
		}
	}

	for _, key := range gbroDates {
		idx := gbroGroups[key]
		date := *expired[idx[0]].GbroExpiresAt
		ids := make([]PointID, len(idx))
		for i, n := range idx {
			ids[i] = expired[n].ID
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		batchID := BatchID(employeeID, date, ids)
		for _, n := range idx {
			applied := date
			expired[n].GbroAppliedAt = &applied
			expired[n].GbroBatchID = batchID
			expired[n].Expire(date, ExpirationGBRO)
		}
	}

	if len(expired) == 0 {
		return 0, nil
	}
	if err := tx.UpsertPoints(ctx, employeeID, expired); err != nil {
		return 0, err
	}
	return len(expired), nil
}

// =============================================================================
// RESET EXPIRED
// =============================================================================

func (e *Engine) resetExpired(ctx context.Context, tx PointStore, employeeID generic.EntityID, scope ScopeFilter) (int, error) {
	points, err := tx.ListPoints(ctx, employeeID)
	if err != nil {
		return 0, err
	}

	var wanted map[PointID]bool
	if len(scope.PointIDs) > 0 {
		wanted = make(map[PointID]bool, len(scope.PointIDs))
		for _, id := range scope.PointIDs {
			wanted[id] = true
		}
	}

	var reset []AttendancePoint
	for _, p := range points {
		switch {
		case !p.IsExpired, p.IsExcused:
			continue
		case !scope.Period.Contains(p.ShiftDate):
			continue
		case scope.ExpirationType != "" && p.ExpirationType != scope.ExpirationType:
			continue
		case wanted != nil && !wanted[p.ID]:
			continue
		}
		c := p.Clone()
		c.ClearExpiration()
		c.ClearGbro()
		reset = append(reset, c)
	}

	if len(reset) == 0 {
		return 0, nil
	}
	if err := tx.UpsertPoints(ctx, employeeID, reset); err != nil {
		return 0, err
	}
	return len(reset), nil
}
