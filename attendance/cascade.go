/*
cascade.go - Good-Behavior Roll-Off cascade replay

PURPOSE:
  Assigns gbroExpiresAt (prediction) and gbroAppliedAt / isExpired (actual
  roll-off) to every active, eligible, non-excused point of ONE employee as
  a function of that employee's current point set and the as-of date only.

ALGORITHM:
  1. Collect active, non-excused, GBRO-eligible points sorted by
     (shiftDate, id).
  2. Reset their GBRO fields. This is a fresh replay, not a patch: one
     backdated insertion can move every later prediction.
  3. Walk the list in pairs (0-1, 2-3, ...; a trailing point pairs alone):
       reference = max(shiftDate of the pair's last point,
                       appliedAt of the previous roll-off)
       candidate = reference + GbroCleanDays
       a member with sroExpiresAt <= min(candidate, asOf) expired by SRO
                          first: it leaves the cascade and the pair is
                          formed again from the remaining points
       candidate <= asOf  -> roll off now, shared batch id, keep walking
       candidate >  asOf  -> predict candidate and STOP
  4. Points past the first immature pair keep gbroExpiresAt = nil.

  The "previous roll-off" of the first pair is the latest gbroAppliedAt
  among the employee's already GBRO-expired points, so a second run over
  the output of the first reproduces it exactly.

MODES:
  CascadeApply:          the full algorithm above
  CascadePredict:        predictions only; nothing expires, so the walk
                         stops after the first pair even when its
                         candidate has passed. SRO-fired points are
                         skipped but left active for expire_pending.
  CascadePredictMissing: CascadePredict, but only fills points that have
                         no prediction yet

DETERMINISM:
  Batch ids are name-based UUIDs over (employee, roll-off date, point ids),
  so re-running a cascade over the same input yields identical output.

SEE ALSO:
  - policy.go: reference date and candidate arithmetic
  - engine.go: locking and the per-employee transaction around Replay
*/
package attendance

import (
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/warp/points-engine/generic"
)

// =============================================================================
// RESULT TYPES
// =============================================================================

// CascadeMode selects how much of the replay is applied.
type CascadeMode int

const (
	CascadeApply CascadeMode = iota
	CascadePredict
	CascadePredictMissing
)

// PairOutcome is one resolved or pending pair of the replay.
type PairOutcome struct {
	PointIDs      []PointID         `json:"point_ids"`
	ReferenceDate generic.TimePoint `json:"reference_date"`
	RollOffDate   generic.TimePoint `json:"roll_off_date"`
	BatchID       string            `json:"batch_id,omitempty"`
	Matured       bool              `json:"matured"`
}

// CascadeResult is the outcome of one employee's replay.
type CascadeResult struct {
	EmployeeID generic.EntityID  `json:"employee_id"`
	AsOf       generic.TimePoint `json:"as_of"`
	RolledOff  []PairOutcome     `json:"rolled_off"`
	Predicted  []PairOutcome     `json:"predicted"`
	Changed    int               `json:"changed"`
}

// RolledOffIDs flattens every rolled-off point id.
func (r CascadeResult) RolledOffIDs() []PointID { return flattenIDs(r.RolledOff) }

// PredictedIDs flattens every predicted point id.
func (r CascadeResult) PredictedIDs() []PointID { return flattenIDs(r.Predicted) }

func flattenIDs(pairs []PairOutcome) []PointID {
	var ids []PointID
	for _, p := range pairs {
		ids = append(ids, p.PointIDs...)
	}
	return ids
}

// =============================================================================
// REPLAY
// =============================================================================

var batchNamespace = uuid.MustParse("6f1c3c1e-8b0a-4f8e-9d43-4b8f2a9d7c11")

// BatchID returns the deterministic batch id of a roll-off event.
func BatchID(employeeID generic.EntityID, appliedAt generic.TimePoint, ids []PointID) string {
	parts := make([]string, 0, len(ids)+2)
	parts = append(parts, string(employeeID), appliedAt.String())
	for _, id := range ids {
		parts = append(parts, string(id))
	}
	return uuid.NewSHA1(batchNamespace, []byte(strings.Join(parts, "|"))).String()
}

// Replay runs the cascade over one employee's complete point set. It never
// mutates its input; the second return value holds only the points whose
// persisted state must change.
func Replay(policy Policy, employeeID generic.EntityID, points []AttendancePoint, asOf generic.TimePoint, mode CascadeMode) (CascadeResult, []AttendancePoint, error) {
	result := CascadeResult{EmployeeID: employeeID, AsOf: asOf}

	if asOf.IsZero() {
		return result, nil, &PolicyAmbiguity{EmployeeID: employeeID, Detail: "as-of date is missing"}
	}
	if err := policy.Validate(); err != nil {
		return result, nil, &PolicyAmbiguity{EmployeeID: employeeID, Detail: err.Error()}
	}

	var (
		cascade     []AttendancePoint
		stale       []AttendancePoint
		original    = make(map[PointID]AttendancePoint, len(points))
		lastApplied generic.TimePoint
	)

	for _, p := range points {
		if err := checkInvariants(employeeID, p); err != nil {
			return result, nil, err
		}
		original[p.ID] = p

		switch {
		case p.IsExpired && p.ExpirationType == ExpirationGBRO && p.GbroAppliedAt != nil:
			lastApplied = generic.MaxTimePoint(lastApplied, *p.GbroAppliedAt)
		case p.InCascade():
			cascade = append(cascade, p.Clone())
		case p.IsActive() && hasGbroState(p):
			// Ineligible active points (e.g. reclassified as NCNS) carry no GBRO state.
			c := p.Clone()
			c.ClearGbro()
			stale = append(stale, c)
		}
	}

	sort.Slice(cascade, func(i, j int) bool {
		a, b := cascade[i], cascade[j]
		if !a.ShiftDate.Equal(b.ShiftDate) {
			return a.ShiftDate.Before(b.ShiftDate)
		}
		return a.ID < b.ID
	})

	if mode != CascadePredictMissing {
		for i := range cascade {
			cascade[i].ClearGbro()
		}
	}

	previous := lastApplied
	walk := make([]int, len(cascade))
	for i := range walk {
		walk[i] = i
	}
	for len(walk) > 0 {
		n := policy.GbroPairSize
		if n > len(walk) {
			n = len(walk)
		}
		pair := walk[:n]
		last := cascade[pair[n-1]]

		reference := policy.ReferenceDate(last.ShiftDate, previous)
		candidate := policy.CandidateRollOff(reference)
		if reference.Before(last.ShiftDate) || candidate.Before(reference) {
			return result, nil, &PolicyAmbiguity{
				EmployeeID: employeeID,
				PointID:    last.ID,
				Detail:     "pair reference date " + reference.String() + " precedes its own violation",
			}
		}

		// A point whose SRO fired on or before the roll-off leaves the
		// cascade; the pair is formed again without it.
		if fired := sroFiredFirst(cascade, pair, candidate, asOf); len(fired) > 0 {
			if mode == CascadeApply {
				for _, i := range fired {
					cascade[i].ClearGbro()
					cascade[i].Expire(cascade[i].SroExpiresAt, ExpirationSRO)
				}
			}
			walk = withoutIndexes(walk, fired)
			continue
		}

		ids := make([]PointID, n)
		for i, idx := range pair {
			ids[i] = cascade[idx].ID
		}
		outcome := PairOutcome{PointIDs: ids, ReferenceDate: reference, RollOffDate: candidate}
		matured := candidate.BeforeOrEqual(asOf)

		switch {
		case matured && mode == CascadeApply:
			outcome.Matured = true
			outcome.BatchID = BatchID(employeeID, candidate, ids)
			for _, idx := range pair {
				p := &cascade[idx]
				at := candidate
				p.GbroExpiresAt = &at
				applied := candidate
				p.GbroAppliedAt = &applied
				p.GbroBatchID = outcome.BatchID
				p.Expire(candidate, ExpirationGBRO)
			}
			result.RolledOff = append(result.RolledOff, outcome)

		default:
			outcome.Matured = matured
			for _, idx := range pair {
				p := &cascade[idx]
				if mode == CascadePredictMissing && p.GbroExpiresAt != nil {
					continue
				}
				at := candidate
				p.GbroExpiresAt = &at
			}
			result.Predicted = append(result.Predicted, outcome)
		}

		// The next pair's clock starts only once this one has rolled off.
		if !matured || mode != CascadeApply {
			break
		}
		previous = candidate
		walk = walk[n:]
	}

	var changed []AttendancePoint
	for _, p := range append(cascade, stale...) {
		if pointChanged(original[p.ID], p) {
			changed = append(changed, p)
		}
	}
	result.Changed = len(changed)
	return result, changed, nil
}

func checkInvariants(employeeID generic.EntityID, p AttendancePoint) error {
	switch {
	case p.EmployeeID != employeeID:
		return &PolicyAmbiguity{EmployeeID: employeeID, PointID: p.ID, Detail: "point belongs to " + string(p.EmployeeID)}
	case p.ShiftDate.IsZero():
		return &PolicyAmbiguity{EmployeeID: employeeID, PointID: p.ID, Detail: "point has no shift date"}
	case p.IsExcused && p.IsExpired:
		return &PolicyAmbiguity{EmployeeID: employeeID, PointID: p.ID, Detail: "point is both excused and expired"}
	case p.GbroExpiresAt != nil && p.GbroExpiresAt.Before(p.ShiftDate):
		return &PolicyAmbiguity{EmployeeID: employeeID, PointID: p.ID, Detail: "gbro date precedes shift date"}
	}
	return nil
}

// sroFiredFirst returns the pair members whose SRO date has passed and is
// not after the pair's roll-off date. SRO wins a tie.
func sroFiredFirst(cascade []AttendancePoint, pair []int, candidate, asOf generic.TimePoint) []int {
	var fired []int
	for _, idx := range pair {
		sro := cascade[idx].SroExpiresAt
		if !sro.IsZero() && sro.BeforeOrEqual(asOf) && sro.BeforeOrEqual(candidate) {
			fired = append(fired, idx)
		}
	}
	return fired
}

func withoutIndexes(walk, drop []int) []int {
	out := make([]int, 0, len(walk))
	for _, idx := range walk {
		keep := true
		for _, d := range drop {
			if d == idx {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, idx)
		}
	}
	return out
}

func hasGbroState(p AttendancePoint) bool {
	return p.GbroExpiresAt != nil || p.GbroAppliedAt != nil || p.GbroBatchID != ""
}

func pointChanged(before, after AttendancePoint) bool {
	return !sameDate(before.GbroExpiresAt, after.GbroExpiresAt) ||
		!sameDate(before.GbroAppliedAt, after.GbroAppliedAt) ||
		before.GbroBatchID != after.GbroBatchID ||
		before.IsExpired != after.IsExpired ||
		!sameDate(before.ExpiredAt, after.ExpiredAt) ||
		before.ExpirationType != after.ExpirationType
}
