package generic

// =============================================================================
// PERIOD - Inclusive date range used to scope batch operations
// =============================================================================

// Period is an inclusive [Start, End] date range. A zero Start or End leaves
// that side open.
type Period struct {
	Start TimePoint `json:"start"`
	End   TimePoint `json:"end"`
}

// Validate reports ErrInvalidPeriod when both bounds are set and End < Start.
func (p Period) Validate() error {
	if !p.Start.IsZero() && !p.End.IsZero() && p.End.Before(p.Start) {
		return ErrInvalidPeriod
	}
	return nil
}

// Contains returns true if the time point is within the period [Start, End]
func (p Period) Contains(t TimePoint) bool {
	if !p.Start.IsZero() && t.Before(p.Start) {
		return false
	}
	if !p.End.IsZero() && t.After(p.End) {
		return false
	}
	return true
}

// String returns a string representation of the period.
func (p Period) String() string {
	start, end := "-inf", "+inf"
	if !p.Start.IsZero() {
		start = p.Start.String()
	}
	if !p.End.IsZero() {
		end = p.End.String()
	}
	return "[" + start + ", " + end + "]"
}
