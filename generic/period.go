package generic

// =============================================================================
// PERIOD - The historical window weights are computed over
// =============================================================================

// Period is an inclusive date range [Start, End].
//
// Examples:
//   - Last calendar year: Jan 1 - Dec 31
//   - Trailing quarter:   Oct 1 - Dec 31
type Period struct {
	Start TimePoint `json:"start"`
	End   TimePoint `json:"end"`
}

// Contains returns true if the time point is within the period [Start, End]
func (p Period) Contains(t TimePoint) bool {
	return t.AfterOrEqual(p.Start) && t.BeforeOrEqual(p.End)
}

// Validate rejects zero dates and periods that end before they start.
func (p Period) Validate() error {
	if p.Start.IsZero() {
		return NewValidationError("period_start", "period start is required")
	}
	if p.End.IsZero() {
		return NewValidationError("period_end", "period end is required")
	}
	if p.End.Before(p.Start) {
		return &ValidationError{Field: "period_end", Message: "period end is before period start", err: ErrInvalidPeriod}
	}
	return nil
}

// WithEnd returns a copy of the period ending at end. Recalculation uses it to
// extend a window once more history exists.
func (p Period) WithEnd(end TimePoint) Period {
	return Period{Start: p.Start, End: end}
}

// Days returns the number of calendar days covered, inclusive.
func (p Period) Days() int {
	return DaysBetween(p.Start, p.End) + 1
}

// String returns a string representation of the period.
func (p Period) String() string {
	return "[" + p.Start.String() + ", " + p.End.String() + "]"
}
