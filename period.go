package chatgate

import "time"

// Period is a calendar-month billing window. Start is the first day of the
// month and End the last day, both at midnight UTC.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// PeriodContaining returns the billing period for the month containing t.
func PeriodContaining(t time.Time) Period {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, -1)
	return Period{Start: start, End: end}
}

// Key returns a stable identifier for the period, e.g. "2026-10".
func (p Period) Key() string { return p.Start.Format("2006-01") }

// Contains reports whether t falls on a day inside the period.
func (p Period) Contains(t time.Time) bool {
	t = t.UTC()
	return !t.Before(p.Start) && t.Before(p.End.AddDate(0, 0, 1))
}
