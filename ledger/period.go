package ledger

import (
	"time"

	"github.com/spendsweep/spendsweep/errors"
)

// Period is a half-open time interval [Start, End) that the orchestrator and
// ledger agree on. Periods are supplied by the scheduler, never derived by
// the ledger itself.
type Period struct {
	Start time.Time
	End   time.Time
}

// NewPeriod constructs a period, normalizing both bounds to UTC so that the
// (user, period) unique constraint compares identical text for identical
// instants regardless of the caller's location.
func NewPeriod(start, end time.Time) (Period, error) {
	if !start.Before(end) {
		return Period{}, errors.Newf("invalid period: start %s is not before end %s", start, end)
	}
	return Period{Start: start.UTC(), End: end.UTC()}, nil
}

// MonthOf returns the calendar-month period containing t.
func MonthOf(t time.Time) Period {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.AddDate(0, 1, 0)}
}

// HalfMonthOf returns the half-month period containing t: days 1-15 or day 16
// through the start of the next month.
func HalfMonthOf(t time.Time) Period {
	t = t.UTC()
	monthStart := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	mid := monthStart.AddDate(0, 0, 15)
	if t.Before(mid) {
		return Period{Start: monthStart, End: mid}
	}
	return Period{Start: mid, End: monthStart.AddDate(0, 1, 0)}
}

// Contains reports whether t falls inside the half-open interval.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Key returns a stable string identifying the period, suitable for dedupe
// keys and logging.
func (p Period) Key() string {
	return p.Start.Format("2006-01-02") + ".." + p.End.Format("2006-01-02")
}

// String implements fmt.Stringer.
func (p Period) String() string {
	return p.Key()
}
