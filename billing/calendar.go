package billing

import (
	"fmt"
	"time"
)

// =============================================================================
// DATE - Day-granularity calendar date (billing never cares about hours)
// =============================================================================

const dateLayout = "2006-01-02"

// Date is a calendar day in UTC. The zero value means "unset".
type Date struct {
	Time time.Time
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates t to its calendar day, keeping t's own year/month/day.
func DateOf(t time.Time) Date {
	return NewDate(t.Year(), t.Month(), t.Day())
}

func Today() Date {
	return DateOf(time.Now())
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q (use YYYY-MM-DD): %w", s, err)
	}
	return DateOf(t), nil
}

// Comparison
func (d Date) Before(other Date) bool        { return d.Time.Before(other.Time) }
func (d Date) After(other Date) bool         { return d.Time.After(other.Time) }
func (d Date) Equal(other Date) bool         { return d.Time.Equal(other.Time) }
func (d Date) BeforeOrEqual(other Date) bool { return !d.After(other) }
func (d Date) AfterOrEqual(other Date) bool  { return !d.Before(other) }

// Arithmetic
func (d Date) AddDays(n int) Date { return Date{Time: d.Time.AddDate(0, 0, n)} }

// Properties
func (d Date) Year() int         { return d.Time.Year() }
func (d Date) Month() time.Month { return d.Time.Month() }
func (d Date) Day() int          { return d.Time.Day() }
func (d Date) IsZero() bool      { return d.Time.IsZero() }

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Time.Format(dateLayout)
}

// Ptr returns a pointer to a copy of d, handy for optional fields.
func (d Date) Ptr() *Date { return &d }

// Clock returns "today". Components take a Clock so batch runs and tests can pin the date.
type Clock func() Date

// FixedClock always returns d.
func FixedClock(d Date) Clock { return func() Date { return d } }

// =============================================================================
// BILLING CALENDAR - Pure period arithmetic
// =============================================================================

// DaysInMonth returns the number of days in the given month.
func DaysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// BillingDate returns day `day` of the given month, clamped to the month's last day.
// Month overflow is normalized first, so (2024, 13, 5) is 2025-01-05.
func BillingDate(year int, month time.Month, day int) Date {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	last := DaysInMonth(first.Year(), first.Month())
	if day > last {
		day = last
	}
	if day < 1 {
		day = 1
	}
	return NewDate(first.Year(), first.Month(), day)
}

// CycleDates returns the billing dates for the months now-before .. now+after,
// oldest first. Dates before the lease start, or after the optional lease end,
// are left out.
func CycleDates(start Date, billingDay int, now Date, before, after int, end *Date) []Date {
	var dates []Date
	for offset := -before; offset <= after; offset++ {
		d := BillingDate(now.Year(), now.Month()+time.Month(offset), billingDay)
		if d.Before(start) {
			continue
		}
		if end != nil && !end.IsZero() && d.After(*end) {
			continue
		}
		dates = append(dates, d)
	}
	return dates
}

// GraceDeadline is the last day on which non-payment is still tolerated.
func GraceDeadline(billingDate Date, graceDays int) Date {
	return billingDate.AddDays(graceDays)
}

// IsOverdue reports whether the grace period has fully elapsed by today.
func IsOverdue(billingDate Date, graceDays int, today Date) bool {
	return GraceDeadline(billingDate, graceDays).Before(today)
}

// DaysBetween returns whole days from -> to (negative when to is earlier).
func DaysBetween(from, to Date) int {
	return int(to.Time.Sub(from.Time).Hours() / 24)
}
