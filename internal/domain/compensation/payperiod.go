package compensation

import (
	"fmt"
	"time"
)

// PayPeriod is a Sunday-to-Saturday week in the practice timezone.
type PayPeriod struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// PayPeriodFor returns the week containing t. Start is Sunday 00:00 in loc and
// End is the last instant before the following Sunday 00:00.
func PayPeriodFor(t time.Time, loc *time.Location) PayPeriod {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	y, m, d := local.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, loc)
	start := midnight.AddDate(0, 0, -int(midnight.Weekday()))
	return PayPeriod{Start: start, End: start.AddDate(0, 0, 7).Add(-time.Nanosecond)}
}

// ParsePayPeriod parses a YYYY-MM-DD date and returns the period containing it.
func ParsePayPeriod(date string, loc *time.Location) (PayPeriod, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(time.DateOnly, date, loc)
	if err != nil {
		return PayPeriod{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", date)
	}
	return PayPeriodFor(t, loc), nil
}

func (p PayPeriod) Contains(t time.Time) bool {
	return !t.Before(p.Start) && !t.After(p.End)
}

func (p PayPeriod) Next() PayPeriod {
	return PayPeriodFor(p.Start.AddDate(0, 0, 7), p.Start.Location())
}

func (p PayPeriod) Previous() PayPeriod {
	return PayPeriodFor(p.Start.AddDate(0, 0, -7), p.Start.Location())
}

// Key identifies the period by its start date.
func (p PayPeriod) Key() string {
	return p.Start.Format(time.DateOnly)
}

// Days returns local midnight of each day in the period.
func (p PayPeriod) Days() []time.Time {
	days := make([]time.Time, 7)
	for i := range days {
		days[i] = p.Start.AddDate(0, 0, i)
	}
	return days
}

func (p PayPeriod) String() string {
	return fmt.Sprintf("%s..%s", p.Start.Format(time.DateOnly), p.End.Format(time.DateOnly))
}
