package compensation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func TestPayPeriodFor_StartsSundayMidnight(t *testing.T) {
	loc := mustLoad(t, "America/Chicago")
	for _, day := range []int{4, 5, 6, 7, 8, 9, 10} {
		at := time.Date(2026, time.January, day, 15, 30, 0, 0, loc)
		p := PayPeriodFor(at, loc)

		assert.Equal(t, time.Sunday, p.Start.Weekday(), "day %d", day)
		assert.Equal(t, time.Date(2026, time.January, 4, 0, 0, 0, 0, loc), p.Start, "day %d", day)
		assert.True(t, p.Contains(at))
		assert.Equal(t, 7*24*time.Hour-time.Nanosecond, p.End.Sub(p.Start))
	}
}

func TestPayPeriodFor_UsesLocalDate(t *testing.T) {
	loc := mustLoad(t, "America/New_York")
	// Sunday 02:00 UTC is still Saturday evening in New York.
	at := time.Date(2026, time.January, 11, 2, 0, 0, 0, time.UTC)
	p := PayPeriodFor(at, loc)
	assert.Equal(t, "2026-01-04", p.Key())
}

func TestPayPeriodFor_DSTWeek(t *testing.T) {
	loc := mustLoad(t, "America/New_York")
	p := PayPeriodFor(time.Date(2026, time.March, 10, 12, 0, 0, 0, loc), loc)

	assert.Equal(t, time.Date(2026, time.March, 8, 0, 0, 0, 0, loc), p.Start)
	assert.Equal(t, 167*time.Hour-time.Nanosecond, p.End.Sub(p.Start))

	next := p.Next()
	assert.Equal(t, 0, next.Start.Hour())
	assert.Equal(t, "2026-03-15", next.Key())
}

func TestPayPeriod_NextPrevious(t *testing.T) {
	p := PayPeriodFor(time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC), time.UTC)
	assert.Equal(t, "2025-12-28", p.Key())
	assert.Equal(t, "2026-01-04", p.Next().Key())
	assert.Equal(t, "2025-12-21", p.Previous().Key())
	assert.Equal(t, p, p.Next().Previous())
}

func TestPayPeriod_Contains(t *testing.T) {
	p := PayPeriodFor(time.Date(2026, time.January, 7, 0, 0, 0, 0, time.UTC), time.UTC)
	assert.True(t, p.Contains(p.Start))
	assert.True(t, p.Contains(p.End))
	assert.False(t, p.Contains(p.Start.Add(-time.Nanosecond)))
	assert.False(t, p.Contains(p.End.Add(time.Nanosecond)))
}

func TestPayPeriod_Days(t *testing.T) {
	p := PayPeriodFor(time.Date(2026, time.January, 7, 0, 0, 0, 0, time.UTC), time.UTC)
	days := p.Days()
	require.Len(t, days, 7)
	assert.Equal(t, time.Sunday, days[0].Weekday())
	assert.Equal(t, time.Saturday, days[6].Weekday())
}

func TestParsePayPeriod(t *testing.T) {
	p, err := ParsePayPeriod("2026-01-07", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "2026-01-04", p.Key())

	_, err = ParsePayPeriod("01/07/2026", time.UTC)
	assert.Error(t, err)
}
