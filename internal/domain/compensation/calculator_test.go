package compensation

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sessionConfig() *CompensationConfig {
	cfg := &CompensationConfig{
		CompensationType:   TypeSessionBased,
		BaseSessionRate:    100,
		RequireSignedNotes: true,
	}
	cfg.ApplyDefaults()
	return cfg
}

func hourlyConfig(rate float64) *CompensationConfig {
	cfg := &CompensationConfig{
		CompensationType: TypeHourly,
		BaseHourlyRate:   rate,
	}
	cfg.ApplyDefaults()
	return cfg
}

func signed(sessionType string, minutes int) BillableSession {
	return BillableSession{
		ID:              uuid.New(),
		SessionType:     sessionType,
		DurationMinutes: minutes,
		Status:          SessionCompleted,
		NoteSigned:      true,
	}
}

func TestDurationMultiplier_Tiers(t *testing.T) {
	cases := []struct {
		minutes int
		want    float64
	}{
		{0, 0}, {15, 0}, {16, 0.5}, {37, 0.5}, {38, 0.75}, {52, 0.75},
		{53, 1.0}, {60, 1.0}, {89, 1.0}, {90, 1.5}, {180, 1.5},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DurationMultiplier(tc.minutes), "%d minutes", tc.minutes)
	}
}

func TestSessionAmount_IndividualHour(t *testing.T) {
	line, err := SessionAmount(sessionConfig(), signed("individual", 60))
	require.NoError(t, err)
	assert.Equal(t, 100.0, line.Amount)
	assert.False(t, line.Withheld)
}

func TestSessionAmount_TypeAndDuration(t *testing.T) {
	cases := []struct {
		sessionType string
		minutes     int
		want        float64
	}{
		{"intake", 60, 125},
		{"family", 55, 110},
		{"couples", 30, 55},
		{"group", 45, 56.25},
		{"crisis", 90, 225},
		{"testing", 60, 130},
	}
	for _, tc := range cases {
		line, err := SessionAmount(sessionConfig(), signed(tc.sessionType, tc.minutes))
		require.NoError(t, err, tc.sessionType)
		assert.Equal(t, tc.want, line.Amount, tc.sessionType)
	}
}

func TestSessionAmount_ConfigOverridesMultiplier(t *testing.T) {
	cfg := sessionConfig()
	cfg.SessionTypeMultipliers = map[string]float64{"individual": 1.2}
	line, err := SessionAmount(cfg, signed("individual", 60))
	require.NoError(t, err)
	assert.Equal(t, 120.0, line.Amount)
}

func TestSessionAmount_BelowMinimum(t *testing.T) {
	line, err := SessionAmount(sessionConfig(), signed("individual", 10))
	require.NoError(t, err)
	assert.Zero(t, line.Amount)
	assert.Equal(t, "below_minimum_duration", line.Reason)
}

func TestSessionAmount_UnsignedWithheld(t *testing.T) {
	s := signed("individual", 60)
	s.NoteSigned = false
	line, err := SessionAmount(sessionConfig(), s)
	require.NoError(t, err)
	assert.True(t, line.Withheld)
	assert.Zero(t, line.Amount)

	s.Overridden = true
	line, err = SessionAmount(sessionConfig(), s)
	require.NoError(t, err)
	assert.False(t, line.Withheld)
	assert.Equal(t, 100.0, line.Amount)
}

func TestSessionAmount_UnsignedPaidWhenNotRequired(t *testing.T) {
	cfg := sessionConfig()
	cfg.RequireSignedNotes = false
	s := signed("individual", 60)
	s.NoteSigned = false
	line, err := SessionAmount(cfg, s)
	require.NoError(t, err)
	assert.Equal(t, 100.0, line.Amount)
}

func TestSessionAmount_NoShowFlatRate(t *testing.T) {
	cfg := sessionConfig()
	cfg.NoShowRate = 25
	for _, status := range []string{SessionNoShow, SessionLateCancel} {
		s := signed("individual", 0)
		s.Status = status
		s.NoteSigned = false
		line, err := SessionAmount(cfg, s)
		require.NoError(t, err)
		assert.Equal(t, 25.0, line.Amount, status)
		assert.False(t, line.Withheld, status)
	}
}

func TestSessionAmount_UnknownType(t *testing.T) {
	_, err := SessionAmount(sessionConfig(), signed("massage", 60))
	assert.Error(t, err)
}

func TestCalculateSessionPay_Totals(t *testing.T) {
	base := time.Date(2026, time.January, 5, 9, 0, 0, 0, time.UTC)
	a := signed("individual", 60)
	a.SessionDate = base.Add(2 * time.Hour)
	b := signed("intake", 60)
	b.SessionDate = base
	c := signed("individual", 60)
	c.SessionDate = base.Add(4 * time.Hour)
	c.NoteSigned = false

	res, err := CalculateSessionPay(sessionConfig(), []BillableSession{a, b, c})
	require.NoError(t, err)
	assert.Equal(t, 3, res.SessionCount)
	assert.Equal(t, 2, res.PaidCount)
	assert.Equal(t, 1, res.WithheldCount)
	assert.Equal(t, 225.0, res.Total)
	require.Len(t, res.Lines, 3)
	assert.Equal(t, b.ID, res.Lines[0].SessionID, "lines are in session date order")
}

func entry(start time.Time, hours float64, breakMinutes int) TimeEntry {
	return TimeEntry{
		ID:           uuid.New(),
		ClockIn:      start,
		ClockOut:     start.Add(time.Duration(hours * float64(time.Hour))),
		BreakMinutes: breakMinutes,
	}
}

// 2026-01-05 is a Monday.
var monday = time.Date(2026, time.January, 5, 0, 0, 0, 0, time.UTC)

func TestCalculateHourlyPay_BreakRemoved(t *testing.T) {
	res, err := CalculateHourlyPay(hourlyConfig(40), []TimeEntry{entry(monday.Add(9*time.Hour), 8, 30)}, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 7.5, res.RegularHours)
	assert.Equal(t, 300.0, res.RegularAmount)
	assert.Equal(t, 300.0, res.Total)
}

func TestCalculateHourlyPay_Overtime(t *testing.T) {
	var entries []TimeEntry
	for d := 0; d < 5; d++ {
		entries = append(entries, entry(monday.AddDate(0, 0, d).Add(8*time.Hour), 9, 0))
	}
	res, err := CalculateHourlyPay(hourlyConfig(20), entries, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 40.0, res.RegularHours)
	assert.Equal(t, 5.0, res.OvertimeHours)
	assert.Equal(t, 800.0, res.RegularAmount)
	assert.Equal(t, 150.0, res.OvertimeAmount)
	assert.Equal(t, 950.0, res.Total)
}

func TestCalculateHourlyPay_OvertimeFollowsClockInOrder(t *testing.T) {
	cfg := hourlyConfig(10)
	cfg.OvertimeThresholdHours = 2
	late := entry(monday.Add(13*time.Hour), 2, 0)
	early := entry(monday.Add(9*time.Hour), 2, 0)
	res, err := CalculateHourlyPay(cfg, []TimeEntry{late, early}, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 2.0, res.RegularHours)
	assert.Equal(t, 2.0, res.OvertimeHours)
}

func TestCalculateHourlyPay_ThresholdMidMinute(t *testing.T) {
	cfg := hourlyConfig(60)
	cfg.OvertimeThresholdHours = 1
	first := TimeEntry{ID: uuid.New(), ClockIn: monday.Add(9*time.Hour + 30*time.Second), ClockOut: monday.Add(10 * time.Hour)}
	second := TimeEntry{ID: uuid.New(), ClockIn: monday.Add(11 * time.Hour), ClockOut: monday.Add(12 * time.Hour)}

	res, err := CalculateHourlyPay(cfg, []TimeEntry{first, second}, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.RegularHours)
	assert.Equal(t, 0.99, res.OvertimeHours)
	assert.Equal(t, 60.0, res.RegularAmount)
	// 59.5 minutes at 1.5 x $60/h
	assert.Equal(t, 89.25, res.OvertimeAmount)
}

func TestCalculateHourlyPay_WeekendStartsAtMidnight(t *testing.T) {
	cfg := hourlyConfig(0)
	cfg.WeekendDifferential = 60
	cfg.EveningDifferential = 0
	friday := monday.AddDate(0, 0, 4)
	e := TimeEntry{
		ID:       uuid.New(),
		ClockIn:  friday.Add(23*time.Hour + 30*time.Minute + 30*time.Second),
		ClockOut: friday.Add(24*time.Hour + 30*time.Minute + 30*time.Second),
	}

	res, err := CalculateHourlyPay(cfg, []TimeEntry{e}, time.UTC)
	require.NoError(t, err)
	// Saturday 00:00:00 to 00:30:30 is 30.5 minutes at $60/h.
	assert.Equal(t, 30.5, res.WeekendAmount)
}

func TestCalculateHourlyPay_EveningDifferential(t *testing.T) {
	cfg := hourlyConfig(20)
	cfg.EveningDifferential = 5
	res, err := CalculateHourlyPay(cfg, []TimeEntry{entry(monday.Add(16*time.Hour), 4, 0)}, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 4.0, res.RegularHours)
	assert.Equal(t, 2.0, res.EveningHours)
	assert.Equal(t, 10.0, res.EveningAmount)
	assert.Equal(t, 90.0, res.Total)
}

func TestCalculateHourlyPay_EarlyMorningIsEvening(t *testing.T) {
	cfg := hourlyConfig(20)
	cfg.EveningDifferential = 5
	res, err := CalculateHourlyPay(cfg, []TimeEntry{entry(monday.Add(4*time.Hour), 4, 0)}, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 2.0, res.EveningHours)
}

func TestCalculateHourlyPay_WeekendStacksWithEvening(t *testing.T) {
	cfg := hourlyConfig(20)
	cfg.EveningDifferential = 5
	cfg.WeekendDifferential = 3
	saturday := monday.AddDate(0, 0, 5)
	res, err := CalculateHourlyPay(cfg, []TimeEntry{entry(saturday.Add(17*time.Hour), 2, 0)}, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 2.0, res.WeekendHours)
	assert.Equal(t, 1.0, res.EveningHours)
	assert.Equal(t, 40.0+5.0+6.0, res.Total)
}

func TestCalculateHourlyPay_UsesLocalTime(t *testing.T) {
	loc := mustLoad(t, "America/New_York")
	cfg := hourlyConfig(20)
	cfg.EveningDifferential = 5
	// 22:00-23:00 UTC is 17:00-18:00 in New York: not evening.
	res, err := CalculateHourlyPay(cfg, []TimeEntry{entry(monday.Add(22*time.Hour), 1, 0)}, loc)
	require.NoError(t, err)
	assert.Zero(t, res.EveningHours)
}

func TestValidateTimeEntry(t *testing.T) {
	start := monday.Add(9 * time.Hour)
	cases := map[string]TimeEntry{
		"clock out before clock in": {ClockIn: start, ClockOut: start.Add(-time.Hour)},
		"zero span":                 {ClockIn: start, ClockOut: start},
		"negative break":            {ClockIn: start, ClockOut: start.Add(time.Hour), BreakMinutes: -5},
		"break covers span":         {ClockIn: start, ClockOut: start.Add(time.Hour), BreakMinutes: 60},
		"longer than a day":         {ClockIn: start, ClockOut: start.Add(25 * time.Hour)},
	}
	for name, e := range cases {
		e := e
		assert.Error(t, ValidateTimeEntry(&e), name)
	}
	ok := entry(start, 8, 30)
	assert.NoError(t, ValidateTimeEntry(&ok))
}

func TestCalculate_HourlyListsSessions(t *testing.T) {
	cfg := hourlyConfig(30)
	s := signed("individual", 60)
	b, sr, hr, err := Calculate(cfg, []BillableSession{s}, []TimeEntry{entry(monday.Add(9*time.Hour), 1, 0)}, time.UTC)
	require.NoError(t, err)
	require.NotNil(t, b.Hourly)
	assert.Equal(t, 30.0, hr.Total)
	assert.Equal(t, 1, sr.SessionCount)
	assert.Zero(t, sr.Total)
	assert.Equal(t, []uuid.UUID{s.ID}, b.PayableSessionIDs())
}

func TestCalculate_UnknownType(t *testing.T) {
	_, _, _, err := Calculate(&CompensationConfig{CompensationType: "salary"}, nil, nil, time.UTC)
	assert.Error(t, err)
}
