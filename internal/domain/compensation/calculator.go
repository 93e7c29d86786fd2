package compensation

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
)

// DefaultSessionTypeMultipliers applies when a config does not override a type.
var DefaultSessionTypeMultipliers = map[string]float64{
	"individual": 1.0,
	"intake":     1.25,
	"family":     1.1,
	"couples":    1.1,
	"group":      0.75,
	"crisis":     1.5,
	"testing":    1.3,
}

// IsSessionType reports whether t is a known session type.
func IsSessionType(t string) bool {
	_, ok := DefaultSessionTypeMultipliers[t]
	return ok
}

// DurationMultiplier maps session minutes onto psychotherapy time tiers.
func DurationMultiplier(minutes int) float64 {
	switch {
	case minutes < 16:
		return 0
	case minutes < 38:
		return 0.5
	case minutes < 53:
		return 0.75
	case minutes < 90:
		return 1.0
	default:
		return 1.5
	}
}

// TypeMultiplier returns the multiplier cfg applies to sessionType.
func TypeMultiplier(cfg *CompensationConfig, sessionType string) (float64, error) {
	if !IsSessionType(sessionType) {
		return 0, fmt.Errorf("unknown session type %q", sessionType)
	}
	if m, ok := cfg.SessionTypeMultipliers[sessionType]; ok {
		return m, nil
	}
	return DefaultSessionTypeMultipliers[sessionType], nil
}

// SessionLine is one session's contribution to a calculation.
type SessionLine struct {
	SessionID          uuid.UUID `json:"session_id"`
	SessionDate        time.Time `json:"session_date"`
	SessionType        string    `json:"session_type"`
	DurationMinutes    int       `json:"duration_minutes"`
	Status             string    `json:"status"`
	TypeMultiplier     float64   `json:"type_multiplier"`
	DurationMultiplier float64   `json:"duration_multiplier"`
	Amount             float64   `json:"amount"`
	Withheld           bool      `json:"withheld,omitempty"`
	Reason             string    `json:"reason,omitempty"`
}

// SessionResult totals session-based pay for a period.
type SessionResult struct {
	Lines         []SessionLine `json:"lines"`
	SessionCount  int           `json:"session_count"`
	PaidCount     int           `json:"paid_count"`
	WithheldCount int           `json:"withheld_count"`
	Total         float64       `json:"total"`
}

// SessionAmount prices a single session under cfg.
func SessionAmount(cfg *CompensationConfig, s BillableSession) (SessionLine, error) {
	line := SessionLine{
		SessionID:       s.ID,
		SessionDate:     s.SessionDate,
		SessionType:     s.SessionType,
		DurationMinutes: s.DurationMinutes,
		Status:          s.Status,
	}
	typeMult, err := TypeMultiplier(cfg, s.SessionType)
	if err != nil {
		return line, err
	}
	line.TypeMultiplier = typeMult

	switch s.Status {
	case SessionNoShow, SessionLateCancel:
		line.Amount = round2(cfg.NoShowRate)
		line.Reason = s.Status
		return line, nil
	case SessionCompleted:
	default:
		return line, fmt.Errorf("unknown session status %q", s.Status)
	}

	line.DurationMultiplier = DurationMultiplier(s.DurationMinutes)
	if cfg.RequireSignedNotes && !s.NoteSigned && !s.Overridden {
		line.Withheld = true
		line.Reason = "note_unsigned"
		return line, nil
	}
	if line.DurationMultiplier == 0 {
		line.Reason = "below_minimum_duration"
		return line, nil
	}
	line.Amount = round2(cfg.BaseSessionRate * typeMult * line.DurationMultiplier)
	return line, nil
}

// CalculateSessionPay prices every session. Sessions are reported in date order.
func CalculateSessionPay(cfg *CompensationConfig, sessions []BillableSession) (SessionResult, error) {
	sorted := make([]BillableSession, len(sessions))
	copy(sorted, sessions)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].SessionDate.Before(sorted[j].SessionDate) })

	res := SessionResult{Lines: make([]SessionLine, 0, len(sorted))}
	var total float64
	for _, s := range sorted {
		line, err := SessionAmount(cfg, s)
		if err != nil {
			return SessionResult{}, fmt.Errorf("session %s: %w", s.ID, err)
		}
		res.Lines = append(res.Lines, line)
		res.SessionCount++
		switch {
		case line.Withheld:
			res.WithheldCount++
		case line.Amount > 0:
			res.PaidCount++
		}
		total += line.Amount
	}
	res.Total = round2(total)
	return res, nil
}

// HourlyResult splits hourly pay by category. Evening and weekend hours
// overlap regular and overtime hours.
type HourlyResult struct {
	RegularHours   float64 `json:"regular_hours"`
	OvertimeHours  float64 `json:"overtime_hours"`
	EveningHours   float64 `json:"evening_hours"`
	WeekendHours   float64 `json:"weekend_hours"`
	RegularAmount  float64 `json:"regular_amount"`
	OvertimeAmount float64 `json:"overtime_amount"`
	EveningAmount  float64 `json:"evening_amount"`
	WeekendAmount  float64 `json:"weekend_amount"`
	Total          float64 `json:"total"`
}

// ValidateTimeEntry rejects entries that cannot be paid.
func ValidateTimeEntry(e *TimeEntry) error {
	if !e.ClockOut.After(e.ClockIn) {
		return fmt.Errorf("clock_out must be after clock_in")
	}
	if e.BreakMinutes < 0 {
		return fmt.Errorf("break_minutes must not be negative")
	}
	span := e.ClockOut.Sub(e.ClockIn)
	if span > 24*time.Hour {
		return fmt.Errorf("time entry spans more than 24 hours")
	}
	if time.Duration(e.BreakMinutes)*time.Minute >= span {
		return fmt.Errorf("break_minutes must be shorter than the entry")
	}
	return nil
}

func isEvening(hour, start, end int) bool {
	if start > end {
		return hour >= start || hour < end
	}
	return hour >= start && hour < end
}

// CalculateHourlyPay classifies paid time of entries. Each entry is cut at
// local hour boundaries and at the overtime threshold, so every stretch lies
// in one category. Overtime is assigned in clock-in order once cumulative
// paid time passes the threshold.
func CalculateHourlyPay(cfg *CompensationConfig, entries []TimeEntry, loc *time.Location) (HourlyResult, error) {
	if loc == nil {
		loc = time.UTC
	}
	sorted := make([]TimeEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ClockIn.Before(sorted[j].ClockIn) })

	threshold := time.Duration(cfg.OvertimeThresholdHours * float64(time.Hour))
	var worked, regular, overtime, evening, weekend time.Duration
	for i := range sorted {
		e := &sorted[i]
		if err := ValidateTimeEntry(e); err != nil {
			return HourlyResult{}, fmt.Errorf("time entry %s: %w", e.ID, err)
		}
		end := e.ClockOut.Add(-time.Duration(e.BreakMinutes) * time.Minute)
		for cur := e.ClockIn; cur.Before(end); {
			local := cur.In(loc)
			next := cur.Add(untilNextHour(local))
			if next.After(end) {
				next = end
			}
			if worked < threshold && cur.Add(threshold-worked).Before(next) {
				next = cur.Add(threshold - worked)
			}
			span := next.Sub(cur)

			if worked >= threshold {
				overtime += span
			} else {
				regular += span
			}
			if isEvening(local.Hour(), cfg.EveningStartHour, cfg.EveningEndHour) {
				evening += span
			}
			if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
				weekend += span
			}
			worked += span
			cur = next
		}
	}

	res := HourlyResult{
		RegularHours:   round2(regular.Hours()),
		OvertimeHours:  round2(overtime.Hours()),
		EveningHours:   round2(evening.Hours()),
		WeekendHours:   round2(weekend.Hours()),
		RegularAmount:  round2(regular.Hours() * cfg.BaseHourlyRate),
		OvertimeAmount: round2(overtime.Hours() * cfg.BaseHourlyRate * cfg.OvertimeMultiplier),
		EveningAmount:  round2(evening.Hours() * cfg.EveningDifferential),
		WeekendAmount:  round2(weekend.Hours() * cfg.WeekendDifferential),
	}
	res.Total = round2(res.RegularAmount + res.OvertimeAmount + res.EveningAmount + res.WeekendAmount)
	return res, nil
}

// untilNextHour is the time from local to the start of the next local hour.
func untilNextHour(local time.Time) time.Duration {
	past := time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second +
		time.Duration(local.Nanosecond())
	return time.Hour - past
}

// Calculate produces the breakdown for one provider and period.
func Calculate(cfg *CompensationConfig, sessions []BillableSession, entries []TimeEntry, loc *time.Location) (*Breakdown, SessionResult, HourlyResult, error) {
	var (
		sr SessionResult
		hr HourlyResult
	)
	switch cfg.CompensationType {
	case TypeSessionBased:
		var err error
		sr, err = CalculateSessionPay(cfg, sessions)
		if err != nil {
			return nil, sr, hr, err
		}
	case TypeHourly:
		var err error
		hr, err = CalculateHourlyPay(cfg, entries, loc)
		if err != nil {
			return nil, sr, hr, err
		}
		sr = hourlySessionLines(sessions)
	default:
		return nil, sr, hr, fmt.Errorf("unknown compensation type %q", cfg.CompensationType)
	}

	b := &Breakdown{Sessions: sr.Lines}
	if cfg.CompensationType == TypeHourly {
		b.Hourly = &hr
	}
	return b, sr, hr, nil
}

// hourlySessionLines lists sessions for hourly providers at zero amount so
// they are still linked to the calculation when it is paid.
func hourlySessionLines(sessions []BillableSession) SessionResult {
	res := SessionResult{Lines: make([]SessionLine, 0, len(sessions))}
	for _, s := range sessions {
		res.Lines = append(res.Lines, SessionLine{
			SessionID:       s.ID,
			SessionDate:     s.SessionDate,
			SessionType:     s.SessionType,
			DurationMinutes: s.DurationMinutes,
			Status:          s.Status,
			Reason:          "hourly",
		})
		res.SessionCount++
	}
	return res
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
