package compliance

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/mhehr/internal/domain/compensation"
	"github.com/ehr/mhehr/internal/domain/sessions"
)

// Totals summarises note compliance over a set of sessions.
type Totals struct {
	TotalSessions  int     `json:"total_sessions"`
	NotesRequired  int     `json:"notes_required"`
	Signed         int     `json:"signed"`
	SignedOnTime   int     `json:"signed_on_time"`
	SignedLate     int     `json:"signed_late"`
	Pending        int     `json:"pending"`
	Overdue        int     `json:"overdue"`
	Locked         int     `json:"locked"`
	Overridden     int     `json:"overridden"`
	ComplianceRate float64 `json:"compliance_rate"`
	AvgHoursToSign float64 `json:"avg_hours_to_sign"`
}

// ProviderCompliance is one provider's compliance over a date range.
type ProviderCompliance struct {
	ProviderID   uuid.UUID `json:"provider_id"`
	ProviderName string    `json:"provider_name"`
	Role         string    `json:"role"`
	From         time.Time `json:"from"`
	To           time.Time `json:"to"`
	Totals
}

// PracticeCompliance ranks every active provider, least compliant first.
type PracticeCompliance struct {
	From        time.Time            `json:"from"`
	To          time.Time            `json:"to"`
	GeneratedAt time.Time            `json:"generated_at"`
	Providers   []ProviderCompliance `json:"providers"`
	Practice    Totals               `json:"practice"`
}

type TypeStat struct {
	SessionType string  `json:"session_type"`
	Count       int     `json:"count"`
	Minutes     int     `json:"minutes"`
	Revenue     float64 `json:"revenue"`
}

type StatusStat struct {
	Status  string `json:"status"`
	Count   int    `json:"count"`
	Minutes int    `json:"minutes"`
}

// WeeklyStat buckets sessions by pay period.
type WeeklyStat struct {
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	Sessions    int       `json:"sessions"`
	Completed   int       `json:"completed"`
	NoShows     int       `json:"no_shows"`
	Minutes     int       `json:"minutes"`
	Revenue     float64   `json:"revenue"`
}

type SessionAnalytics struct {
	From          time.Time    `json:"from"`
	To            time.Time    `json:"to"`
	ProviderID    *uuid.UUID   `json:"provider_id,omitempty"`
	TotalSessions int          `json:"total_sessions"`
	TotalMinutes  int          `json:"total_minutes"`
	TotalRevenue  float64      `json:"total_revenue"`
	NoShowRate    float64      `json:"no_show_rate"`
	ByType        []TypeStat   `json:"by_type"`
	ByStatus      []StatusStat `json:"by_status"`
	Weekly        []WeeklyStat `json:"weekly"`
}

// Dashboard is a provider's view of the current pay period.
type Dashboard struct {
	ProviderID        uuid.UUID                        `json:"provider_id"`
	ProviderName      string                           `json:"provider_name"`
	Period            compensation.PayPeriod           `json:"period"`
	SessionCount      int                              `json:"session_count"`
	Minutes           int                              `json:"minutes"`
	CompensationType  string                           `json:"compensation_type,omitempty"`
	EstimatedEarnings float64                          `json:"estimated_earnings"`
	WithheldSessions  int                              `json:"withheld_sessions"`
	PendingNotes      int                              `json:"pending_notes"`
	OverdueNotes      int                              `json:"overdue_notes"`
	NextDeadline      *time.Time                       `json:"next_deadline,omitempty"`
	LatestCalculation *compensation.PaymentCalculation `json:"latest_calculation,omitempty"`
}

// tally accumulates Totals one session at a time.
type tally struct {
	Totals
	signHours float64
	timed     int
}

func (t *tally) add(sc *sessions.SessionCompletion, now time.Time) {
	t.TotalSessions++
	if sc.IsOverridden {
		t.Overridden++
	}
	if sc.IsLocked && sc.LockReason != nil && *sc.LockReason == sessions.LockDeadlineExpired {
		t.Locked++
	}
	if !sc.RequiresNote() {
		return
	}
	t.NotesRequired++

	if sc.NoteSigned {
		t.Signed++
		if sc.SignedLate {
			t.SignedLate++
		} else {
			t.SignedOnTime++
		}
		if sc.SignedAt != nil {
			t.signHours += sc.SignedAt.Sub(sc.SessionDate).Hours()
			t.timed++
		}
		return
	}
	if now.After(sc.NoteDeadline) {
		t.Overdue++
	} else {
		t.Pending++
	}
}

func (t *tally) totals() Totals {
	out := t.Totals
	out.ComplianceRate = 100
	if t.NotesRequired > 0 {
		out.ComplianceRate = round2(float64(t.SignedOnTime) / float64(t.NotesRequired) * 100)
	}
	if t.timed > 0 {
		out.AvgHoursToSign = round2(t.signHours / float64(t.timed))
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
