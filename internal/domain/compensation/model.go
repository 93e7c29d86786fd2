package compensation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	TypeSessionBased = "session_based"
	TypeHourly       = "hourly"
)

const (
	StatusDraft    = "draft"
	StatusApproved = "approved"
	StatusPaid     = "paid"
	StatusVoid     = "void"
)

// Session statuses as recorded by the session ledger.
const (
	SessionCompleted  = "completed"
	SessionNoShow     = "no_show"
	SessionLateCancel = "late_cancel"
)

// CompensationConfig maps to the compensation_config table.
type CompensationConfig struct {
	ID                     uuid.UUID          `db:"id" json:"id"`
	ProviderID             uuid.UUID          `db:"provider_id" json:"provider_id"`
	CompensationType       string             `db:"compensation_type" json:"compensation_type"`
	BaseSessionRate        float64            `db:"base_session_rate" json:"base_session_rate"`
	SessionTypeMultipliers map[string]float64 `db:"session_type_multipliers" json:"session_type_multipliers,omitempty"`
	NoShowRate             float64            `db:"no_show_rate" json:"no_show_rate"`
	BaseHourlyRate         float64            `db:"base_hourly_rate" json:"base_hourly_rate"`
	OvertimeThresholdHours float64            `db:"overtime_threshold_hours" json:"overtime_threshold_hours"`
	OvertimeMultiplier     float64            `db:"overtime_multiplier" json:"overtime_multiplier"`
	EveningDifferential    float64            `db:"evening_differential" json:"evening_differential"`
	WeekendDifferential    float64            `db:"weekend_differential" json:"weekend_differential"`
	EveningStartHour       int                `db:"evening_start_hour" json:"evening_start_hour"`
	EveningEndHour         int                `db:"evening_end_hour" json:"evening_end_hour"`
	RequireSignedNotes     bool               `db:"require_signed_notes" json:"require_signed_notes"`
	EffectiveDate          time.Time          `db:"effective_date" json:"effective_date"`
	ExpirationDate         *time.Time         `db:"expiration_date" json:"expiration_date,omitempty"`
	IsActive               bool               `db:"is_active" json:"is_active"`
	CreatedAt              time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt              time.Time          `db:"updated_at" json:"updated_at"`
}

// ApplyDefaults fills zero-valued tuning fields.
func (c *CompensationConfig) ApplyDefaults() {
	if c.OvertimeThresholdHours == 0 {
		c.OvertimeThresholdHours = 40
	}
	if c.OvertimeMultiplier == 0 {
		c.OvertimeMultiplier = 1.5
	}
	if c.EveningStartHour == 0 && c.EveningEndHour == 0 {
		c.EveningStartHour = 18
		c.EveningEndHour = 6
	}
}

// Covers reports whether the config is in effect at t.
func (c *CompensationConfig) Covers(t time.Time) bool {
	if t.Before(c.EffectiveDate) {
		return false
	}
	return c.ExpirationDate == nil || !t.After(*c.ExpirationDate)
}

// Overlaps reports whether the effective ranges of c and o intersect.
func (c *CompensationConfig) Overlaps(o *CompensationConfig) bool {
	if c.ExpirationDate != nil && c.ExpirationDate.Before(o.EffectiveDate) {
		return false
	}
	if o.ExpirationDate != nil && o.ExpirationDate.Before(c.EffectiveDate) {
		return false
	}
	return true
}

// TimeEntry maps to the time_entry table.
type TimeEntry struct {
	ID             uuid.UUID `db:"id" json:"id"`
	ProviderID     uuid.UUID `db:"provider_id" json:"provider_id"`
	ClockIn        time.Time `db:"clock_in" json:"clock_in"`
	ClockOut       time.Time `db:"clock_out" json:"clock_out"`
	BreakMinutes   int       `db:"break_minutes" json:"break_minutes"`
	Notes          *string   `db:"notes" json:"notes,omitempty"`
	PayPeriodStart time.Time `db:"pay_period_start" json:"pay_period_start"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// PaymentCalculation maps to the payment_calculation table.
type PaymentCalculation struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	ProviderID       uuid.UUID  `db:"provider_id" json:"provider_id"`
	ConfigID         uuid.UUID  `db:"config_id" json:"config_id"`
	PayPeriodStart   time.Time  `db:"pay_period_start" json:"pay_period_start"`
	PayPeriodEnd     time.Time  `db:"pay_period_end" json:"pay_period_end"`
	CompensationType string     `db:"compensation_type" json:"compensation_type"`
	SessionCount     int        `db:"session_count" json:"session_count"`
	PaidSessionCount int        `db:"paid_session_count" json:"paid_session_count"`
	WithheldCount    int        `db:"withheld_count" json:"withheld_count"`
	SessionAmount    float64    `db:"session_amount" json:"session_amount"`
	RegularHours     float64    `db:"regular_hours" json:"regular_hours"`
	OvertimeHours    float64    `db:"overtime_hours" json:"overtime_hours"`
	HourlyAmount     float64    `db:"hourly_amount" json:"hourly_amount"`
	TotalAmount      float64    `db:"total_amount" json:"total_amount"`
	Breakdown        *Breakdown `db:"breakdown" json:"breakdown,omitempty"`
	Status           string     `db:"status" json:"status"`
	ApprovedBy       *uuid.UUID `db:"approved_by" json:"approved_by,omitempty"`
	ApprovedAt       *time.Time `db:"approved_at" json:"approved_at,omitempty"`
	PaidAt           *time.Time `db:"paid_at" json:"paid_at,omitempty"`
	VoidReason       *string    `db:"void_reason" json:"void_reason,omitempty"`
	CalculatedAt     time.Time  `db:"calculated_at" json:"calculated_at"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// Breakdown is stored as JSON alongside a calculation.
type Breakdown struct {
	Sessions []SessionLine `json:"sessions"`
	Hourly   *HourlyResult `json:"hourly,omitempty"`
}

// PayableSessionIDs returns sessions that contributed a payable line.
func (b *Breakdown) PayableSessionIDs() []uuid.UUID {
	if b == nil {
		return nil
	}
	var ids []uuid.UUID
	for _, l := range b.Sessions {
		if !l.Withheld {
			ids = append(ids, l.SessionID)
		}
	}
	return ids
}

// BillableSession is the ledger's view of a session completion.
type BillableSession struct {
	ID              uuid.UUID
	ProviderID      uuid.UUID
	SessionDate     time.Time
	SessionType     string
	DurationMinutes int
	Status          string
	NoteSigned      bool
	SignedAt        *time.Time
	Overridden      bool
	OverriddenAt    *time.Time
	PayPeriodStart  time.Time
}

// AsOf returns the session as it stood at t: a signature or override
// recorded after t does not count.
func (s BillableSession) AsOf(t time.Time) BillableSession {
	if s.NoteSigned && s.SignedAt != nil && s.SignedAt.After(t) {
		s.NoteSigned = false
	}
	if s.Overridden && s.OverriddenAt != nil && s.OverriddenAt.After(t) {
		s.Overridden = false
	}
	return s
}

// SessionLedger exposes the session rows compensation reads and writes back.
type SessionLedger interface {
	// ListPayable returns the provider's unpaid sessions in period plus
	// earlier unpaid sessions whose note was signed or overridden during
	// period.
	ListPayable(ctx context.Context, providerID uuid.UUID, period PayPeriod) ([]BillableSession, error)
	RecordAmounts(ctx context.Context, amounts map[uuid.UUID]float64) error
	MarkPaid(ctx context.Context, calculationID uuid.UUID, sessionIDs []uuid.UUID) error
}

// CalculationFilter narrows ListCalculations.
type CalculationFilter struct {
	ProviderID     *uuid.UUID
	PayPeriodStart *time.Time
	Status         string
}

// PayrollExport maps to the payroll_export table.
type PayrollExport struct {
	ID               string    `db:"id" json:"id"`
	PayPeriodStart   time.Time `db:"pay_period_start" json:"pay_period_start"`
	FileName         string    `db:"file_name" json:"file_name"`
	Size             int64     `db:"size" json:"size"`
	Hash             string    `db:"hash" json:"hash"`
	CalculationCount int       `db:"calculation_count" json:"calculation_count"`
	TotalAmount      float64   `db:"total_amount" json:"total_amount"`
	CreatedBy        string    `db:"created_by" json:"created_by"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}
