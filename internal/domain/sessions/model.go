package sessions

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/mhehr/internal/domain/compensation"
)

const (
	StatusCompleted  = compensation.SessionCompleted
	StatusNoShow     = compensation.SessionNoShow
	StatusLateCancel = compensation.SessionLateCancel
)

var validStatuses = map[string]bool{
	StatusCompleted:  true,
	StatusNoShow:     true,
	StatusLateCancel: true,
}

// Lock reasons.
const (
	LockDeadlineExpired = "deadline_expired"
	LockSigned          = "signed"
	LockCosigned        = "cosigned"
)

// SessionCompletion maps to the session_completion table.
type SessionCompletion struct {
	ID                   uuid.UUID  `db:"id" json:"id"`
	ProviderID           uuid.UUID  `db:"provider_id" json:"provider_id"`
	ClientID             uuid.UUID  `db:"client_id" json:"client_id"`
	AppointmentID        *uuid.UUID `db:"appointment_id" json:"appointment_id,omitempty"`
	SupervisorID         *uuid.UUID `db:"supervisor_id" json:"supervisor_id,omitempty"`
	SessionDate          time.Time  `db:"session_date" json:"session_date"`
	SessionType          string     `db:"session_type" json:"session_type"`
	DurationMinutes      int        `db:"duration_minutes" json:"duration_minutes"`
	Status               string     `db:"status" json:"status"`
	PayPeriodStart       time.Time  `db:"pay_period_start" json:"pay_period_start"`
	NoteDeadline         time.Time  `db:"note_deadline" json:"note_deadline"`
	NoteSigned           bool       `db:"note_signed" json:"note_signed"`
	SignedAt             *time.Time `db:"signed_at" json:"signed_at,omitempty"`
	SignedBy             *uuid.UUID `db:"signed_by" json:"signed_by,omitempty"`
	SignedLate           bool       `db:"signed_late" json:"signed_late"`
	RequiresCosign       bool       `db:"requires_cosign" json:"requires_cosign"`
	Cosigned             bool       `db:"cosigned" json:"cosigned"`
	CosignedAt           *time.Time `db:"cosigned_at" json:"cosigned_at,omitempty"`
	CosignedBy           *uuid.UUID `db:"cosigned_by" json:"cosigned_by,omitempty"`
	IsLocked             bool       `db:"is_locked" json:"is_locked"`
	LockedAt             *time.Time `db:"locked_at" json:"locked_at,omitempty"`
	LockReason           *string    `db:"lock_reason" json:"lock_reason,omitempty"`
	IsOverridden         bool       `db:"is_overridden" json:"is_overridden"`
	OverriddenBy         *uuid.UUID `db:"overridden_by" json:"overridden_by,omitempty"`
	OverrideReason       *string    `db:"override_reason" json:"override_reason,omitempty"`
	OverriddenAt         *time.Time `db:"overridden_at" json:"overridden_at,omitempty"`
	CalculatedAmount     *float64   `db:"calculated_amount" json:"calculated_amount,omitempty"`
	IsPaid               bool       `db:"is_paid" json:"is_paid"`
	PaymentCalculationID *uuid.UUID `db:"payment_calculation_id" json:"payment_calculation_id,omitempty"`
	ReminderSentAt       *time.Time `db:"reminder_sent_at" json:"reminder_sent_at,omitempty"`
	Notes                *string    `db:"notes" json:"notes,omitempty"`
	CreatedAt            time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time  `db:"updated_at" json:"updated_at"`
}

// RequiresNote reports whether a progress note must be signed for s.
func (s *SessionCompletion) RequiresNote() bool {
	return s.Status == StatusCompleted
}

// Outstanding reports whether the note is still unsigned and can be signed.
func (s *SessionCompletion) Outstanding() bool {
	return s.RequiresNote() && !s.NoteSigned && !s.IsLocked
}

func (s *SessionCompletion) IsOverdue(now time.Time) bool {
	return s.RequiresNote() && !s.NoteSigned && now.After(s.NoteDeadline)
}

// Billable converts s to the calculator's view of a session.
func (s *SessionCompletion) Billable() compensation.BillableSession {
	return compensation.BillableSession{
		ID:              s.ID,
		ProviderID:      s.ProviderID,
		SessionDate:     s.SessionDate,
		SessionType:     s.SessionType,
		DurationMinutes: s.DurationMinutes,
		Status:          s.Status,
		NoteSigned:      s.NoteSigned,
		SignedAt:        s.SignedAt,
		Overridden:      s.IsOverridden,
		OverriddenAt:    s.OverriddenAt,
		PayPeriodStart:  s.PayPeriodStart,
	}
}

func (s *SessionCompletion) lock(reason string, at time.Time) {
	s.IsLocked = true
	s.LockedAt = &at
	s.LockReason = &reason
}

// SessionFilter narrows ListSessions. Zero values are ignored.
type SessionFilter struct {
	ProviderID *uuid.UUID
	ClientID   *uuid.UUID
	From       *time.Time
	To         *time.Time
	Status     string
	Signed     *bool
	Locked     *bool
}
