package sessions

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/mhehr/internal/domain/compensation"
)

type SessionRepository interface {
	Create(ctx context.Context, s *SessionCompletion) error
	GetByID(ctx context.Context, id uuid.UUID) (*SessionCompletion, error)
	Update(ctx context.Context, s *SessionCompletion) error
	List(ctx context.Context, f SessionFilter, limit, offset int) ([]*SessionCompletion, int, error)

	// ListRange returns sessions dated in [from, to), optionally for one provider.
	ListRange(ctx context.Context, providerID *uuid.UUID, from, to time.Time) ([]*SessionCompletion, error)
	// ListUnsigned returns completed sessions without a signed note whose
	// deadline falls in [from, to), ordered by deadline. A nil provider
	// matches every provider; locked sessions are excluded.
	ListUnsigned(ctx context.Context, providerID *uuid.UUID, from, to time.Time) ([]*SessionCompletion, error)
	// LockExpired locks every unlocked, unsigned completed session whose
	// deadline is before now and returns the locked rows.
	LockExpired(ctx context.Context, now time.Time, reason string) ([]*SessionCompletion, error)
	MarkReminderSent(ctx context.Context, id uuid.UUID, at time.Time) error

	ListPayable(ctx context.Context, providerID uuid.UUID, period compensation.PayPeriod) ([]*SessionCompletion, error)
	RecordAmounts(ctx context.Context, amounts map[uuid.UUID]float64) error
	MarkPaid(ctx context.Context, calculationID uuid.UUID, ids []uuid.UUID) error
}
