package sessions

import (
	"context"

	"github.com/google/uuid"

	"github.com/ehr/mhehr/internal/domain/compensation"
)

// Ledger exposes session completions to payment calculation.
type Ledger struct {
	repo       SessionRepository
	invalidate func(ctx context.Context)
}

var _ compensation.SessionLedger = (*Ledger)(nil)

func NewLedger(repo SessionRepository) *Ledger {
	return &Ledger{repo: repo}
}

// OnChange registers fn to run after the ledger writes session amounts or
// payment state.
func (l *Ledger) OnChange(fn func(ctx context.Context)) { l.invalidate = fn }

func (l *Ledger) changed(ctx context.Context) {
	if l.invalidate != nil {
		l.invalidate(ctx)
	}
}

func (l *Ledger) ListPayable(ctx context.Context, providerID uuid.UUID, period compensation.PayPeriod) ([]compensation.BillableSession, error) {
	rows, err := l.repo.ListPayable(ctx, providerID, period)
	if err != nil {
		return nil, err
	}
	out := make([]compensation.BillableSession, len(rows))
	for i, s := range rows {
		out[i] = s.Billable()
	}
	return out, nil
}

func (l *Ledger) RecordAmounts(ctx context.Context, amounts map[uuid.UUID]float64) error {
	if err := l.repo.RecordAmounts(ctx, amounts); err != nil {
		return err
	}
	l.changed(ctx)
	return nil
}

func (l *Ledger) MarkPaid(ctx context.Context, calculationID uuid.UUID, ids []uuid.UUID) error {
	if err := l.repo.MarkPaid(ctx, calculationID, ids); err != nil {
		return err
	}
	l.changed(ctx)
	return nil
}
