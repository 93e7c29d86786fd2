package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ehr/mhehr/internal/domain/compensation"
	"github.com/ehr/mhehr/internal/platform/db"
)

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

type sessionRepoPG struct {
	q db.Querier
}

func NewSessionRepoPG(q db.Querier) SessionRepository {
	return &sessionRepoPG{q: q}
}

const sessionColumns = `id, provider_id, client_id, appointment_id, supervisor_id,
	session_date, session_type, duration_minutes, status, pay_period_start, note_deadline,
	note_signed, signed_at, signed_by, signed_late,
	requires_cosign, cosigned, cosigned_at, cosigned_by,
	is_locked, locked_at, lock_reason,
	is_overridden, overridden_by, override_reason, overridden_at,
	calculated_amount, is_paid, payment_calculation_id, reminder_sent_at, notes,
	created_at, updated_at`

func scanSession(row pgx.Row) (*SessionCompletion, error) {
	var s SessionCompletion
	err := row.Scan(
		&s.ID, &s.ProviderID, &s.ClientID, &s.AppointmentID, &s.SupervisorID,
		&s.SessionDate, &s.SessionType, &s.DurationMinutes, &s.Status, &s.PayPeriodStart, &s.NoteDeadline,
		&s.NoteSigned, &s.SignedAt, &s.SignedBy, &s.SignedLate,
		&s.RequiresCosign, &s.Cosigned, &s.CosignedAt, &s.CosignedBy,
		&s.IsLocked, &s.LockedAt, &s.LockReason,
		&s.IsOverridden, &s.OverriddenBy, &s.OverrideReason, &s.OverriddenAt,
		&s.CalculatedAmount, &s.IsPaid, &s.PaymentCalculationID, &s.ReminderSentAt, &s.Notes,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

func collectSessions(rows pgx.Rows) ([]*SessionCompletion, error) {
	defer rows.Close()
	var out []*SessionCompletion
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *sessionRepoPG) Create(ctx context.Context, s *SessionCompletion) error {
	s.ID = uuid.New()
	return db.Conn(ctx, r.q).QueryRow(ctx, `
		INSERT INTO session_completion (
			id, provider_id, client_id, appointment_id, supervisor_id,
			session_date, session_type, duration_minutes, status, pay_period_start, note_deadline,
			requires_cosign, notes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::date, $11, $12, $13)
		RETURNING created_at, updated_at`,
		s.ID, s.ProviderID, s.ClientID, s.AppointmentID, s.SupervisorID,
		s.SessionDate, s.SessionType, s.DurationMinutes, s.Status, s.PayPeriodStart.Format(time.DateOnly), s.NoteDeadline,
		s.RequiresCosign, s.Notes,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
}

func (r *sessionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*SessionCompletion, error) {
	return scanSession(db.Conn(ctx, r.q).QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM session_completion WHERE id = $1`, id))
}

func (r *sessionRepoPG) Update(ctx context.Context, s *SessionCompletion) error {
	tag, err := db.Conn(ctx, r.q).Exec(ctx, `
		UPDATE session_completion SET
			client_id = $2, appointment_id = $3, supervisor_id = $4,
			session_date = $5, session_type = $6, duration_minutes = $7, status = $8,
			pay_period_start = $9::date, note_deadline = $10,
			note_signed = $11, signed_at = $12, signed_by = $13, signed_late = $14,
			requires_cosign = $15, cosigned = $16, cosigned_at = $17, cosigned_by = $18,
			is_locked = $19, locked_at = $20, lock_reason = $21,
			is_overridden = $22, overridden_by = $23, override_reason = $24, overridden_at = $25,
			reminder_sent_at = $26, notes = $27, updated_at = NOW()
		WHERE id = $1`,
		s.ID, s.ClientID, s.AppointmentID, s.SupervisorID,
		s.SessionDate, s.SessionType, s.DurationMinutes, s.Status,
		s.PayPeriodStart.Format(time.DateOnly), s.NoteDeadline,
		s.NoteSigned, s.SignedAt, s.SignedBy, s.SignedLate,
		s.RequiresCosign, s.Cosigned, s.CosignedAt, s.CosignedBy,
		s.IsLocked, s.LockedAt, s.LockReason,
		s.IsOverridden, s.OverriddenBy, s.OverrideReason, s.OverriddenAt,
		s.ReminderSentAt, s.Notes,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sessionRepoPG) List(ctx context.Context, f SessionFilter, limit, offset int) ([]*SessionCompletion, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1

	if f.ProviderID != nil {
		where += fmt.Sprintf(` AND provider_id = $%d`, idx)
		args = append(args, *f.ProviderID)
		idx++
	}
	if f.ClientID != nil {
		where += fmt.Sprintf(` AND client_id = $%d`, idx)
		args = append(args, *f.ClientID)
		idx++
	}
	if f.From != nil {
		where += fmt.Sprintf(` AND session_date >= $%d`, idx)
		args = append(args, *f.From)
		idx++
	}
	if f.To != nil {
		where += fmt.Sprintf(` AND session_date < $%d`, idx)
		args = append(args, *f.To)
		idx++
	}
	if f.Status != "" {
		where += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, f.Status)
		idx++
	}
	if f.Signed != nil {
		where += fmt.Sprintf(` AND note_signed = $%d`, idx)
		args = append(args, *f.Signed)
		idx++
	}
	if f.Locked != nil {
		where += fmt.Sprintf(` AND is_locked = $%d`, idx)
		args = append(args, *f.Locked)
		idx++
	}

	var total int
	if err := db.Conn(ctx, r.q).QueryRow(ctx, `SELECT COUNT(*) FROM session_completion`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + sessionColumns + ` FROM session_completion` + where +
		fmt.Sprintf(` ORDER BY session_date DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := db.Conn(ctx, r.q).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	sessions, err := collectSessions(rows)
	return sessions, total, err
}

func (r *sessionRepoPG) ListRange(ctx context.Context, providerID *uuid.UUID, from, to time.Time) ([]*SessionCompletion, error) {
	rows, err := db.Conn(ctx, r.q).Query(ctx, `
		SELECT `+sessionColumns+` FROM session_completion
		WHERE session_date >= $1 AND session_date < $2
			AND ($3::uuid IS NULL OR provider_id = $3)
		ORDER BY session_date`, from, to, providerID)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

func (r *sessionRepoPG) ListUnsigned(ctx context.Context, providerID *uuid.UUID, from, to time.Time) ([]*SessionCompletion, error) {
	rows, err := db.Conn(ctx, r.q).Query(ctx, `
		SELECT `+sessionColumns+` FROM session_completion
		WHERE status = 'completed' AND NOT note_signed AND NOT is_locked
			AND note_deadline >= $1 AND note_deadline < $2
			AND ($3::uuid IS NULL OR provider_id = $3)
		ORDER BY note_deadline, session_date`, from, to, providerID)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

func (r *sessionRepoPG) LockExpired(ctx context.Context, now time.Time, reason string) ([]*SessionCompletion, error) {
	rows, err := db.Conn(ctx, r.q).Query(ctx, `
		UPDATE session_completion SET
			is_locked = true, locked_at = $1, lock_reason = $2, updated_at = NOW()
		WHERE status = 'completed' AND NOT note_signed AND NOT is_locked
			AND note_deadline < $1
		RETURNING `+sessionColumns, now, reason)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

func (r *sessionRepoPG) MarkReminderSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := db.Conn(ctx, r.q).Exec(ctx,
		`UPDATE session_completion SET reminder_sent_at = $2, updated_at = NOW() WHERE id = $1`, id, at)
	return err
}

// ListPayable returns the unpaid sessions of the period plus earlier unpaid
// sessions whose note was signed, or whose lock was overridden, during it.
func (r *sessionRepoPG) ListPayable(ctx context.Context, providerID uuid.UUID, period compensation.PayPeriod) ([]*SessionCompletion, error) {
	rows, err := db.Conn(ctx, r.q).Query(ctx, `
		SELECT `+sessionColumns+` FROM session_completion
		WHERE provider_id = $1 AND NOT is_paid AND (
			pay_period_start = $2::date
			OR (pay_period_start < $2::date AND note_signed AND signed_at BETWEEN $3 AND $4)
			OR (pay_period_start < $2::date AND is_overridden AND overridden_at BETWEEN $3 AND $4)
		)
		ORDER BY session_date`, providerID, period.Key(), period.Start, period.End)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

func (r *sessionRepoPG) RecordAmounts(ctx context.Context, amounts map[uuid.UUID]float64) error {
	if len(amounts) == 0 {
		return nil
	}
	ids := make([]string, 0, len(amounts))
	values := make([]float64, 0, len(amounts))
	for id, amount := range amounts {
		ids = append(ids, id.String())
		values = append(values, amount)
	}
	_, err := db.Conn(ctx, r.q).Exec(ctx, `
		UPDATE session_completion s SET calculated_amount = v.amount, updated_at = NOW()
		FROM unnest($1::uuid[], $2::numeric[]) AS v(id, amount)
		WHERE s.id = v.id AND NOT s.is_paid`, ids, values)
	return err
}

func (r *sessionRepoPG) MarkPaid(ctx context.Context, calculationID uuid.UUID, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	_, err := db.Conn(ctx, r.q).Exec(ctx, `
		UPDATE session_completion SET is_paid = true, payment_calculation_id = $1, updated_at = NOW()
		WHERE id = ANY($2::uuid[]) AND NOT is_paid`, calculationID, strs)
	return err
}
