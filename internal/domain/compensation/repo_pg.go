package compensation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ehr/mhehr/internal/platform/db"
)

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func dateOnly(t time.Time) string {
	return t.Format(time.DateOnly)
}

// -- Compensation Config Repository --

type configRepoPG struct {
	q db.Querier
}

func NewConfigRepoPG(q db.Querier) ConfigRepository {
	return &configRepoPG{q: q}
}

const configColumns = `id, provider_id, compensation_type, base_session_rate, session_type_multipliers,
	no_show_rate, base_hourly_rate, overtime_threshold_hours, overtime_multiplier,
	evening_differential, weekend_differential, evening_start_hour, evening_end_hour,
	require_signed_notes, effective_date, expiration_date, is_active, created_at, updated_at`

func scanConfig(row pgx.Row) (*CompensationConfig, error) {
	var c CompensationConfig
	err := row.Scan(
		&c.ID, &c.ProviderID, &c.CompensationType, &c.BaseSessionRate, &c.SessionTypeMultipliers,
		&c.NoShowRate, &c.BaseHourlyRate, &c.OvertimeThresholdHours, &c.OvertimeMultiplier,
		&c.EveningDifferential, &c.WeekendDifferential, &c.EveningStartHour, &c.EveningEndHour,
		&c.RequireSignedNotes, &c.EffectiveDate, &c.ExpirationDate, &c.IsActive, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (r *configRepoPG) Create(ctx context.Context, c *CompensationConfig) error {
	c.ID = uuid.New()
	return db.Conn(ctx, r.q).QueryRow(ctx, `
		INSERT INTO compensation_config (
			id, provider_id, compensation_type, base_session_rate, session_type_multipliers,
			no_show_rate, base_hourly_rate, overtime_threshold_hours, overtime_multiplier,
			evening_differential, weekend_differential, evening_start_hour, evening_end_hour,
			require_signed_notes, effective_date, expiration_date, is_active
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13,
			$14, $15, $16, $17
		) RETURNING created_at, updated_at`,
		c.ID, c.ProviderID, c.CompensationType, c.BaseSessionRate, c.SessionTypeMultipliers,
		c.NoShowRate, c.BaseHourlyRate, c.OvertimeThresholdHours, c.OvertimeMultiplier,
		c.EveningDifferential, c.WeekendDifferential, c.EveningStartHour, c.EveningEndHour,
		c.RequireSignedNotes, c.EffectiveDate, c.ExpirationDate, c.IsActive,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
}

func (r *configRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*CompensationConfig, error) {
	return scanConfig(db.Conn(ctx, r.q).QueryRow(ctx,
		`SELECT `+configColumns+` FROM compensation_config WHERE id = $1`, id))
}

func (r *configRepoPG) Update(ctx context.Context, c *CompensationConfig) error {
	tag, err := db.Conn(ctx, r.q).Exec(ctx, `
		UPDATE compensation_config SET
			compensation_type = $2, base_session_rate = $3, session_type_multipliers = $4,
			no_show_rate = $5, base_hourly_rate = $6, overtime_threshold_hours = $7,
			overtime_multiplier = $8, evening_differential = $9, weekend_differential = $10,
			evening_start_hour = $11, evening_end_hour = $12, require_signed_notes = $13,
			effective_date = $14, expiration_date = $15, is_active = $16, updated_at = NOW()
		WHERE id = $1`,
		c.ID, c.CompensationType, c.BaseSessionRate, c.SessionTypeMultipliers,
		c.NoShowRate, c.BaseHourlyRate, c.OvertimeThresholdHours,
		c.OvertimeMultiplier, c.EveningDifferential, c.WeekendDifferential,
		c.EveningStartHour, c.EveningEndHour, c.RequireSignedNotes,
		c.EffectiveDate, c.ExpirationDate, c.IsActive,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *configRepoPG) Deactivate(ctx context.Context, id uuid.UUID) error {
	_, err := db.Conn(ctx, r.q).Exec(ctx,
		`UPDATE compensation_config SET is_active = false, updated_at = NOW() WHERE id = $1`, id)
	return err
}

func (r *configRepoPG) ListByProvider(ctx context.Context, providerID uuid.UUID) ([]*CompensationConfig, error) {
	rows, err := db.Conn(ctx, r.q).Query(ctx,
		`SELECT `+configColumns+` FROM compensation_config WHERE provider_id = $1 ORDER BY effective_date DESC`, providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*CompensationConfig
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

func (r *configRepoPG) ActiveAt(ctx context.Context, providerID uuid.UUID, at time.Time) (*CompensationConfig, error) {
	return scanConfig(db.Conn(ctx, r.q).QueryRow(ctx, `
		SELECT `+configColumns+` FROM compensation_config
		WHERE provider_id = $1 AND is_active
			AND effective_date <= $2::date
			AND (expiration_date IS NULL OR expiration_date >= $2::date)
		ORDER BY effective_date DESC LIMIT 1`, providerID, dateOnly(at)))
}

func (r *configRepoPG) ProvidersWithActiveConfig(ctx context.Context, at time.Time) ([]uuid.UUID, error) {
	rows, err := db.Conn(ctx, r.q).Query(ctx, `
		SELECT DISTINCT provider_id FROM compensation_config
		WHERE is_active
			AND effective_date <= $1::date
			AND (expiration_date IS NULL OR expiration_date >= $1::date)
		ORDER BY provider_id`, dateOnly(at))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// -- Time Entry Repository --

type timeEntryRepoPG struct {
	q db.Querier
}

func NewTimeEntryRepoPG(q db.Querier) TimeEntryRepository {
	return &timeEntryRepoPG{q: q}
}

const timeEntryColumns = `id, provider_id, clock_in, clock_out, break_minutes, notes,
	pay_period_start, created_at, updated_at`

func scanTimeEntry(row pgx.Row) (*TimeEntry, error) {
	var e TimeEntry
	err := row.Scan(
		&e.ID, &e.ProviderID, &e.ClockIn, &e.ClockOut, &e.BreakMinutes, &e.Notes,
		&e.PayPeriodStart, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

func (r *timeEntryRepoPG) Create(ctx context.Context, e *TimeEntry) error {
	e.ID = uuid.New()
	return db.Conn(ctx, r.q).QueryRow(ctx, `
		INSERT INTO time_entry (id, provider_id, clock_in, clock_out, break_minutes, notes, pay_period_start)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		e.ID, e.ProviderID, e.ClockIn, e.ClockOut, e.BreakMinutes, e.Notes, e.PayPeriodStart,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
}

func (r *timeEntryRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*TimeEntry, error) {
	return scanTimeEntry(db.Conn(ctx, r.q).QueryRow(ctx,
		`SELECT `+timeEntryColumns+` FROM time_entry WHERE id = $1`, id))
}

func (r *timeEntryRepoPG) Update(ctx context.Context, e *TimeEntry) error {
	tag, err := db.Conn(ctx, r.q).Exec(ctx, `
		UPDATE time_entry SET
			clock_in = $2, clock_out = $3, break_minutes = $4, notes = $5,
			pay_period_start = $6, updated_at = NOW()
		WHERE id = $1`,
		e.ID, e.ClockIn, e.ClockOut, e.BreakMinutes, e.Notes, e.PayPeriodStart,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *timeEntryRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := db.Conn(ctx, r.q).Exec(ctx, `DELETE FROM time_entry WHERE id = $1`, id)
	return err
}

func (r *timeEntryRepoPG) ListByProvider(ctx context.Context, providerID uuid.UUID, periodStart time.Time) ([]TimeEntry, error) {
	rows, err := db.Conn(ctx, r.q).Query(ctx, `
		SELECT `+timeEntryColumns+` FROM time_entry
		WHERE provider_id = $1 AND pay_period_start = $2
		ORDER BY clock_in`, providerID, periodStart)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []TimeEntry
	for rows.Next() {
		e, err := scanTimeEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// -- Payment Calculation Repository --

type calcRepoPG struct {
	q db.Querier
}

func NewCalculationRepoPG(q db.Querier) CalculationRepository {
	return &calcRepoPG{q: q}
}

const calcColumns = `id, provider_id, config_id, pay_period_start, pay_period_end, compensation_type,
	session_count, paid_session_count, withheld_count, session_amount,
	regular_hours, overtime_hours, hourly_amount, total_amount, breakdown, status,
	approved_by, approved_at, paid_at, void_reason, calculated_at, created_at, updated_at`

func scanCalculation(row pgx.Row) (*PaymentCalculation, error) {
	var c PaymentCalculation
	err := row.Scan(
		&c.ID, &c.ProviderID, &c.ConfigID, &c.PayPeriodStart, &c.PayPeriodEnd, &c.CompensationType,
		&c.SessionCount, &c.PaidSessionCount, &c.WithheldCount, &c.SessionAmount,
		&c.RegularHours, &c.OvertimeHours, &c.HourlyAmount, &c.TotalAmount, &c.Breakdown, &c.Status,
		&c.ApprovedBy, &c.ApprovedAt, &c.PaidAt, &c.VoidReason, &c.CalculatedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (r *calcRepoPG) Create(ctx context.Context, c *PaymentCalculation) error {
	c.ID = uuid.New()
	return db.Conn(ctx, r.q).QueryRow(ctx, `
		INSERT INTO payment_calculation (
			id, provider_id, config_id, pay_period_start, pay_period_end, compensation_type,
			session_count, paid_session_count, withheld_count, session_amount,
			regular_hours, overtime_hours, hourly_amount, total_amount, breakdown, status, calculated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17
		) RETURNING created_at, updated_at`,
		c.ID, c.ProviderID, c.ConfigID, c.PayPeriodStart, c.PayPeriodEnd, c.CompensationType,
		c.SessionCount, c.PaidSessionCount, c.WithheldCount, c.SessionAmount,
		c.RegularHours, c.OvertimeHours, c.HourlyAmount, c.TotalAmount, c.Breakdown, c.Status, c.CalculatedAt,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
}

func (r *calcRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*PaymentCalculation, error) {
	return scanCalculation(db.Conn(ctx, r.q).QueryRow(ctx,
		`SELECT `+calcColumns+` FROM payment_calculation WHERE id = $1`, id))
}

func (r *calcRepoPG) GetCurrent(ctx context.Context, providerID uuid.UUID, periodStart time.Time) (*PaymentCalculation, error) {
	return scanCalculation(db.Conn(ctx, r.q).QueryRow(ctx, `
		SELECT `+calcColumns+` FROM payment_calculation
		WHERE provider_id = $1 AND pay_period_start = $2 AND status <> 'void'`, providerID, periodStart))
}

func (r *calcRepoPG) ReplaceDraft(ctx context.Context, c *PaymentCalculation) error {
	tag, err := db.Conn(ctx, r.q).Exec(ctx, `
		UPDATE payment_calculation SET
			config_id = $2, compensation_type = $3,
			session_count = $4, paid_session_count = $5, withheld_count = $6, session_amount = $7,
			regular_hours = $8, overtime_hours = $9, hourly_amount = $10, total_amount = $11,
			breakdown = $12, calculated_at = $13, updated_at = NOW()
		WHERE id = $1 AND status = 'draft'`,
		c.ID, c.ConfigID, c.CompensationType,
		c.SessionCount, c.PaidSessionCount, c.WithheldCount, c.SessionAmount,
		c.RegularHours, c.OvertimeHours, c.HourlyAmount, c.TotalAmount,
		c.Breakdown, c.CalculatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (r *calcRepoPG) UpdateStatus(ctx context.Context, c *PaymentCalculation) error {
	tag, err := db.Conn(ctx, r.q).Exec(ctx, `
		UPDATE payment_calculation SET
			status = $2, approved_by = $3, approved_at = $4, paid_at = $5, void_reason = $6,
			updated_at = NOW()
		WHERE id = $1`,
		c.ID, c.Status, c.ApprovedBy, c.ApprovedAt, c.PaidAt, c.VoidReason,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *calcRepoPG) List(ctx context.Context, f CalculationFilter, limit, offset int) ([]*PaymentCalculation, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1

	if f.ProviderID != nil {
		where += fmt.Sprintf(` AND provider_id = $%d`, idx)
		args = append(args, *f.ProviderID)
		idx++
	}
	if f.PayPeriodStart != nil {
		where += fmt.Sprintf(` AND pay_period_start = $%d`, idx)
		args = append(args, *f.PayPeriodStart)
		idx++
	}
	if f.Status != "" {
		where += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, f.Status)
		idx++
	}

	var total int
	if err := db.Conn(ctx, r.q).QueryRow(ctx, `SELECT COUNT(*) FROM payment_calculation`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + calcColumns + ` FROM payment_calculation` + where +
		fmt.Sprintf(` ORDER BY pay_period_start DESC, provider_id LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := db.Conn(ctx, r.q).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var calcs []*PaymentCalculation
	for rows.Next() {
		c, err := scanCalculation(rows)
		if err != nil {
			return nil, 0, err
		}
		calcs = append(calcs, c)
	}
	return calcs, total, rows.Err()
}

func (r *calcRepoPG) ListByPeriod(ctx context.Context, periodStart time.Time) ([]*PaymentCalculation, error) {
	rows, err := db.Conn(ctx, r.q).Query(ctx, `
		SELECT `+calcColumns+` FROM payment_calculation
		WHERE pay_period_start = $1 AND status <> 'void'
		ORDER BY provider_id`, periodStart)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calcs []*PaymentCalculation
	for rows.Next() {
		c, err := scanCalculation(rows)
		if err != nil {
			return nil, err
		}
		calcs = append(calcs, c)
	}
	return calcs, rows.Err()
}

// -- Payroll Export Repository --

type exportRepoPG struct {
	q db.Querier
}

func NewExportRepoPG(q db.Querier) ExportRepository {
	return &exportRepoPG{q: q}
}

const exportColumns = `id, pay_period_start, file_name, size, hash, calculation_count, total_amount, created_by, created_at`

func scanExport(row pgx.Row) (*PayrollExport, error) {
	var e PayrollExport
	err := row.Scan(&e.ID, &e.PayPeriodStart, &e.FileName, &e.Size, &e.Hash,
		&e.CalculationCount, &e.TotalAmount, &e.CreatedBy, &e.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

func (r *exportRepoPG) Create(ctx context.Context, e *PayrollExport) error {
	_, err := db.Conn(ctx, r.q).Exec(ctx, `
		INSERT INTO payroll_export (id, pay_period_start, file_name, size, hash, calculation_count, total_amount, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.PayPeriodStart, e.FileName, e.Size, e.Hash, e.CalculationCount, e.TotalAmount, e.CreatedBy, e.CreatedAt,
	)
	return err
}

func (r *exportRepoPG) GetByID(ctx context.Context, id string) (*PayrollExport, error) {
	return scanExport(db.Conn(ctx, r.q).QueryRow(ctx,
		`SELECT `+exportColumns+` FROM payroll_export WHERE id = $1`, id))
}

func (r *exportRepoPG) List(ctx context.Context, limit, offset int) ([]*PayrollExport, int, error) {
	var total int
	if err := db.Conn(ctx, r.q).QueryRow(ctx, `SELECT COUNT(*) FROM payroll_export`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := db.Conn(ctx, r.q).Query(ctx,
		`SELECT `+exportColumns+` FROM payroll_export ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var exports []*PayrollExport
	for rows.Next() {
		e, err := scanExport(rows)
		if err != nil {
			return nil, 0, err
		}
		exports = append(exports, e)
	}
	return exports, total, rows.Err()
}
