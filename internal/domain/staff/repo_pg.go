package staff

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ehr/mhehr/internal/platform/db"
)

const uniqueViolation = "23505"

func mapPGError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: email already registered", ErrConflict)
	}
	return err
}

type staffRepoPG struct {
	q db.Querier
}

func NewStaffRepoPG(q db.Querier) StaffRepository {
	return &staffRepoPG{q: q}
}

const staffColumns = `id, user_id, first_name, last_name, email, role,
	license_type, license_number, license_state, npi, supervisor_id,
	requires_cosign, is_active, hire_date, termination_date, created_at, updated_at`

func scanStaff(row pgx.Row) (*StaffProfile, error) {
	var p StaffProfile
	err := row.Scan(
		&p.ID, &p.UserID, &p.FirstName, &p.LastName, &p.Email, &p.Role,
		&p.LicenseType, &p.LicenseNumber, &p.LicenseState, &p.NPI, &p.SupervisorID,
		&p.RequiresCosign, &p.IsActive, &p.HireDate, &p.TerminationDate, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, mapPGError(err)
	}
	return &p, nil
}

func (r *staffRepoPG) Create(ctx context.Context, p *StaffProfile) error {
	p.ID = uuid.New()
	err := db.Conn(ctx, r.q).QueryRow(ctx, `
		INSERT INTO staff_profile (
			id, user_id, first_name, last_name, email, role,
			license_type, license_number, license_state, npi, supervisor_id,
			requires_cosign, is_active, hire_date, termination_date
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING created_at, updated_at`,
		p.ID, p.UserID, p.FirstName, p.LastName, p.Email, p.Role,
		p.LicenseType, p.LicenseNumber, p.LicenseState, p.NPI, p.SupervisorID,
		p.RequiresCosign, p.IsActive, p.HireDate, p.TerminationDate,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	return mapPGError(err)
}

func (r *staffRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*StaffProfile, error) {
	return scanStaff(db.Conn(ctx, r.q).QueryRow(ctx,
		`SELECT `+staffColumns+` FROM staff_profile WHERE id = $1`, id))
}

func (r *staffRepoPG) GetByEmail(ctx context.Context, email string) (*StaffProfile, error) {
	return scanStaff(db.Conn(ctx, r.q).QueryRow(ctx,
		`SELECT `+staffColumns+` FROM staff_profile WHERE lower(email) = lower($1)`, email))
}

func (r *staffRepoPG) Update(ctx context.Context, p *StaffProfile) error {
	tag, err := db.Conn(ctx, r.q).Exec(ctx, `
		UPDATE staff_profile SET
			user_id = $2, first_name = $3, last_name = $4, email = $5, role = $6,
			license_type = $7, license_number = $8, license_state = $9, npi = $10,
			supervisor_id = $11, requires_cosign = $12, is_active = $13,
			hire_date = $14, termination_date = $15, updated_at = NOW()
		WHERE id = $1`,
		p.ID, p.UserID, p.FirstName, p.LastName, p.Email, p.Role,
		p.LicenseType, p.LicenseNumber, p.LicenseState, p.NPI,
		p.SupervisorID, p.RequiresCosign, p.IsActive,
		p.HireDate, p.TerminationDate,
	)
	if err != nil {
		return mapPGError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *staffRepoPG) List(ctx context.Context, f StaffFilter, limit, offset int) ([]*StaffProfile, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1

	if f.Role != "" {
		where += fmt.Sprintf(` AND role = $%d`, idx)
		args = append(args, f.Role)
		idx++
	}
	if f.Active != nil {
		where += fmt.Sprintf(` AND is_active = $%d`, idx)
		args = append(args, *f.Active)
		idx++
	}
	if f.SupervisorID != nil {
		where += fmt.Sprintf(` AND supervisor_id = $%d`, idx)
		args = append(args, *f.SupervisorID)
		idx++
	}
	if f.Search != "" {
		where += fmt.Sprintf(` AND (first_name ILIKE $%d OR last_name ILIKE $%d OR email ILIKE $%d)`, idx, idx, idx)
		args = append(args, "%"+f.Search+"%")
		idx++
	}

	var total int
	if err := db.Conn(ctx, r.q).QueryRow(ctx, `SELECT COUNT(*) FROM staff_profile`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + staffColumns + ` FROM staff_profile` + where +
		fmt.Sprintf(` ORDER BY last_name, first_name LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := db.Conn(ctx, r.q).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var staff []*StaffProfile
	for rows.Next() {
		p, err := scanStaff(rows)
		if err != nil {
			return nil, 0, err
		}
		staff = append(staff, p)
	}
	return staff, total, rows.Err()
}

func (r *staffRepoPG) ListSupervisees(ctx context.Context, supervisorID uuid.UUID) ([]*StaffProfile, error) {
	rows, err := db.Conn(ctx, r.q).Query(ctx, `
		SELECT `+staffColumns+` FROM staff_profile
		WHERE supervisor_id = $1 AND is_active
		ORDER BY last_name, first_name`, supervisorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var staff []*StaffProfile
	for rows.Next() {
		p, err := scanStaff(rows)
		if err != nil {
			return nil, err
		}
		staff = append(staff, p)
	}
	return staff, rows.Err()
}
