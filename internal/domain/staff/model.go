package staff

import (
	"time"

	"github.com/google/uuid"
)

const (
	RoleClinician  = "clinician"
	RoleSupervisor = "supervisor"
	RoleIntern     = "intern"
	RoleAdmin      = "admin"
	RoleBilling    = "billing"
)

var validRoles = map[string]bool{
	RoleClinician:  true,
	RoleSupervisor: true,
	RoleIntern:     true,
	RoleAdmin:      true,
	RoleBilling:    true,
}

// StaffProfile maps to the staff_profile table.
type StaffProfile struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	UserID          string     `db:"user_id" json:"user_id"`
	FirstName       string     `db:"first_name" json:"first_name"`
	LastName        string     `db:"last_name" json:"last_name"`
	Email           string     `db:"email" json:"email"`
	Role            string     `db:"role" json:"role"`
	LicenseType     *string    `db:"license_type" json:"license_type,omitempty"`
	LicenseNumber   *string    `db:"license_number" json:"license_number,omitempty"`
	LicenseState    *string    `db:"license_state" json:"license_state,omitempty"`
	NPI             *string    `db:"npi" json:"npi,omitempty"`
	SupervisorID    *uuid.UUID `db:"supervisor_id" json:"supervisor_id,omitempty"`
	RequiresCosign  bool       `db:"requires_cosign" json:"requires_cosign"`
	IsActive        bool       `db:"is_active" json:"is_active"`
	HireDate        *time.Time `db:"hire_date" json:"hire_date,omitempty"`
	TerminationDate *time.Time `db:"termination_date" json:"termination_date,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

func (p *StaffProfile) FullName() string {
	return p.FirstName + " " + p.LastName
}

// CanSupervise reports whether p may be recorded as another provider's
// supervisor.
func (p *StaffProfile) CanSupervise() bool {
	return p.IsActive && (p.Role == RoleSupervisor || p.Role == RoleAdmin)
}

// IsProvider reports whether p delivers billable sessions.
func (p *StaffProfile) IsProvider() bool {
	return p.Role == RoleClinician || p.Role == RoleSupervisor || p.Role == RoleIntern
}

type StaffFilter struct {
	Role         string
	Active       *bool
	SupervisorID *uuid.UUID
	Search       string
}
