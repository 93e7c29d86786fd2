package staff

import (
	"context"

	"github.com/google/uuid"
)

type StaffRepository interface {
	Create(ctx context.Context, p *StaffProfile) error
	GetByID(ctx context.Context, id uuid.UUID) (*StaffProfile, error)
	GetByEmail(ctx context.Context, email string) (*StaffProfile, error)
	Update(ctx context.Context, p *StaffProfile) error
	List(ctx context.Context, f StaffFilter, limit, offset int) ([]*StaffProfile, int, error)
	ListSupervisees(ctx context.Context, supervisorID uuid.UUID) ([]*StaffProfile, error)
}
