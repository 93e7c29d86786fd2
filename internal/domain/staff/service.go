package staff

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/mhehr/internal/domain/compensation"
)

var (
	ErrNotFound = errors.New("staff not found")
	ErrConflict = errors.New("conflict")
)

// maxChainDepth bounds the walk up a supervision chain.
const maxChainDepth = 64

// ConfigWriter stores compensation configs. *compensation.Service implements it.
type ConfigWriter interface {
	CreateConfig(ctx context.Context, c *compensation.CompensationConfig) error
}

// TxRunner runs fn inside a transaction carried by the context it is given.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

type Service struct {
	repo    StaffRepository
	configs ConfigWriter
	tx      TxRunner
	logger  zerolog.Logger
	now     func() time.Time
}

func NewService(repo StaffRepository, configs ConfigWriter) *Service {
	return &Service{
		repo:    repo,
		configs: configs,
		tx: func(ctx context.Context, fn func(ctx context.Context) error) error {
			return fn(ctx)
		},
		logger: zerolog.Nop(),
		now:    time.Now,
	}
}

func (s *Service) SetTxRunner(tx TxRunner) { s.tx = tx }

func (s *Service) SetLogger(l zerolog.Logger) { s.logger = l }

func (s *Service) SetClock(now func() time.Time) { s.now = now }

func validateProfile(p *StaffProfile) error {
	p.FirstName = strings.TrimSpace(p.FirstName)
	p.LastName = strings.TrimSpace(p.LastName)
	p.Email = strings.TrimSpace(p.Email)
	if p.FirstName == "" || p.LastName == "" {
		return fmt.Errorf("first_name and last_name are required")
	}
	if !strings.Contains(p.Email, "@") {
		return fmt.Errorf("a valid email is required")
	}
	if !validRoles[p.Role] {
		return fmt.Errorf("invalid role: %s", p.Role)
	}
	if p.Role == RoleIntern {
		p.RequiresCosign = true
	}
	if p.RequiresCosign && p.SupervisorID == nil {
		return fmt.Errorf("supervisor_id is required when notes need a cosign")
	}
	if p.SupervisorID != nil && *p.SupervisorID == p.ID {
		return fmt.Errorf("staff member cannot supervise themselves")
	}
	if p.HireDate != nil && p.TerminationDate != nil && p.TerminationDate.Before(*p.HireDate) {
		return fmt.Errorf("termination_date must not be before hire_date")
	}
	return nil
}

// checkSupervisor verifies supervisorID may supervise staffID without
// closing a loop in the supervision chain.
func (s *Service) checkSupervisor(ctx context.Context, staffID, supervisorID uuid.UUID) error {
	if staffID == supervisorID {
		return fmt.Errorf("staff member cannot supervise themselves")
	}
	sup, err := s.repo.GetByID(ctx, supervisorID)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("supervisor %s not found", supervisorID)
	}
	if err != nil {
		return err
	}
	if !sup.CanSupervise() {
		return fmt.Errorf("supervisor must be an active supervisor or admin")
	}

	next := sup.SupervisorID
	for depth := 0; next != nil; depth++ {
		if *next == staffID {
			return fmt.Errorf("%w: supervision chain would form a cycle", ErrConflict)
		}
		if depth >= maxChainDepth {
			return fmt.Errorf("supervision chain is deeper than %d", maxChainDepth)
		}
		up, err := s.repo.GetByID(ctx, *next)
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			return err
		}
		next = up.SupervisorID
	}
	return nil
}

// CreateStaff inserts p and, when comp is non-nil, its first compensation
// config in the same transaction.
func (s *Service) CreateStaff(ctx context.Context, p *StaffProfile, comp *compensation.CompensationConfig) error {
	if err := validateProfile(p); err != nil {
		return err
	}
	if p.SupervisorID != nil {
		if err := s.checkSupervisor(ctx, uuid.Nil, *p.SupervisorID); err != nil {
			return err
		}
	}
	p.IsActive = true
	p.TerminationDate = nil

	err := s.tx(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, p); err != nil {
			return err
		}
		if comp == nil {
			return nil
		}
		comp.ProviderID = p.ID
		if err := s.configs.CreateConfig(ctx, comp); err != nil {
			return fmt.Errorf("compensation: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info().Str("staff_id", p.ID.String()).Str("role", p.Role).Msg("staff member created")
	return nil
}

// UpdateStaff replaces p. A non-nil comp becomes the provider's active
// compensation config, deactivating any config it overlaps. Active state and
// termination date only change through DeactivateStaff.
func (s *Service) UpdateStaff(ctx context.Context, p *StaffProfile, comp *compensation.CompensationConfig) error {
	existing, err := s.repo.GetByID(ctx, p.ID)
	if err != nil {
		return err
	}
	p.IsActive = existing.IsActive
	p.TerminationDate = existing.TerminationDate
	if err := validateProfile(p); err != nil {
		return err
	}
	if existing.CanSupervise() && !p.CanSupervise() {
		supervisees, err := s.repo.ListSupervisees(ctx, p.ID)
		if err != nil {
			return err
		}
		if len(supervisees) > 0 {
			return fmt.Errorf("%w: role %s cannot keep %d active supervisees", ErrConflict, p.Role, len(supervisees))
		}
	}
	if p.SupervisorID != nil && !sameID(p.SupervisorID, existing.SupervisorID) {
		if err := s.checkSupervisor(ctx, p.ID, *p.SupervisorID); err != nil {
			return err
		}
	}
	p.CreatedAt = existing.CreatedAt

	return s.tx(ctx, func(ctx context.Context) error {
		if err := s.repo.Update(ctx, p); err != nil {
			return err
		}
		if comp == nil {
			return nil
		}
		comp.ProviderID = p.ID
		if err := s.configs.CreateConfig(ctx, comp); err != nil {
			return fmt.Errorf("compensation: %w", err)
		}
		return nil
	})
}

func sameID(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// DeactivateStaff marks the staff member inactive as of today. Supervisors
// with active supervisees must have them reassigned first.
func (s *Service) DeactivateStaff(ctx context.Context, id uuid.UUID) (*StaffProfile, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.IsActive {
		return p, nil
	}
	supervisees, err := s.repo.ListSupervisees(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(supervisees) > 0 {
		return nil, fmt.Errorf("%w: %d active supervisees must be reassigned", ErrConflict, len(supervisees))
	}
	now := s.now()
	p.IsActive = false
	p.TerminationDate = &now
	if err := s.repo.Update(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info().Str("staff_id", id.String()).Msg("staff member deactivated")
	return p, nil
}

func (s *Service) GetStaff(ctx context.Context, id uuid.UUID) (*StaffProfile, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListStaff(ctx context.Context, f StaffFilter, limit, offset int) ([]*StaffProfile, int, error) {
	if f.Role != "" && !validRoles[f.Role] {
		return nil, 0, fmt.Errorf("invalid role: %s", f.Role)
	}
	return s.repo.List(ctx, f, limit, offset)
}

// ActiveProviders returns every active clinician, supervisor and intern.
func (s *Service) ActiveProviders(ctx context.Context) ([]*StaffProfile, error) {
	active := true
	const page = 100
	var out []*StaffProfile
	for offset := 0; ; offset += page {
		batch, total, err := s.repo.List(ctx, StaffFilter{Active: &active}, page, offset)
		if err != nil {
			return nil, err
		}
		for _, p := range batch {
			if p.IsProvider() {
				out = append(out, p)
			}
		}
		if offset+page >= total || len(batch) == 0 {
			return out, nil
		}
	}
}

func (s *Service) AssignSupervisor(ctx context.Context, staffID, supervisorID uuid.UUID) (*StaffProfile, error) {
	p, err := s.repo.GetByID(ctx, staffID)
	if err != nil {
		return nil, err
	}
	if err := s.checkSupervisor(ctx, staffID, supervisorID); err != nil {
		return nil, err
	}
	p.SupervisorID = &supervisorID
	if err := s.repo.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) ListSupervisees(ctx context.Context, supervisorID uuid.UUID) ([]*StaffProfile, error) {
	return s.repo.ListSupervisees(ctx, supervisorID)
}

// IsSupervisor reports whether supervisorID is the recorded supervisor of staffID.
func (s *Service) IsSupervisor(ctx context.Context, supervisorID, staffID uuid.UUID) (bool, error) {
	p, err := s.repo.GetByID(ctx, staffID)
	if err != nil {
		return false, err
	}
	return p.SupervisorID != nil && *p.SupervisorID == supervisorID, nil
}
