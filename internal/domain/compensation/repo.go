package compensation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ConfigRepository defines the persistence interface for compensation configs.
type ConfigRepository interface {
	Create(ctx context.Context, cfg *CompensationConfig) error
	GetByID(ctx context.Context, id uuid.UUID) (*CompensationConfig, error)
	Update(ctx context.Context, cfg *CompensationConfig) error
	Deactivate(ctx context.Context, id uuid.UUID) error
	ListByProvider(ctx context.Context, providerID uuid.UUID) ([]*CompensationConfig, error)
	ActiveAt(ctx context.Context, providerID uuid.UUID, at time.Time) (*CompensationConfig, error)
	ProvidersWithActiveConfig(ctx context.Context, at time.Time) ([]uuid.UUID, error)
}

// TimeEntryRepository defines the persistence interface for time entries.
type TimeEntryRepository interface {
	Create(ctx context.Context, e *TimeEntry) error
	GetByID(ctx context.Context, id uuid.UUID) (*TimeEntry, error)
	Update(ctx context.Context, e *TimeEntry) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByProvider(ctx context.Context, providerID uuid.UUID, periodStart time.Time) ([]TimeEntry, error)
}

// CalculationRepository defines the persistence interface for payment calculations.
type CalculationRepository interface {
	Create(ctx context.Context, calc *PaymentCalculation) error
	GetByID(ctx context.Context, id uuid.UUID) (*PaymentCalculation, error)
	// GetCurrent returns the provider's non-void calculation for a period.
	GetCurrent(ctx context.Context, providerID uuid.UUID, periodStart time.Time) (*PaymentCalculation, error)
	ReplaceDraft(ctx context.Context, calc *PaymentCalculation) error
	UpdateStatus(ctx context.Context, calc *PaymentCalculation) error
	List(ctx context.Context, f CalculationFilter, limit, offset int) ([]*PaymentCalculation, int, error)
	ListByPeriod(ctx context.Context, periodStart time.Time) ([]*PaymentCalculation, error)
}

// ExportRepository records payroll exports written to blob storage.
type ExportRepository interface {
	Create(ctx context.Context, exp *PayrollExport) error
	GetByID(ctx context.Context, id string) (*PayrollExport, error)
	List(ctx context.Context, limit, offset int) ([]*PayrollExport, int, error)
}
