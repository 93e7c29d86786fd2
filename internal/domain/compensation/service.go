package compensation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ehr/mhehr/internal/platform/blobstore"
)

var tracer = otel.Tracer("mhehr.internal.domain.compensation")

var (
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrNoActiveConfig = errors.New("no active compensation config")
)

var validCompensationTypes = map[string]bool{
	TypeSessionBased: true,
	TypeHourly:       true,
}

// PaymentObserver records calculation outcomes. *telemetry.Provider implements it.
type PaymentObserver interface {
	ObservePaymentCalculation(compensationType string, amount float64, err error)
}

// TxRunner runs fn inside a transaction carried by the context it is given.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

func noTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type Service struct {
	configs ConfigRepository
	entries TimeEntryRepository
	calcs   CalculationRepository
	exports ExportRepository
	ledger  SessionLedger
	blobs   blobstore.BlobStore
	loc     *time.Location

	tx      TxRunner
	metrics PaymentObserver
	logger  zerolog.Logger
	now     func() time.Time
}

func NewService(configs ConfigRepository, entries TimeEntryRepository, calcs CalculationRepository,
	exports ExportRepository, ledger SessionLedger, blobs blobstore.BlobStore, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		configs: configs,
		entries: entries,
		calcs:   calcs,
		exports: exports,
		ledger:  ledger,
		blobs:   blobs,
		loc:     loc,
		tx:      noTx,
		logger:  zerolog.Nop(),
		now:     time.Now,
	}
}

// SetTxRunner makes multi-step writes atomic.
func (s *Service) SetTxRunner(tx TxRunner) { s.tx = tx }

func (s *Service) SetMetrics(m PaymentObserver) { s.metrics = m }

func (s *Service) SetLogger(l zerolog.Logger) { s.logger = l }

// SetClock overrides time.Now.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) observe(compensationType string, amount float64, err error) {
	if s.metrics != nil {
		s.metrics.ObservePaymentCalculation(compensationType, amount, err)
	}
}

// Location returns the practice timezone.
func (s *Service) Location() *time.Location { return s.loc }

// -- Compensation Config --

func validateConfig(c *CompensationConfig) error {
	if c.ProviderID == uuid.Nil {
		return fmt.Errorf("provider_id is required")
	}
	if !validCompensationTypes[c.CompensationType] {
		return fmt.Errorf("invalid compensation_type: %s", c.CompensationType)
	}
	switch c.CompensationType {
	case TypeSessionBased:
		if c.BaseSessionRate <= 0 {
			return fmt.Errorf("base_session_rate must be positive for session_based compensation")
		}
	case TypeHourly:
		if c.BaseHourlyRate <= 0 {
			return fmt.Errorf("base_hourly_rate must be positive for hourly compensation")
		}
	}
	if c.NoShowRate < 0 || c.EveningDifferential < 0 || c.WeekendDifferential < 0 {
		return fmt.Errorf("rates and differentials must not be negative")
	}
	for t, m := range c.SessionTypeMultipliers {
		if !IsSessionType(t) {
			return fmt.Errorf("unknown session type in multipliers: %s", t)
		}
		if m <= 0 {
			return fmt.Errorf("multiplier for %s must be positive", t)
		}
	}
	if c.OvertimeThresholdHours < 0 || c.OvertimeMultiplier < 0 {
		return fmt.Errorf("overtime settings must not be negative")
	}
	if c.EveningStartHour < 0 || c.EveningStartHour > 23 || c.EveningEndHour < 0 || c.EveningEndHour > 23 {
		return fmt.Errorf("evening hours must be between 0 and 23")
	}
	if c.EffectiveDate.IsZero() {
		return fmt.Errorf("effective_date is required")
	}
	if c.ExpirationDate != nil && c.ExpirationDate.Before(c.EffectiveDate) {
		return fmt.Errorf("expiration_date must not be before effective_date")
	}
	return nil
}

// CreateConfig stores a new active config and deactivates any active config
// of the same provider whose effective range overlaps it.
func (s *Service) CreateConfig(ctx context.Context, c *CompensationConfig) error {
	c.ApplyDefaults()
	if err := validateConfig(c); err != nil {
		return err
	}
	c.IsActive = true
	return s.tx(ctx, func(ctx context.Context) error {
		existing, err := s.configs.ListByProvider(ctx, c.ProviderID)
		if err != nil {
			return fmt.Errorf("list configs: %w", err)
		}
		for _, old := range existing {
			if old.IsActive && old.Overlaps(c) {
				if err := s.configs.Deactivate(ctx, old.ID); err != nil {
					return fmt.Errorf("deactivate config %s: %w", old.ID, err)
				}
			}
		}
		return s.configs.Create(ctx, c)
	})
}

func (s *Service) GetConfig(ctx context.Context, id uuid.UUID) (*CompensationConfig, error) {
	return s.configs.GetByID(ctx, id)
}

func (s *Service) UpdateConfig(ctx context.Context, c *CompensationConfig) error {
	existing, err := s.configs.GetByID(ctx, c.ID)
	if err != nil {
		return err
	}
	c.ProviderID = existing.ProviderID
	c.ApplyDefaults()
	if err := validateConfig(c); err != nil {
		return err
	}
	return s.configs.Update(ctx, c)
}

func (s *Service) ListConfigs(ctx context.Context, providerID uuid.UUID) ([]*CompensationConfig, error) {
	return s.configs.ListByProvider(ctx, providerID)
}

func (s *Service) ActiveConfig(ctx context.Context, providerID uuid.UUID, at time.Time) (*CompensationConfig, error) {
	cfg, err := s.configs.ActiveAt(ctx, providerID, at.In(s.loc))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNoActiveConfig
	}
	return cfg, err
}

// -- Time Entries --

// checkPeriodOpen rejects writes to a period whose calculation is past draft.
func (s *Service) checkPeriodOpen(ctx context.Context, providerID uuid.UUID, periodStart time.Time) error {
	calc, err := s.calcs.GetCurrent(ctx, providerID, periodStart)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if calc.Status != StatusDraft {
		return fmt.Errorf("%w: pay period %s is %s", ErrConflict, periodStart.Format(time.DateOnly), calc.Status)
	}
	return nil
}

func (s *Service) CreateTimeEntry(ctx context.Context, e *TimeEntry) error {
	if e.ProviderID == uuid.Nil {
		return fmt.Errorf("provider_id is required")
	}
	if err := ValidateTimeEntry(e); err != nil {
		return err
	}
	e.PayPeriodStart = PayPeriodFor(e.ClockIn, s.loc).Start
	if err := s.checkPeriodOpen(ctx, e.ProviderID, e.PayPeriodStart); err != nil {
		return err
	}
	return s.entries.Create(ctx, e)
}

func (s *Service) GetTimeEntry(ctx context.Context, id uuid.UUID) (*TimeEntry, error) {
	return s.entries.GetByID(ctx, id)
}

func (s *Service) UpdateTimeEntry(ctx context.Context, e *TimeEntry) error {
	existing, err := s.entries.GetByID(ctx, e.ID)
	if err != nil {
		return err
	}
	if err := s.checkPeriodOpen(ctx, existing.ProviderID, existing.PayPeriodStart); err != nil {
		return err
	}
	e.ProviderID = existing.ProviderID
	if err := ValidateTimeEntry(e); err != nil {
		return err
	}
	e.PayPeriodStart = PayPeriodFor(e.ClockIn, s.loc).Start
	if !e.PayPeriodStart.Equal(existing.PayPeriodStart) {
		if err := s.checkPeriodOpen(ctx, e.ProviderID, e.PayPeriodStart); err != nil {
			return err
		}
	}
	return s.entries.Update(ctx, e)
}

func (s *Service) DeleteTimeEntry(ctx context.Context, id uuid.UUID) error {
	existing, err := s.entries.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.checkPeriodOpen(ctx, existing.ProviderID, existing.PayPeriodStart); err != nil {
		return err
	}
	return s.entries.Delete(ctx, id)
}

func (s *Service) ListTimeEntries(ctx context.Context, providerID uuid.UUID, period PayPeriod) ([]TimeEntry, error) {
	return s.entries.ListByProvider(ctx, providerID, period.Start)
}

// -- Payment Calculation --

// CalculateProviderPayment computes the provider's pay for the period
// containing at and stores it as a draft, replacing an earlier draft.
func (s *Service) CalculateProviderPayment(ctx context.Context, providerID uuid.UUID, at time.Time) (calc *PaymentCalculation, err error) {
	period := PayPeriodFor(at, s.loc)
	ctx, span := tracer.Start(ctx, "compensation.calculate_provider_payment")
	span.SetAttributes(
		attribute.String("provider.id", providerID.String()),
		attribute.String("pay_period", period.Key()),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	existing, err := s.calcs.GetCurrent(ctx, providerID, period.Start)
	switch {
	case errors.Is(err, ErrNotFound):
		existing = nil
	case err != nil:
		return nil, fmt.Errorf("load calculation: %w", err)
	case existing.Status != StatusDraft:
		return nil, fmt.Errorf("%w: calculation for %s is already %s", ErrConflict, period.Key(), existing.Status)
	}

	cfg, err := s.ActiveConfig(ctx, providerID, period.Start)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("compensation.type", cfg.CompensationType))

	sessions, err := s.ledger.ListPayable(ctx, providerID, period)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	// A note signed after the period closed is paid in the period it was
	// signed in, never in its own.
	for i := range sessions {
		sessions[i] = sessions[i].AsOf(period.End)
	}
	var entries []TimeEntry
	if cfg.CompensationType == TypeHourly {
		entries, err = s.entries.ListByProvider(ctx, providerID, period.Start)
		if err != nil {
			return nil, fmt.Errorf("list time entries: %w", err)
		}
	}

	breakdown, sr, hr, err := Calculate(cfg, sessions, entries, s.loc)
	if err != nil {
		s.observe(cfg.CompensationType, 0, err)
		return nil, err
	}

	calc = &PaymentCalculation{
		ProviderID:       providerID,
		ConfigID:         cfg.ID,
		PayPeriodStart:   period.Start,
		PayPeriodEnd:     period.End,
		CompensationType: cfg.CompensationType,
		SessionCount:     sr.SessionCount,
		PaidSessionCount: sr.PaidCount,
		WithheldCount:    sr.WithheldCount,
		SessionAmount:    sr.Total,
		RegularHours:     hr.RegularHours,
		OvertimeHours:    hr.OvertimeHours,
		HourlyAmount:     hr.Total,
		TotalAmount:      round2(sr.Total + hr.Total),
		Breakdown:        breakdown,
		Status:           StatusDraft,
		CalculatedAt:     s.now(),
	}

	amounts := make(map[uuid.UUID]float64, len(breakdown.Sessions))
	for _, l := range breakdown.Sessions {
		if l.Withheld {
			continue
		}
		amounts[l.SessionID] = l.Amount
	}

	err = s.tx(ctx, func(ctx context.Context) error {
		if err := s.ledger.RecordAmounts(ctx, amounts); err != nil {
			return fmt.Errorf("record session amounts: %w", err)
		}
		if existing != nil {
			calc.ID = existing.ID
			calc.CreatedAt = existing.CreatedAt
			return s.calcs.ReplaceDraft(ctx, calc)
		}
		return s.calcs.Create(ctx, calc)
	})
	s.observe(cfg.CompensationType, calc.TotalAmount, err)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("provider_id", providerID.String()).
		Str("pay_period", period.Key()).
		Float64("total", calc.TotalAmount).
		Int("sessions", calc.SessionCount).
		Msg("payment calculated")
	return calc, nil
}

// ProviderFailure reports a provider whose calculation failed in a batch.
type ProviderFailure struct {
	ProviderID uuid.UUID `json:"provider_id"`
	Error      string    `json:"error"`
}

// BatchResult is the outcome of CalculatePeriod.
type BatchResult struct {
	PayPeriod    PayPeriod             `json:"pay_period"`
	Calculations []*PaymentCalculation `json:"calculations"`
	Failures     []ProviderFailure     `json:"failures"`
}

// CalculatePeriod calculates every provider with an active config. A failing
// provider is recorded and the batch continues.
func (s *Service) CalculatePeriod(ctx context.Context, at time.Time) (*BatchResult, error) {
	period := PayPeriodFor(at, s.loc)
	ctx, span := tracer.Start(ctx, "compensation.calculate_period")
	span.SetAttributes(attribute.String("pay_period", period.Key()))
	defer span.End()

	providers, err := s.configs.ProvidersWithActiveConfig(ctx, period.Start)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("list providers: %w", err)
	}

	res := &BatchResult{
		PayPeriod:    period,
		Calculations: make([]*PaymentCalculation, 0, len(providers)),
		Failures:     []ProviderFailure{},
	}
	for _, id := range providers {
		calc, err := s.CalculateProviderPayment(ctx, id, period.Start)
		if err != nil {
			s.logger.Warn().Err(err).Str("provider_id", id.String()).Str("pay_period", period.Key()).
				Msg("payment calculation failed")
			res.Failures = append(res.Failures, ProviderFailure{ProviderID: id, Error: err.Error()})
			continue
		}
		res.Calculations = append(res.Calculations, calc)
	}
	span.SetAttributes(
		attribute.Int("calculations", len(res.Calculations)),
		attribute.Int("failures", len(res.Failures)),
	)
	return res, nil
}

func (s *Service) GetCalculation(ctx context.Context, id uuid.UUID) (*PaymentCalculation, error) {
	return s.calcs.GetByID(ctx, id)
}

func (s *Service) ListCalculations(ctx context.Context, f CalculationFilter, limit, offset int) ([]*PaymentCalculation, int, error) {
	return s.calcs.List(ctx, f, limit, offset)
}

func (s *Service) ApproveCalculation(ctx context.Context, id, approver uuid.UUID) (*PaymentCalculation, error) {
	calc, err := s.calcs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if calc.Status != StatusDraft {
		return nil, fmt.Errorf("%w: only draft calculations can be approved (status %s)", ErrConflict, calc.Status)
	}
	now := s.now()
	calc.Status = StatusApproved
	calc.ApprovedBy = &approver
	calc.ApprovedAt = &now
	if err := s.calcs.UpdateStatus(ctx, calc); err != nil {
		return nil, err
	}
	return calc, nil
}

// MarkCalculationPaid moves an approved calculation to paid and links its
// payable sessions to it.
func (s *Service) MarkCalculationPaid(ctx context.Context, id uuid.UUID) (*PaymentCalculation, error) {
	calc, err := s.calcs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if calc.Status != StatusApproved {
		return nil, fmt.Errorf("%w: only approved calculations can be paid (status %s)", ErrConflict, calc.Status)
	}
	now := s.now()
	calc.Status = StatusPaid
	calc.PaidAt = &now
	err = s.tx(ctx, func(ctx context.Context) error {
		if err := s.calcs.UpdateStatus(ctx, calc); err != nil {
			return err
		}
		return s.ledger.MarkPaid(ctx, calc.ID, calc.Breakdown.PayableSessionIDs())
	})
	if err != nil {
		return nil, err
	}
	return calc, nil
}

func (s *Service) VoidCalculation(ctx context.Context, id uuid.UUID, reason string) (*PaymentCalculation, error) {
	if reason == "" {
		return nil, fmt.Errorf("reason is required")
	}
	calc, err := s.calcs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if calc.Status == StatusPaid || calc.Status == StatusVoid {
		return nil, fmt.Errorf("%w: %s calculations cannot be voided", ErrConflict, calc.Status)
	}
	calc.Status = StatusVoid
	calc.VoidReason = &reason
	if err := s.calcs.UpdateStatus(ctx, calc); err != nil {
		return nil, err
	}
	return calc, nil
}

// PreviewSessionAmount prices a hypothetical signed session under the
// provider's config at at. Hourly providers preview as zero.
func (s *Service) PreviewSessionAmount(ctx context.Context, providerID uuid.UUID, sessionType string, minutes int, at time.Time) (float64, error) {
	cfg, err := s.ActiveConfig(ctx, providerID, at)
	if err != nil {
		return 0, err
	}
	if cfg.CompensationType != TypeSessionBased {
		if !IsSessionType(sessionType) {
			return 0, fmt.Errorf("unknown session type %q", sessionType)
		}
		return 0, nil
	}
	line, err := SessionAmount(cfg, BillableSession{
		SessionType:     sessionType,
		DurationMinutes: minutes,
		Status:          SessionCompleted,
		NoteSigned:      true,
	})
	if err != nil {
		return 0, err
	}
	return line.Amount, nil
}
