package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ehr/mhehr/internal/domain/compensation"
	"github.com/ehr/mhehr/internal/domain/staff"
	"github.com/ehr/mhehr/internal/platform/db"
	"github.com/ehr/mhehr/internal/platform/notification"
)

var tracer = otel.Tracer("mhehr.internal.domain.sessions")

var (
	ErrNotFound  = errors.New("session not found")
	ErrConflict  = errors.New("conflict")
	ErrForbidden = errors.New("forbidden")
	ErrLocked    = errors.New("session is locked")
)

// StaffDirectory resolves providers and supervisors. *staff.Service implements it.
type StaffDirectory interface {
	GetStaff(ctx context.Context, id uuid.UUID) (*staff.StaffProfile, error)
}

// Notifier delivers templated email. *notification.Notifier implements it.
type Notifier interface {
	Send(ctx context.Context, templateID, recipient string, data map[string]string) error
}

// CacheInvalidator drops cached reports for a tenant.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, tenant string) error
}

// Observer records enforcement and notification outcomes.
// *telemetry.Provider implements it.
type Observer interface {
	ObserveSessionsLocked(tenant string, n int)
	ObserveNotification(kind string, err error)
}

type Options struct {
	Location          *time.Location
	GracePeriod       time.Duration
	OverrideExtension time.Duration
	ReminderWindow    time.Duration
}

func (o *Options) applyDefaults() {
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 24 * time.Hour
	}
	if o.OverrideExtension <= 0 {
		o.OverrideExtension = 48 * time.Hour
	}
	if o.ReminderWindow <= 0 {
		o.ReminderWindow = 24 * time.Hour
	}
}

type Service struct {
	repo      SessionRepository
	directory StaffDirectory
	opts      Options

	notifier Notifier
	cache    CacheInvalidator
	metrics  Observer
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(repo SessionRepository, directory StaffDirectory, opts Options) *Service {
	opts.applyDefaults()
	return &Service{
		repo:      repo,
		directory: directory,
		opts:      opts,
		logger:    zerolog.Nop(),
		now:       time.Now,
	}
}

func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

func (s *Service) SetCache(c CacheInvalidator) { s.cache = c }

func (s *Service) SetMetrics(m Observer) { s.metrics = m }

func (s *Service) SetLogger(l zerolog.Logger) { s.logger = l }

func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) Location() *time.Location { return s.opts.Location }

// Deadline returns the note deadline for a session held at sessionDate.
func (s *Service) Deadline(sessionDate time.Time) time.Time {
	return s.deadlineFor(compensation.PayPeriodFor(sessionDate, s.opts.Location))
}

// deadlineFor adds the grace period to the period end with whole days counted
// on the local calendar, so a DST change keeps the deadline at local
// 23:59:59.
func (s *Service) deadlineFor(period compensation.PayPeriod) time.Time {
	const day = 24 * time.Hour
	days, rest := int(s.opts.GracePeriod/day), s.opts.GracePeriod%day
	return period.Next().Start.AddDate(0, 0, days).Add(rest - time.Nanosecond)
}

// Invalidate drops cached reports for the tenant carried by ctx.
func (s *Service) Invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	tenant := db.TenantFromContext(ctx)
	if err := s.cache.Invalidate(ctx, tenant); err != nil {
		s.logger.Warn().Err(err).Str("tenant", tenant).Msg("report cache invalidation failed")
	}
}

func (s *Service) schedule(sc *SessionCompletion) {
	period := compensation.PayPeriodFor(sc.SessionDate, s.opts.Location)
	sc.PayPeriodStart = period.Start
	sc.NoteDeadline = s.deadlineFor(period)
}

func (s *Service) validate(sc *SessionCompletion) error {
	if sc.ProviderID == uuid.Nil {
		return fmt.Errorf("provider_id is required")
	}
	if sc.ClientID == uuid.Nil {
		return fmt.Errorf("client_id is required")
	}
	if !compensation.IsSessionType(sc.SessionType) {
		return fmt.Errorf("invalid session_type: %s", sc.SessionType)
	}
	if !validStatuses[sc.Status] {
		return fmt.Errorf("invalid status: %s", sc.Status)
	}
	if sc.DurationMinutes < 0 || sc.DurationMinutes > 24*60 {
		return fmt.Errorf("duration_minutes must be between 0 and 1440")
	}
	if sc.Status == StatusCompleted && sc.DurationMinutes == 0 {
		return fmt.Errorf("completed sessions need a duration")
	}
	if sc.SessionDate.IsZero() {
		return fmt.Errorf("session_date is required")
	}
	if sc.SessionDate.After(s.now().Add(24 * time.Hour)) {
		return fmt.Errorf("session_date cannot be in the future")
	}
	return nil
}

func (s *Service) CreateSession(ctx context.Context, sc *SessionCompletion) error {
	if err := s.validate(sc); err != nil {
		return err
	}
	provider, err := s.directory.GetStaff(ctx, sc.ProviderID)
	if errors.Is(err, staff.ErrNotFound) {
		return fmt.Errorf("provider %s not found", sc.ProviderID)
	}
	if err != nil {
		return err
	}
	if !provider.IsActive || !provider.IsProvider() {
		return fmt.Errorf("provider %s is not an active clinician", sc.ProviderID)
	}
	sc.RequiresCosign = provider.RequiresCosign
	sc.SupervisorID = nil
	if provider.RequiresCosign {
		if provider.SupervisorID == nil {
			return fmt.Errorf("provider %s requires a cosign but has no supervisor", sc.ProviderID)
		}
		sup := *provider.SupervisorID
		sc.SupervisorID = &sup
	}
	s.schedule(sc)

	if err := s.repo.Create(ctx, sc); err != nil {
		return err
	}
	s.Invalidate(ctx)
	return nil
}

func (s *Service) GetSession(ctx context.Context, id uuid.UUID) (*SessionCompletion, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListSessions(ctx context.Context, f SessionFilter, limit, offset int) ([]*SessionCompletion, int, error) {
	if f.Status != "" && !validStatuses[f.Status] {
		return nil, 0, fmt.Errorf("invalid status: %s", f.Status)
	}
	return s.repo.List(ctx, f, limit, offset)
}

// UpdateSession replaces the clinical details of a session. Signature,
// lock and payment state are kept from the stored row.
func (s *Service) UpdateSession(ctx context.Context, sc *SessionCompletion) (*SessionCompletion, error) {
	existing, err := s.repo.GetByID(ctx, sc.ID)
	if err != nil {
		return nil, err
	}
	if existing.IsPaid {
		return nil, fmt.Errorf("%w: session has been paid", ErrConflict)
	}
	if existing.IsLocked {
		return nil, ErrLocked
	}
	sc.ProviderID = existing.ProviderID
	if err := s.validate(sc); err != nil {
		return nil, err
	}

	updated := *existing
	updated.ClientID = sc.ClientID
	updated.AppointmentID = sc.AppointmentID
	updated.SessionType = sc.SessionType
	updated.DurationMinutes = sc.DurationMinutes
	updated.Status = sc.Status
	updated.Notes = sc.Notes
	if !sc.SessionDate.Equal(existing.SessionDate) {
		updated.SessionDate = sc.SessionDate
		s.schedule(&updated)
		updated.ReminderSentAt = nil
	}

	if err := s.repo.Update(ctx, &updated); err != nil {
		return nil, err
	}
	s.Invalidate(ctx)
	return &updated, nil
}

// SignNote records the provider's signature. Notes that need no cosign are
// locked as soon as they are signed.
func (s *Service) SignNote(ctx context.Context, id, signer uuid.UUID) (*SessionCompletion, error) {
	sc, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sc.ProviderID != signer {
		return nil, fmt.Errorf("%w: only the session provider can sign the note", ErrForbidden)
	}
	if !sc.RequiresNote() {
		return nil, fmt.Errorf("%s sessions do not take a progress note", sc.Status)
	}
	if sc.NoteSigned {
		return nil, fmt.Errorf("%w: note already signed", ErrConflict)
	}
	if sc.IsLocked {
		return nil, ErrLocked
	}

	now := s.now()
	sc.NoteSigned = true
	sc.SignedAt = &now
	sc.SignedBy = &signer
	sc.SignedLate = now.After(sc.NoteDeadline)
	if !sc.RequiresCosign {
		sc.lock(LockSigned, now)
	}
	if err := s.repo.Update(ctx, sc); err != nil {
		return nil, err
	}
	s.Invalidate(ctx)
	return sc, nil
}

func (s *Service) CosignNote(ctx context.Context, id, supervisor uuid.UUID) (*SessionCompletion, error) {
	sc, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sc.RequiresCosign {
		return nil, fmt.Errorf("%w: session does not require a cosign", ErrConflict)
	}
	if sc.SupervisorID == nil || *sc.SupervisorID != supervisor {
		return nil, fmt.Errorf("%w: only the recorded supervisor can cosign", ErrForbidden)
	}
	if !sc.NoteSigned {
		return nil, fmt.Errorf("%w: provider has not signed the note", ErrConflict)
	}
	if sc.Cosigned {
		return nil, fmt.Errorf("%w: note already cosigned", ErrConflict)
	}

	now := s.now()
	sc.Cosigned = true
	sc.CosignedAt = &now
	sc.CosignedBy = &supervisor
	sc.lock(LockCosigned, now)
	if err := s.repo.Update(ctx, sc); err != nil {
		return nil, err
	}
	s.Invalidate(ctx)
	return sc, nil
}

func (s *Service) LockSession(ctx context.Context, id uuid.UUID, reason string) (*SessionCompletion, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("reason is required")
	}
	sc, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sc.IsLocked {
		return nil, fmt.Errorf("%w: session already locked", ErrConflict)
	}
	sc.lock(reason, s.now())
	if err := s.repo.Update(ctx, sc); err != nil {
		return nil, err
	}
	s.Invalidate(ctx)
	return sc, nil
}

// OverrideLock unlocks a session on behalf of the provider's supervisor or an
// admin and extends the note deadline from now.
func (s *Service) OverrideLock(ctx context.Context, id, actor uuid.UUID, reason string) (*SessionCompletion, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("reason is required")
	}
	sc, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sc.IsLocked {
		return nil, fmt.Errorf("%w: session is not locked", ErrConflict)
	}
	if sc.IsPaid {
		return nil, fmt.Errorf("%w: session has been paid", ErrConflict)
	}
	if err := s.authorizeOverride(ctx, sc, actor); err != nil {
		return nil, err
	}

	now := s.now()
	sc.IsLocked = false
	sc.LockedAt = nil
	sc.LockReason = nil
	sc.IsOverridden = true
	sc.OverriddenBy = &actor
	sc.OverrideReason = &reason
	sc.OverriddenAt = &now
	sc.NoteDeadline = now.Add(s.opts.OverrideExtension)
	sc.ReminderSentAt = nil
	if err := s.repo.Update(ctx, sc); err != nil {
		return nil, err
	}
	s.logger.Info().Str("session_id", id.String()).Str("actor", actor.String()).Msg("session lock overridden")
	s.Invalidate(ctx)
	return sc, nil
}

func (s *Service) authorizeOverride(ctx context.Context, sc *SessionCompletion, actor uuid.UUID) error {
	if sc.SupervisorID != nil && *sc.SupervisorID == actor {
		return nil
	}
	who, err := s.directory.GetStaff(ctx, actor)
	if errors.Is(err, staff.ErrNotFound) {
		return fmt.Errorf("%w: unknown staff member", ErrForbidden)
	}
	if err != nil {
		return err
	}
	if who.IsActive && who.Role == staff.RoleAdmin {
		return nil
	}
	provider, err := s.directory.GetStaff(ctx, sc.ProviderID)
	if err != nil && !errors.Is(err, staff.ErrNotFound) {
		return err
	}
	if provider != nil && provider.SupervisorID != nil && *provider.SupervisorID == actor && who.IsActive {
		return nil
	}
	return fmt.Errorf("%w: only the provider's supervisor or an admin can override a lock", ErrForbidden)
}

// PendingNotes returns the provider's unsigned, unlocked notes by deadline.
func (s *Service) PendingNotes(ctx context.Context, providerID uuid.UUID) ([]*SessionCompletion, error) {
	return s.repo.ListUnsigned(ctx, &providerID, time.Time{}, farFuture)
}

// OverdueNotes returns unsigned notes past their deadline that are not yet locked.
func (s *Service) OverdueNotes(ctx context.Context, now time.Time) ([]*SessionCompletion, error) {
	return s.repo.ListUnsigned(ctx, nil, time.Time{}, now)
}

// DueSoon returns unsigned notes whose deadline falls within window of now.
func (s *Service) DueSoon(ctx context.Context, now time.Time, window time.Duration) ([]*SessionCompletion, error) {
	return s.repo.ListUnsigned(ctx, nil, now, now.Add(window))
}

var farFuture = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)

// EnforceDeadlines locks every unsigned note past its deadline and notifies
// the affected providers and supervisors.
func (s *Service) EnforceDeadlines(ctx context.Context, now time.Time) (locked []*SessionCompletion, err error) {
	tenant := db.TenantFromContext(ctx)
	ctx, span := tracer.Start(ctx, "sessions.EnforceDeadlines")
	span.SetAttributes(attribute.String("tenant", tenant))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	locked, err = s.repo.LockExpired(ctx, now, LockDeadlineExpired)
	if err != nil {
		return nil, fmt.Errorf("lock expired notes: %w", err)
	}
	span.SetAttributes(attribute.Int("sessions.locked", len(locked)))
	if s.metrics != nil {
		s.metrics.ObserveSessionsLocked(tenant, len(locked))
	}
	if len(locked) == 0 {
		return locked, nil
	}

	s.logger.Info().Str("tenant", tenant).Int("locked", len(locked)).Msg("locked notes past deadline")
	for _, sc := range locked {
		s.notifyLocked(ctx, sc)
	}
	s.Invalidate(ctx)
	return locked, nil
}

// SendReminders emails providers once about each note due within the
// reminder window. It returns the number of reminders sent.
func (s *Service) SendReminders(ctx context.Context, now time.Time) (int, error) {
	due, err := s.DueSoon(ctx, now, s.opts.ReminderWindow)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, sc := range due {
		if sc.ReminderSentAt != nil {
			continue
		}
		provider, err := s.directory.GetStaff(ctx, sc.ProviderID)
		if err != nil {
			s.logger.Warn().Err(err).Str("session_id", sc.ID.String()).Msg("reminder skipped: provider lookup failed")
			continue
		}
		if err := s.notify(ctx, notification.TemplateNoteReminder, provider.Email, s.noteData(sc, provider, nil)); err != nil {
			continue
		}
		if err := s.repo.MarkReminderSent(ctx, sc.ID, now); err != nil {
			return sent, fmt.Errorf("mark reminder sent: %w", err)
		}
		sent++
	}
	return sent, nil
}

func (s *Service) notifyLocked(ctx context.Context, sc *SessionCompletion) {
	provider, err := s.directory.GetStaff(ctx, sc.ProviderID)
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", sc.ID.String()).Msg("lock notice skipped: provider lookup failed")
		return
	}
	var supervisor *staff.StaffProfile
	if id := provider.SupervisorID; id != nil {
		if supervisor, err = s.directory.GetStaff(ctx, *id); err != nil {
			s.logger.Warn().Err(err).Str("supervisor_id", id.String()).Msg("supervisor lookup failed")
			supervisor = nil
		}
	}
	data := s.noteData(sc, provider, supervisor)
	_ = s.notify(ctx, notification.TemplateNoteLocked, provider.Email, data)
	if supervisor != nil && supervisor.IsActive {
		_ = s.notify(ctx, notification.TemplateSuperviseeLocked, supervisor.Email, data)
	}
}

func (s *Service) noteData(sc *SessionCompletion, provider, supervisor *staff.StaffProfile) map[string]string {
	data := map[string]string{
		"provider_name": provider.FullName(),
		"session_type":  sc.SessionType,
		"session_date":  sc.SessionDate.In(s.opts.Location).Format(time.DateOnly),
		"deadline":      sc.NoteDeadline.In(s.opts.Location).Format("2006-01-02 15:04 MST"),
	}
	if supervisor != nil {
		data["supervisor_name"] = supervisor.FullName()
	}
	return data
}

func (s *Service) notify(ctx context.Context, templateID, recipient string, data map[string]string) error {
	if s.notifier == nil {
		return nil
	}
	err := s.notifier.Send(ctx, templateID, recipient, data)
	if s.metrics != nil {
		s.metrics.ObserveNotification(templateID, err)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("template", templateID).Str("recipient", recipient).Msg("notification failed")
	}
	return err
}
