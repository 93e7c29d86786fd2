package compliance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/mhehr/internal/domain/compensation"
	"github.com/ehr/mhehr/internal/domain/sessions"
	"github.com/ehr/mhehr/internal/domain/staff"
	"github.com/ehr/mhehr/internal/platform/cache"
	"github.com/ehr/mhehr/internal/platform/db"
)

var tracer = otel.Tracer("mhehr.internal.domain.compliance")

// MaxRange bounds report date ranges.
const MaxRange = 366 * 24 * time.Hour

// SessionReader is the slice of the session repository reports read from.
type SessionReader interface {
	ListRange(ctx context.Context, providerID *uuid.UUID, from, to time.Time) ([]*sessions.SessionCompletion, error)
	ListUnsigned(ctx context.Context, providerID *uuid.UUID, from, to time.Time) ([]*sessions.SessionCompletion, error)
}

type StaffReader interface {
	GetStaff(ctx context.Context, id uuid.UUID) (*staff.StaffProfile, error)
	ActiveProviders(ctx context.Context) ([]*staff.StaffProfile, error)
}

type PayrollReader interface {
	ActiveConfig(ctx context.Context, providerID uuid.UUID, at time.Time) (*compensation.CompensationConfig, error)
	ListCalculations(ctx context.Context, f compensation.CalculationFilter, limit, offset int) ([]*compensation.PaymentCalculation, int, error)
}

type Service struct {
	sessions SessionReader
	staff    StaffReader
	payroll  PayrollReader
	cache    *cache.ReportCache
	loc      *time.Location

	logger zerolog.Logger
	now    func() time.Time
}

// NewService builds the report service. A nil cache computes every report.
func NewService(sessions SessionReader, staff StaffReader, payroll PayrollReader, reports *cache.ReportCache, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		sessions: sessions,
		staff:    staff,
		payroll:  payroll,
		cache:    reports,
		loc:      loc,
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
}

func (s *Service) SetLogger(l zerolog.Logger) { s.logger = l }

func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) Location() *time.Location { return s.loc }

func (s *Service) Now() time.Time { return s.now() }

func validateRange(from, to time.Time) error {
	if !from.Before(to) {
		return fmt.Errorf("from must be before to")
	}
	if to.Sub(from) > MaxRange {
		return fmt.Errorf("date range cannot exceed 366 days")
	}
	return nil
}

func rangeKey(from, to time.Time) string {
	return from.UTC().Format(time.RFC3339) + "_" + to.UTC().Format(time.RFC3339)
}

// minuteKey truncates now so pending/overdue splits refresh at least once a minute.
func minuteKey(now time.Time) string {
	return now.UTC().Truncate(time.Minute).Format("200601021504")
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// ProviderCompliance reports note compliance for sessions held in [from, to).
func (s *Service) ProviderCompliance(ctx context.Context, providerID uuid.UUID, from, to, now time.Time) (out *ProviderCompliance, err error) {
	if err := validateRange(from, to); err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "compliance.ProviderCompliance",
		trace.WithAttributes(attribute.String("provider_id", providerID.String())))
	defer func() { finish(span, err) }()

	key := fmt.Sprintf("provider:%s:%s:%s", providerID, rangeKey(from, to), minuteKey(now))
	return cache.Remember(ctx, s.cache, db.TenantFromContext(ctx), key, func(ctx context.Context) (*ProviderCompliance, error) {
		provider, err := s.staff.GetStaff(ctx, providerID)
		if err != nil {
			return nil, err
		}
		list, err := s.sessions.ListRange(ctx, &providerID, from, to)
		if err != nil {
			return nil, err
		}
		var t tally
		for _, sc := range list {
			t.add(sc, now)
		}
		return &ProviderCompliance{
			ProviderID:   provider.ID,
			ProviderName: provider.FullName(),
			Role:         provider.Role,
			From:         from,
			To:           to,
			Totals:       t.totals(),
		}, nil
	})
}

// PracticeCompliance reports every active provider, including those with no
// sessions in range, sorted by compliance rate ascending then name.
func (s *Service) PracticeCompliance(ctx context.Context, from, to, now time.Time) (out *PracticeCompliance, err error) {
	if err := validateRange(from, to); err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "compliance.PracticeCompliance")
	defer func() { finish(span, err) }()

	key := fmt.Sprintf("practice:%s:%s", rangeKey(from, to), minuteKey(now))
	return cache.Remember(ctx, s.cache, db.TenantFromContext(ctx), key, func(ctx context.Context) (*PracticeCompliance, error) {
		providers, err := s.staff.ActiveProviders(ctx)
		if err != nil {
			return nil, err
		}
		list, err := s.sessions.ListRange(ctx, nil, from, to)
		if err != nil {
			return nil, err
		}

		tallies := make(map[uuid.UUID]*tally, len(providers))
		for _, p := range providers {
			tallies[p.ID] = &tally{}
		}
		var practice tally
		for _, sc := range list {
			t, ok := tallies[sc.ProviderID]
			if !ok {
				continue
			}
			t.add(sc, now)
			practice.add(sc, now)
		}

		rows := make([]ProviderCompliance, 0, len(providers))
		for _, p := range providers {
			rows = append(rows, ProviderCompliance{
				ProviderID:   p.ID,
				ProviderName: p.FullName(),
				Role:         p.Role,
				From:         from,
				To:           to,
				Totals:       tallies[p.ID].totals(),
			})
		}
		sort.SliceStable(rows, func(i, j int) bool {
			if rows[i].ComplianceRate != rows[j].ComplianceRate {
				return rows[i].ComplianceRate < rows[j].ComplianceRate
			}
			return rows[i].ProviderName < rows[j].ProviderName
		})
		span.SetAttributes(attribute.Int("providers", len(rows)))

		return &PracticeCompliance{
			From:        from,
			To:          to,
			GeneratedAt: now,
			Providers:   rows,
			Practice:    practice.totals(),
		}, nil
	})
}

// SessionAnalytics aggregates sessions in [from, to), optionally for one provider.
func (s *Service) SessionAnalytics(ctx context.Context, from, to time.Time, providerID *uuid.UUID) (out *SessionAnalytics, err error) {
	if err := validateRange(from, to); err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "compliance.SessionAnalytics")
	defer func() { finish(span, err) }()

	scope := "all"
	if providerID != nil {
		scope = providerID.String()
	}
	key := fmt.Sprintf("analytics:%s:%s", scope, rangeKey(from, to))
	return cache.Remember(ctx, s.cache, db.TenantFromContext(ctx), key, func(ctx context.Context) (*SessionAnalytics, error) {
		list, err := s.sessions.ListRange(ctx, providerID, from, to)
		if err != nil {
			return nil, err
		}
		return s.analyze(list, from, to, providerID), nil
	})
}

func (s *Service) analyze(list []*sessions.SessionCompletion, from, to time.Time, providerID *uuid.UUID) *SessionAnalytics {
	out := &SessionAnalytics{
		From:       from,
		To:         to,
		ProviderID: providerID,
		ByType:     []TypeStat{},
		ByStatus:   []StatusStat{},
		Weekly:     []WeeklyStat{},
	}
	byType := map[string]*TypeStat{}
	byStatus := map[string]*StatusStat{}
	weekly := map[string]*WeeklyStat{}
	noShows := 0

	for _, sc := range list {
		revenue := 0.0
		if sc.CalculatedAmount != nil {
			revenue = *sc.CalculatedAmount
		}
		out.TotalSessions++
		out.TotalMinutes += sc.DurationMinutes
		out.TotalRevenue += revenue

		ts, ok := byType[sc.SessionType]
		if !ok {
			ts = &TypeStat{SessionType: sc.SessionType}
			byType[sc.SessionType] = ts
		}
		ts.Count++
		ts.Minutes += sc.DurationMinutes
		ts.Revenue += revenue

		ss, ok := byStatus[sc.Status]
		if !ok {
			ss = &StatusStat{Status: sc.Status}
			byStatus[sc.Status] = ss
		}
		ss.Count++
		ss.Minutes += sc.DurationMinutes

		period := compensation.PayPeriodFor(sc.SessionDate, s.loc)
		ws, ok := weekly[period.Key()]
		if !ok {
			ws = &WeeklyStat{PeriodStart: period.Start, PeriodEnd: period.End}
			weekly[period.Key()] = ws
		}
		ws.Sessions++
		ws.Minutes += sc.DurationMinutes
		ws.Revenue += revenue
		switch sc.Status {
		case sessions.StatusCompleted:
			ws.Completed++
		case sessions.StatusNoShow:
			ws.NoShows++
			noShows++
		}
	}

	for _, ts := range byType {
		ts.Revenue = round2(ts.Revenue)
		out.ByType = append(out.ByType, *ts)
	}
	sort.Slice(out.ByType, func(i, j int) bool { return out.ByType[i].SessionType < out.ByType[j].SessionType })

	for _, ss := range byStatus {
		out.ByStatus = append(out.ByStatus, *ss)
	}
	sort.Slice(out.ByStatus, func(i, j int) bool { return out.ByStatus[i].Status < out.ByStatus[j].Status })

	for _, ws := range weekly {
		ws.Revenue = round2(ws.Revenue)
		out.Weekly = append(out.Weekly, *ws)
	}
	sort.Slice(out.Weekly, func(i, j int) bool { return out.Weekly[i].PeriodStart.Before(out.Weekly[j].PeriodStart) })

	out.TotalRevenue = round2(out.TotalRevenue)
	if out.TotalSessions > 0 {
		out.NoShowRate = round2(float64(noShows) / float64(out.TotalSessions) * 100)
	}
	return out
}

var farFuture = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// ProviderDashboard summarises the pay period containing now. Earnings are
// estimated as if every outstanding note were signed on time.
func (s *Service) ProviderDashboard(ctx context.Context, providerID uuid.UUID, now time.Time) (out *Dashboard, err error) {
	ctx, span := tracer.Start(ctx, "compliance.ProviderDashboard",
		trace.WithAttributes(attribute.String("provider_id", providerID.String())))
	defer func() { finish(span, err) }()

	key := fmt.Sprintf("dashboard:%s:%s", providerID, minuteKey(now))
	return cache.Remember(ctx, s.cache, db.TenantFromContext(ctx), key, func(ctx context.Context) (*Dashboard, error) {
		provider, err := s.staff.GetStaff(ctx, providerID)
		if err != nil {
			return nil, err
		}
		period := compensation.PayPeriodFor(now, s.loc)
		d := &Dashboard{
			ProviderID:   provider.ID,
			ProviderName: provider.FullName(),
			Period:       period,
		}

		list, err := s.sessions.ListRange(ctx, &providerID, period.Start, period.End.Add(time.Nanosecond))
		if err != nil {
			return nil, err
		}
		billable := make([]compensation.BillableSession, 0, len(list))
		for _, sc := range list {
			d.SessionCount++
			d.Minutes += sc.DurationMinutes
			b := sc.Billable()
			if sc.Outstanding() {
				b.NoteSigned = true
			}
			billable = append(billable, b)
		}

		if err := s.estimate(ctx, d, billable, now); err != nil {
			return nil, err
		}

		unsigned, err := s.sessions.ListUnsigned(ctx, &providerID, time.Time{}, farFuture)
		if err != nil {
			return nil, err
		}
		for _, sc := range unsigned {
			if sc.IsOverdue(now) {
				d.OverdueNotes++
				continue
			}
			d.PendingNotes++
			if d.NextDeadline == nil || sc.NoteDeadline.Before(*d.NextDeadline) {
				deadline := sc.NoteDeadline
				d.NextDeadline = &deadline
			}
		}

		calcs, _, err := s.payroll.ListCalculations(ctx, compensation.CalculationFilter{ProviderID: &providerID}, 5, 0)
		if err != nil {
			return nil, err
		}
		for _, c := range calcs {
			if c.Status != compensation.StatusVoid {
				d.LatestCalculation = c
				break
			}
		}
		return d, nil
	})
}

func (s *Service) estimate(ctx context.Context, d *Dashboard, billable []compensation.BillableSession, now time.Time) error {
	cfg, err := s.payroll.ActiveConfig(ctx, d.ProviderID, now)
	if errors.Is(err, compensation.ErrNoActiveConfig) {
		return nil
	}
	if err != nil {
		return err
	}
	d.CompensationType = cfg.CompensationType
	if cfg.CompensationType != compensation.TypeSessionBased {
		return nil
	}
	res, err := compensation.CalculateSessionPay(cfg, billable)
	if err != nil {
		s.logger.Warn().Err(err).Str("provider_id", d.ProviderID.String()).Msg("dashboard estimate skipped")
		return nil
	}
	d.EstimatedEarnings = res.Total
	d.WithheldSessions = res.WithheldCount
	return nil
}
