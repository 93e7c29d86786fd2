package sessions

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/mhehr/internal/domain/compensation"
	"github.com/ehr/mhehr/internal/domain/staff"
	"github.com/ehr/mhehr/internal/platform/notification"
)

// -- Mock Repository --

type mockSessionRepo struct {
	sessions map[uuid.UUID]*SessionCompletion
}

func newMockSessionRepo() *mockSessionRepo {
	return &mockSessionRepo{sessions: make(map[uuid.UUID]*SessionCompletion)}
}

func clone(s *SessionCompletion) *SessionCompletion {
	out := *s
	return &out
}

func (m *mockSessionRepo) sorted(keep func(*SessionCompletion) bool, less func(a, b *SessionCompletion) bool) []*SessionCompletion {
	var out []*SessionCompletion
	for _, s := range m.sessions {
		if keep(s) {
			out = append(out, clone(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func byDate(a, b *SessionCompletion) bool { return a.SessionDate.Before(b.SessionDate) }

func (m *mockSessionRepo) Create(_ context.Context, s *SessionCompletion) error {
	s.ID = uuid.New()
	s.CreatedAt = time.Now()
	s.UpdatedAt = s.CreatedAt
	m.sessions[s.ID] = clone(s)
	return nil
}

func (m *mockSessionRepo) GetByID(_ context.Context, id uuid.UUID) (*SessionCompletion, error) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *mockSessionRepo) Update(_ context.Context, s *SessionCompletion) error {
	if _, ok := m.sessions[s.ID]; !ok {
		return ErrNotFound
	}
	m.sessions[s.ID] = clone(s)
	return nil
}

func (m *mockSessionRepo) List(_ context.Context, f SessionFilter, limit, offset int) ([]*SessionCompletion, int, error) {
	all := m.sorted(func(s *SessionCompletion) bool {
		if f.ProviderID != nil && s.ProviderID != *f.ProviderID {
			return false
		}
		if f.Status != "" && s.Status != f.Status {
			return false
		}
		if f.Signed != nil && s.NoteSigned != *f.Signed {
			return false
		}
		return true
	}, byDate)
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *mockSessionRepo) ListRange(_ context.Context, providerID *uuid.UUID, from, to time.Time) ([]*SessionCompletion, error) {
	return m.sorted(func(s *SessionCompletion) bool {
		return (providerID == nil || s.ProviderID == *providerID) &&
			!s.SessionDate.Before(from) && s.SessionDate.Before(to)
	}, byDate), nil
}

func (m *mockSessionRepo) ListUnsigned(_ context.Context, providerID *uuid.UUID, from, to time.Time) ([]*SessionCompletion, error) {
	return m.sorted(func(s *SessionCompletion) bool {
		return (providerID == nil || s.ProviderID == *providerID) &&
			s.Outstanding() && !s.NoteDeadline.Before(from) && s.NoteDeadline.Before(to)
	}, func(a, b *SessionCompletion) bool { return a.NoteDeadline.Before(b.NoteDeadline) }), nil
}

func (m *mockSessionRepo) LockExpired(_ context.Context, now time.Time, reason string) ([]*SessionCompletion, error) {
	var out []*SessionCompletion
	for _, s := range m.sessions {
		if s.Outstanding() && s.NoteDeadline.Before(now) {
			s.lock(reason, now)
			out = append(out, clone(s))
		}
	}
	return out, nil
}

func (m *mockSessionRepo) MarkReminderSent(_ context.Context, id uuid.UUID, at time.Time) error {
	if s, ok := m.sessions[id]; ok {
		s.ReminderSentAt = &at
	}
	return nil
}

func (m *mockSessionRepo) ListPayable(_ context.Context, providerID uuid.UUID, period compensation.PayPeriod) ([]*SessionCompletion, error) {
	return m.sorted(func(s *SessionCompletion) bool {
		if s.ProviderID != providerID || s.IsPaid {
			return false
		}
		if s.PayPeriodStart.Equal(period.Start) {
			return true
		}
		if !s.PayPeriodStart.Before(period.Start) {
			return false
		}
		signedIn := s.SignedAt != nil && period.Contains(*s.SignedAt)
		overriddenIn := s.IsOverridden && s.OverriddenAt != nil && period.Contains(*s.OverriddenAt)
		return signedIn || overriddenIn
	}, byDate), nil
}

func (m *mockSessionRepo) RecordAmounts(_ context.Context, amounts map[uuid.UUID]float64) error {
	for id, amount := range amounts {
		if s, ok := m.sessions[id]; ok && !s.IsPaid {
			a := amount
			s.CalculatedAmount = &a
		}
	}
	return nil
}

func (m *mockSessionRepo) MarkPaid(_ context.Context, calculationID uuid.UUID, ids []uuid.UUID) error {
	for _, id := range ids {
		if s, ok := m.sessions[id]; ok {
			s.IsPaid = true
			calc := calculationID
			s.PaymentCalculationID = &calc
		}
	}
	return nil
}

// -- Mock Directory --

type mockDirectory struct {
	staff map[uuid.UUID]*staff.StaffProfile
}

func (m *mockDirectory) GetStaff(_ context.Context, id uuid.UUID) (*staff.StaffProfile, error) {
	p, ok := m.staff[id]
	if !ok {
		return nil, staff.ErrNotFound
	}
	out := *p
	return &out, nil
}

func (m *mockDirectory) add(role string, supervisor *uuid.UUID) *staff.StaffProfile {
	p := &staff.StaffProfile{
		ID:             uuid.New(),
		FirstName:      "Pat",
		LastName:       role,
		Email:          role + "-" + uuid.NewString()[:6] + "@example.com",
		Role:           role,
		IsActive:       true,
		SupervisorID:   supervisor,
		RequiresCosign: role == staff.RoleIntern,
	}
	m.staff[p.ID] = p
	return p
}

// -- Recorders --

type recordingCache struct {
	tenants []string
}

func (r *recordingCache) Invalidate(_ context.Context, tenant string) error {
	r.tenants = append(r.tenants, tenant)
	return nil
}

type recordingObserver struct {
	locked        int
	notifications map[string]int
}

func (r *recordingObserver) ObserveSessionsLocked(_ string, n int) { r.locked += n }

func (r *recordingObserver) ObserveNotification(kind string, _ error) {
	if r.notifications == nil {
		r.notifications = make(map[string]int)
	}
	r.notifications[kind]++
}

// -- Helpers --

// 2026-01-07 is a Wednesday; its pay period runs 2026-01-04 to 2026-01-10.
var testNow = time.Date(2026, time.January, 7, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	svc     *Service
	repo    *mockSessionRepo
	dir     *mockDirectory
	mail    *notification.MockEmailSender
	cache   *recordingCache
	metrics *recordingObserver
	now     time.Time
}

func newTestEnv() *testEnv {
	env := &testEnv{
		repo:    newMockSessionRepo(),
		dir:     &mockDirectory{staff: make(map[uuid.UUID]*staff.StaffProfile)},
		mail:    &notification.MockEmailSender{},
		cache:   &recordingCache{},
		metrics: &recordingObserver{},
		now:     testNow,
	}
	env.svc = NewService(env.repo, env.dir, Options{Location: time.UTC})
	env.svc.SetClock(func() time.Time { return env.now })
	env.svc.SetNotifier(notification.NewNotifier(env.mail, notification.NewTemplateEngine(), notification.WithRetry(1, 0)))
	env.svc.SetCache(env.cache)
	env.svc.SetMetrics(env.metrics)
	return env
}

func (env *testEnv) newSession(t *testing.T, provider uuid.UUID, at time.Time) *SessionCompletion {
	t.Helper()
	sc := &SessionCompletion{
		ProviderID:      provider,
		ClientID:        uuid.New(),
		SessionDate:     at,
		SessionType:     "individual",
		DurationMinutes: 55,
		Status:          StatusCompleted,
	}
	if err := env.svc.CreateSession(context.Background(), sc); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sc
}

// -- Tests --

func TestDeadline_DSTWeek(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	svc := NewService(newMockSessionRepo(), &mockDirectory{staff: make(map[uuid.UUID]*staff.StaffProfile)}, Options{Location: loc})

	// Clocks spring forward on Sunday 2026-03-08, the grace day.
	got := svc.Deadline(time.Date(2026, time.March, 4, 10, 0, 0, 0, loc))
	want := time.Date(2026, time.March, 8, 23, 59, 59, 999999999, loc)
	if !got.Equal(want) {
		t.Errorf("expected deadline %s, got %s", want, got.In(loc))
	}

	// Clocks fall back on Sunday 2026-11-01.
	got = svc.Deadline(time.Date(2026, time.October, 28, 10, 0, 0, 0, loc))
	want = time.Date(2026, time.November, 1, 23, 59, 59, 999999999, loc)
	if !got.Equal(want) {
		t.Errorf("expected deadline %s, got %s", want, got.In(loc))
	}
}

func TestCreateSession_DerivesDeadline(t *testing.T) {
	env := newTestEnv()
	clinician := env.dir.add(staff.RoleClinician, nil)

	sc := env.newSession(t, clinician.ID, testNow.Add(-2*time.Hour))

	wantStart := time.Date(2026, time.January, 4, 0, 0, 0, 0, time.UTC)
	if !sc.PayPeriodStart.Equal(wantStart) {
		t.Errorf("expected period start %s, got %s", wantStart, sc.PayPeriodStart)
	}
	// Saturday 23:59:59.999999999 plus the 24h grace period.
	wantDeadline := time.Date(2026, time.January, 11, 23, 59, 59, 999999999, time.UTC)
	if !sc.NoteDeadline.Equal(wantDeadline) {
		t.Errorf("expected deadline %s, got %s", wantDeadline, sc.NoteDeadline)
	}
	if sc.RequiresCosign || sc.SupervisorID != nil {
		t.Error("clinician sessions should not need a cosign")
	}
	if len(env.cache.tenants) != 1 {
		t.Errorf("expected cache invalidation, got %d", len(env.cache.tenants))
	}
}

func TestCreateSession_InternRecordsSupervisor(t *testing.T) {
	env := newTestEnv()
	sup := env.dir.add(staff.RoleSupervisor, nil)
	intern := env.dir.add(staff.RoleIntern, &sup.ID)

	sc := env.newSession(t, intern.ID, testNow)
	if !sc.RequiresCosign || sc.SupervisorID == nil || *sc.SupervisorID != sup.ID {
		t.Errorf("expected cosign by %s, got %+v", sup.ID, sc.SupervisorID)
	}
}

func TestCreateSession_Validation(t *testing.T) {
	env := newTestEnv()
	clinician := env.dir.add(staff.RoleClinician, nil)
	billing := env.dir.add(staff.RoleBilling, nil)

	base := func() *SessionCompletion {
		return &SessionCompletion{
			ProviderID: clinician.ID, ClientID: uuid.New(), SessionDate: testNow,
			SessionType: "individual", DurationMinutes: 50, Status: StatusCompleted,
		}
	}
	cases := map[string]func(*SessionCompletion){
		"unknown type":      func(s *SessionCompletion) { s.SessionType = "massage" },
		"unknown status":    func(s *SessionCompletion) { s.Status = "cancelled" },
		"missing client":    func(s *SessionCompletion) { s.ClientID = uuid.Nil },
		"zero duration":     func(s *SessionCompletion) { s.DurationMinutes = 0 },
		"future":            func(s *SessionCompletion) { s.SessionDate = testNow.Add(72 * time.Hour) },
		"unknown provider":  func(s *SessionCompletion) { s.ProviderID = uuid.New() },
		"non-clinical role": func(s *SessionCompletion) { s.ProviderID = billing.ID },
	}
	for name, mutate := range cases {
		sc := base()
		mutate(sc)
		if err := env.svc.CreateSession(context.Background(), sc); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}

	noShow := base()
	noShow.Status = StatusNoShow
	noShow.DurationMinutes = 0
	if err := env.svc.CreateSession(context.Background(), noShow); err != nil {
		t.Errorf("no-show without duration should be accepted: %v", err)
	}
}

func TestSignNote_LocksWhenNoCosign(t *testing.T) {
	env := newTestEnv()
	clinician := env.dir.add(staff.RoleClinician, nil)
	sc := env.newSession(t, clinician.ID, testNow)

	signed, err := env.svc.SignNote(context.Background(), sc.ID, clinician.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !signed.NoteSigned || signed.SignedLate {
		t.Errorf("expected on-time signature, got %+v", signed)
	}
	if !signed.IsLocked || *signed.LockReason != LockSigned {
		t.Error("expected note locked after signing")
	}

	if _, err := env.svc.SignNote(context.Background(), sc.ID, clinician.ID); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict on second signature, got %v", err)
	}
}

func TestSignNote_OnlyProvider(t *testing.T) {
	env := newTestEnv()
	clinician := env.dir.add(staff.RoleClinician, nil)
	sc := env.newSession(t, clinician.ID, testNow)

	if _, err := env.svc.SignNote(context.Background(), sc.ID, uuid.New()); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
}

func TestSignNote_NoShowHasNoNote(t *testing.T) {
	env := newTestEnv()
	clinician := env.dir.add(staff.RoleClinician, nil)
	sc := &SessionCompletion{
		ProviderID: clinician.ID, ClientID: uuid.New(), SessionDate: testNow,
		SessionType: "individual", Status: StatusNoShow,
	}
	if err := env.svc.CreateSession(context.Background(), sc); err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.SignNote(context.Background(), sc.ID, clinician.ID); err == nil {
		t.Error("expected no-show sign to be rejected")
	}
}

func TestEnforceDeadlines(t *testing.T) {
	env := newTestEnv()
	sup := env.dir.add(staff.RoleSupervisor, nil)
	clinician := env.dir.add(staff.RoleClinician, &sup.ID)
	late := env.newSession(t, clinician.ID, testNow)
	signedEarly := env.newSession(t, clinician.ID, testNow.Add(-time.Hour))
	if _, err := env.svc.SignNote(context.Background(), signedEarly.ID, clinician.ID); err != nil {
		t.Fatal(err)
	}

	// Just before the deadline nothing locks.
	locked, err := env.svc.EnforceDeadlines(context.Background(), late.NoteDeadline)
	if err != nil {
		t.Fatal(err)
	}
	if len(locked) != 0 {
		t.Fatalf("expected nothing locked at the deadline, got %d", len(locked))
	}

	locked, err = env.svc.EnforceDeadlines(context.Background(), late.NoteDeadline.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if len(locked) != 1 || locked[0].ID != late.ID {
		t.Fatalf("expected only the unsigned session locked, got %d", len(locked))
	}
	if *locked[0].LockReason != LockDeadlineExpired {
		t.Errorf("expected reason %s, got %s", LockDeadlineExpired, *locked[0].LockReason)
	}
	if env.metrics.locked != 1 {
		t.Errorf("expected 1 locked observed, got %d", env.metrics.locked)
	}

	calls := env.mail.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected provider and supervisor notices, got %d", len(calls))
	}
	recipients := map[string]bool{calls[0].To: true, calls[1].To: true}
	if !recipients[clinician.Email] || !recipients[sup.Email] {
		t.Errorf("unexpected recipients: %v", recipients)
	}

	if _, err := env.svc.SignNote(context.Background(), late.ID, clinician.ID); !errors.Is(err, ErrLocked) {
		t.Errorf("expected ErrLocked when signing a locked note, got %v", err)
	}
}

func TestOverrideLock_SupervisorExtendsDeadline(t *testing.T) {
	env := newTestEnv()
	sup := env.dir.add(staff.RoleSupervisor, nil)
	clinician := env.dir.add(staff.RoleClinician, &sup.ID)
	sc := env.newSession(t, clinician.ID, testNow)

	env.now = sc.NoteDeadline.Add(time.Hour)
	if _, err := env.svc.EnforceDeadlines(context.Background(), env.now); err != nil {
		t.Fatal(err)
	}

	got, err := env.svc.OverrideLock(context.Background(), sc.ID, sup.ID, "provider was on leave")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.IsLocked || !got.IsOverridden {
		t.Errorf("expected unlocked and overridden, got %+v", got)
	}
	if want := env.now.Add(48 * time.Hour); !got.NoteDeadline.Equal(want) {
		t.Errorf("expected deadline %s, got %s", want, got.NoteDeadline)
	}

	env.now = env.now.Add(time.Hour)
	signed, err := env.svc.SignNote(context.Background(), sc.ID, clinician.ID)
	if err != nil {
		t.Fatalf("sign after override: %v", err)
	}
	if signed.SignedLate {
		t.Error("signature within the extension should not be late")
	}
}

func TestOverrideLock_Authorization(t *testing.T) {
	env := newTestEnv()
	sup := env.dir.add(staff.RoleSupervisor, nil)
	otherSup := env.dir.add(staff.RoleSupervisor, nil)
	admin := env.dir.add(staff.RoleAdmin, nil)
	clinician := env.dir.add(staff.RoleClinician, &sup.ID)
	sc := env.newSession(t, clinician.ID, testNow)
	if _, err := env.svc.LockSession(context.Background(), sc.ID, "audit hold"); err != nil {
		t.Fatal(err)
	}

	if _, err := env.svc.OverrideLock(context.Background(), sc.ID, otherSup.ID, "x"); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden for unrelated supervisor, got %v", err)
	}
	if _, err := env.svc.OverrideLock(context.Background(), sc.ID, clinician.ID, "x"); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden for the provider, got %v", err)
	}
	if _, err := env.svc.OverrideLock(context.Background(), sc.ID, admin.ID, ""); err == nil {
		t.Error("expected a reason to be required")
	}
	if _, err := env.svc.OverrideLock(context.Background(), sc.ID, admin.ID, "admin review"); err != nil {
		t.Errorf("expected admin override to succeed: %v", err)
	}
}

func TestCosignNote(t *testing.T) {
	env := newTestEnv()
	sup := env.dir.add(staff.RoleSupervisor, nil)
	intern := env.dir.add(staff.RoleIntern, &sup.ID)
	sc := env.newSession(t, intern.ID, testNow)

	if _, err := env.svc.CosignNote(context.Background(), sc.ID, sup.ID); !errors.Is(err, ErrConflict) {
		t.Errorf("expected cosign before signature to conflict, got %v", err)
	}

	signed, err := env.svc.SignNote(context.Background(), sc.ID, intern.ID)
	if err != nil {
		t.Fatal(err)
	}
	if signed.IsLocked {
		t.Error("notes awaiting cosign should stay unlocked")
	}

	if _, err := env.svc.CosignNote(context.Background(), sc.ID, uuid.New()); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden for another supervisor, got %v", err)
	}
	cosigned, err := env.svc.CosignNote(context.Background(), sc.ID, sup.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cosigned.Cosigned || !cosigned.IsLocked || *cosigned.LockReason != LockCosigned {
		t.Errorf("expected cosigned and locked, got %+v", cosigned)
	}
}

func TestUpdateSession(t *testing.T) {
	env := newTestEnv()
	clinician := env.dir.add(staff.RoleClinician, nil)
	sc := env.newSession(t, clinician.ID, testNow)

	moved := *sc
	moved.SessionDate = testNow.AddDate(0, 0, -7)
	moved.DurationMinutes = 90
	got, err := env.svc.UpdateSession(context.Background(), &moved)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.PayPeriodStart.Format(time.DateOnly) != "2025-12-28" {
		t.Errorf("expected pay period recomputed, got %s", got.PayPeriodStart)
	}
	if got.DurationMinutes != 90 {
		t.Errorf("expected duration updated")
	}

	if _, err := env.svc.SignNote(context.Background(), sc.ID, clinician.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.UpdateSession(context.Background(), &moved); !errors.Is(err, ErrLocked) {
		t.Errorf("expected ErrLocked, got %v", err)
	}
}

func TestPendingAndDueSoon(t *testing.T) {
	env := newTestEnv()
	clinician := env.dir.add(staff.RoleClinician, nil)
	thisWeek := env.newSession(t, clinician.ID, testNow)
	lastWeek := env.newSession(t, clinician.ID, testNow.AddDate(0, 0, -7))

	pending, err := env.svc.PendingNotes(context.Background(), clinician.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 || pending[0].ID != lastWeek.ID {
		t.Fatalf("expected both notes, earliest deadline first, got %d", len(pending))
	}

	due, err := env.svc.DueSoon(context.Background(), testNow, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Errorf("expected nothing due within a day, got %d", len(due))
	}
	due, _ = env.svc.DueSoon(context.Background(), testNow, 5*24*time.Hour)
	if len(due) != 1 || due[0].ID != thisWeek.ID {
		t.Errorf("expected one note due within five days, got %d", len(due))
	}

	overdue, _ := env.svc.OverdueNotes(context.Background(), testNow.AddDate(0, 0, 30))
	if len(overdue) != 2 {
		t.Errorf("expected 2 overdue, got %d", len(overdue))
	}
}

func TestSendReminders_Once(t *testing.T) {
	env := newTestEnv()
	clinician := env.dir.add(staff.RoleClinician, nil)
	sc := env.newSession(t, clinician.ID, testNow)

	at := sc.NoteDeadline.Add(-2 * time.Hour)
	sent, err := env.svc.SendReminders(context.Background(), at)
	if err != nil {
		t.Fatal(err)
	}
	if sent != 1 {
		t.Fatalf("expected 1 reminder, got %d", sent)
	}
	sent, _ = env.svc.SendReminders(context.Background(), at.Add(time.Minute))
	if sent != 0 {
		t.Errorf("expected reminder sent only once, got %d", sent)
	}
	calls := env.mail.Calls()
	if len(calls) != 1 || calls[0].To != clinician.Email {
		t.Errorf("unexpected mail calls: %+v", calls)
	}
	if env.metrics.notifications[notification.TemplateNoteReminder] != 1 {
		t.Errorf("expected reminder notification observed")
	}
}

func TestSendReminders_FailureRetriedNextPass(t *testing.T) {
	env := newTestEnv()
	env.mail.FailTimes = 1
	clinician := env.dir.add(staff.RoleClinician, nil)
	sc := env.newSession(t, clinician.ID, testNow)

	at := sc.NoteDeadline.Add(-2 * time.Hour)
	sent, err := env.svc.SendReminders(context.Background(), at)
	if err != nil || sent != 0 {
		t.Fatalf("expected failed delivery to be skipped, got %d (%v)", sent, err)
	}
	sent, _ = env.svc.SendReminders(context.Background(), at)
	if sent != 1 {
		t.Errorf("expected reminder on the next pass, got %d", sent)
	}
}

func TestLedger_CarriesSignedSessionsForward(t *testing.T) {
	env := newTestEnv()
	clinician := env.dir.add(staff.RoleClinician, nil)
	ledger := NewLedger(env.repo)
	changes := 0
	ledger.OnChange(func(context.Context) { changes++ })

	lastWeek := env.newSession(t, clinician.ID, testNow.AddDate(0, 0, -7))
	env.newSession(t, clinician.ID, testNow)
	period := compensation.PayPeriodFor(testNow, time.UTC)

	payable, err := ledger.ListPayable(context.Background(), clinician.ID, period)
	if err != nil {
		t.Fatal(err)
	}
	if len(payable) != 1 {
		t.Fatalf("expected only this week's session before signing, got %d", len(payable))
	}

	if _, err := env.svc.SignNote(context.Background(), lastWeek.ID, clinician.ID); err != nil {
		t.Fatal(err)
	}
	payable, _ = ledger.ListPayable(context.Background(), clinician.ID, period)
	if len(payable) != 2 || payable[0].ID != lastWeek.ID || !payable[0].NoteSigned {
		t.Fatalf("expected last week's signed session carried forward, got %+v", payable)
	}

	if err := ledger.RecordAmounts(context.Background(), map[uuid.UUID]float64{lastWeek.ID: 100}); err != nil {
		t.Fatal(err)
	}
	calcID := uuid.New()
	if err := ledger.MarkPaid(context.Background(), calcID, []uuid.UUID{lastWeek.ID}); err != nil {
		t.Fatal(err)
	}
	stored, _ := env.repo.GetByID(context.Background(), lastWeek.ID)
	if !stored.IsPaid || *stored.CalculatedAmount != 100 || *stored.PaymentCalculationID != calcID {
		t.Errorf("unexpected ledger state: %+v", stored)
	}
	if changes != 2 {
		t.Errorf("expected 2 change callbacks, got %d", changes)
	}
}
