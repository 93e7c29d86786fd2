package compliance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/mhehr/internal/platform/auth"
)

func newRequest(target string, staffID uuid.UUID, roles ...string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	return req.WithContext(auth.WithIdentity(context.Background(), "user-1", roles, staffID.String()))
}

func expectHTTPStatus(t *testing.T, err error, want int) {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %v", err)
	}
	if he.Code != want {
		t.Errorf("expected status %d, got %d", want, he.Code)
	}
}

func TestHandler_ProviderCompliance_Self(t *testing.T) {
	env := newTestEnv(nil)
	h := NewHandler(env.svc)
	e := echo.New()
	p := env.staff.add("Ana", "Reyes")
	env.session(p.ID, day(12), "individual", signedAfter(time.Hour, false))

	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest("/?from=2026-01-01&to=2026-01-14", p.ID, "clinician"), rec)
	c.SetParamNames("id")
	c.SetParamValues(p.ID.String())
	if err := h.ProviderCompliance(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var r ProviderCompliance
	if err := json.Unmarshal(rec.Body.Bytes(), &r); err != nil {
		t.Fatal(err)
	}
	if r.TotalSessions != 1 || r.ComplianceRate != 100 {
		t.Errorf("unexpected report: %+v", r)
	}
	if !r.To.Equal(time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("expected the to date to be inclusive, got %v", r.To)
	}
}

func TestHandler_ProviderCompliance_OtherProviderForbidden(t *testing.T) {
	env := newTestEnv(nil)
	h := NewHandler(env.svc)
	e := echo.New()
	p := env.staff.add("Ana", "Reyes")

	c := e.NewContext(newRequest("/", uuid.New(), "clinician"), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(p.ID.String())
	expectHTTPStatus(t, h.ProviderCompliance(c), http.StatusForbidden)
}

func TestHandler_ProviderCompliance_UnknownProvider(t *testing.T) {
	env := newTestEnv(nil)
	h := NewHandler(env.svc)
	e := echo.New()

	c := e.NewContext(newRequest("/", uuid.New(), "supervisor"), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.NewString())
	expectHTTPStatus(t, h.ProviderCompliance(c), http.StatusNotFound)
}

func TestHandler_PracticeCompliance_BadRange(t *testing.T) {
	env := newTestEnv(nil)
	h := NewHandler(env.svc)
	e := echo.New()

	for _, q := range []string{"?from=yesterday", "?from=2026-01-10&to=2026-01-01", "?from=2024-01-01&to=2026-01-01"} {
		c := e.NewContext(newRequest("/"+q, uuid.New(), "supervisor"), httptest.NewRecorder())
		expectHTTPStatus(t, h.PracticeCompliance(c), http.StatusBadRequest)
	}
}

func TestHandler_SessionAnalytics_DefaultRange(t *testing.T) {
	env := newTestEnv(nil)
	h := NewHandler(env.svc)
	e := echo.New()
	p := env.staff.add("Ana", "Reyes")
	env.session(p.ID, day(13), "individual", paid(100))
	env.session(p.ID, time.Date(2025, 11, 1, 10, 0, 0, 0, time.UTC), "individual", paid(100))

	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest("/?provider_id="+p.ID.String(), uuid.New(), "billing"), rec)
	if err := h.SessionAnalytics(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var r SessionAnalytics
	if err := json.Unmarshal(rec.Body.Bytes(), &r); err != nil {
		t.Fatal(err)
	}
	if r.TotalSessions != 1 || r.TotalRevenue != 100 {
		t.Errorf("expected only the last 30 days, got %+v", r)
	}
}

func TestHandler_MyDashboard(t *testing.T) {
	env := newTestEnv(nil)
	h := NewHandler(env.svc)
	e := echo.New()
	p := env.staff.add("Ana", "Reyes")
	env.session(p.ID, day(12), "individual")

	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest("/", p.ID, "clinician"), rec)
	if err := h.MyDashboard(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var d Dashboard
	if err := json.Unmarshal(rec.Body.Bytes(), &d); err != nil {
		t.Fatal(err)
	}
	if d.ProviderID != p.ID || d.SessionCount != 1 || d.PendingNotes != 1 {
		t.Errorf("unexpected dashboard: %+v", d)
	}
}
