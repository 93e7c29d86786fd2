package sessions

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/mhehr/internal/domain/staff"
	"github.com/ehr/mhehr/internal/platform/auth"
	"github.com/ehr/mhehr/internal/platform/validate"
)

func newTestHandler() (*Handler, *testEnv, *echo.Echo) {
	env := newTestEnv()
	e := echo.New()
	e.Validator = validate.New()
	return NewHandler(env.svc), env, e
}

func asStaff(method, target, body string, staffID uuid.UUID, roles ...string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	return req.WithContext(auth.WithIdentity(context.Background(), "user", roles, staffID.String()))
}

func statusOf(err error) int {
	if he, ok := err.(*echo.HTTPError); ok {
		return he.Code
	}
	return 0
}

func TestHandler_CreateSession_DefaultsToCaller(t *testing.T) {
	h, env, e := newTestHandler()
	clinician := env.dir.add(staff.RoleClinician, nil)

	body := `{"client_id":"` + uuid.NewString() + `","session_date":"2026-01-06T15:00:00Z","session_type":"individual","duration_minutes":53}`
	rec := httptest.NewRecorder()
	c := e.NewContext(asStaff(http.MethodPost, "/", body, clinician.ID, "clinician"), rec)
	if err := h.CreateSession(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var sc SessionCompletion
	if err := json.Unmarshal(rec.Body.Bytes(), &sc); err != nil {
		t.Fatal(err)
	}
	if sc.ProviderID != clinician.ID || sc.Status != StatusCompleted {
		t.Errorf("unexpected session: %+v", sc)
	}
}

func TestHandler_CreateSession_ForOtherProvider(t *testing.T) {
	h, env, e := newTestHandler()
	clinician := env.dir.add(staff.RoleClinician, nil)
	other := env.dir.add(staff.RoleClinician, nil)

	body := `{"provider_id":"` + other.ID.String() + `","client_id":"` + uuid.NewString() +
		`","session_date":"2026-01-06T15:00:00Z","session_type":"individual","duration_minutes":53}`
	c := e.NewContext(asStaff(http.MethodPost, "/", body, clinician.ID, "clinician"), httptest.NewRecorder())
	if code := statusOf(h.CreateSession(c)); code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", code)
	}
}

func TestHandler_CreateSession_InvalidType(t *testing.T) {
	h, env, e := newTestHandler()
	clinician := env.dir.add(staff.RoleClinician, nil)

	body := `{"client_id":"` + uuid.NewString() + `","session_date":"2026-01-06T15:00:00Z","session_type":"massage","duration_minutes":53}`
	c := e.NewContext(asStaff(http.MethodPost, "/", body, clinician.ID, "clinician"), httptest.NewRecorder())
	if code := statusOf(h.CreateSession(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_GetSession_HiddenFromOtherClinicians(t *testing.T) {
	h, env, e := newTestHandler()
	owner := env.dir.add(staff.RoleClinician, nil)
	other := env.dir.add(staff.RoleClinician, nil)
	sc := env.newSession(t, owner.ID, testNow)

	c := e.NewContext(asStaff(http.MethodGet, "/", "", other.ID, "clinician"), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(sc.ID.String())
	if code := statusOf(h.GetSession(c)); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}

	rec := httptest.NewRecorder()
	c = e.NewContext(asStaff(http.MethodGet, "/", "", uuid.New(), "billing"), rec)
	c.SetParamNames("id")
	c.SetParamValues(sc.ID.String())
	if err := h.GetSession(c); err != nil {
		t.Errorf("billing should see every session: %v", err)
	}
}

func TestHandler_SignNote(t *testing.T) {
	h, env, e := newTestHandler()
	clinician := env.dir.add(staff.RoleClinician, nil)
	sc := env.newSession(t, clinician.ID, testNow)

	rec := httptest.NewRecorder()
	c := e.NewContext(asStaff(http.MethodPost, "/", "", clinician.ID, "clinician"), rec)
	c.SetParamNames("id")
	c.SetParamValues(sc.ID.String())
	if err := h.SignNote(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c = e.NewContext(asStaff(http.MethodPost, "/", "", clinician.ID, "clinician"), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(sc.ID.String())
	if code := statusOf(h.SignNote(c)); code != http.StatusConflict {
		t.Errorf("expected 409 on second signature, got %d", code)
	}
}

func TestHandler_OverrideLock_RequiresReason(t *testing.T) {
	h, env, e := newTestHandler()
	sup := env.dir.add(staff.RoleSupervisor, nil)
	clinician := env.dir.add(staff.RoleClinician, &sup.ID)
	sc := env.newSession(t, clinician.ID, testNow)

	c := e.NewContext(asStaff(http.MethodPost, "/", `{}`, sup.ID, "supervisor"), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(sc.ID.String())
	if code := statusOf(h.OverrideLock(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}

	c = e.NewContext(asStaff(http.MethodPost, "/", `{"reason":"late intake"}`, sup.ID, "supervisor"), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(sc.ID.String())
	if code := statusOf(h.OverrideLock(c)); code != http.StatusConflict {
		t.Errorf("expected 409 for an unlocked session, got %d", code)
	}
}

func TestHandler_ListSessions_ScopedToCaller(t *testing.T) {
	h, env, e := newTestHandler()
	me := env.dir.add(staff.RoleClinician, nil)
	other := env.dir.add(staff.RoleClinician, nil)
	env.newSession(t, me.ID, testNow)
	env.newSession(t, other.ID, testNow)

	rec := httptest.NewRecorder()
	c := e.NewContext(asStaff(http.MethodGet, "/?provider_id="+other.ID.String(), "", me.ID, "clinician"), rec)
	if err := h.ListSessions(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 1 {
		t.Errorf("expected only the caller's session, got %d", resp.Total)
	}
}

func TestHandler_EnforceDeadlines(t *testing.T) {
	h, env, e := newTestHandler()
	clinician := env.dir.add(staff.RoleClinician, nil)
	sc := env.newSession(t, clinician.ID, testNow)
	env.now = sc.NoteDeadline.AddDate(0, 0, 1)

	rec := httptest.NewRecorder()
	c := e.NewContext(asStaff(http.MethodPost, "/", "", uuid.New(), "admin"), rec)
	if err := h.EnforceDeadlines(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Locked int `json:"locked"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Locked != 1 {
		t.Errorf("expected 1 locked, got %d", resp.Locked)
	}
}

func TestHandler_DueSoon_BadWindow(t *testing.T) {
	h, _, e := newTestHandler()
	c := e.NewContext(asStaff(http.MethodGet, "/?hours=0", "", uuid.New(), "supervisor"), httptest.NewRecorder())
	if code := statusOf(h.DueSoon(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}
