package compliance

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/mhehr/internal/domain/staff"
	"github.com/ehr/mhehr/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	providers := api.Group("", auth.RequireRole("clinician", "intern", "supervisor", "billing"))
	providers.GET("/dashboard", h.MyDashboard)
	providers.GET("/compliance/providers/:id", h.ProviderCompliance)

	oversight := api.Group("/compliance", auth.RequireRole("supervisor", "billing"))
	oversight.GET("/practice", h.PracticeCompliance)
	oversight.GET("/analytics", h.SessionAnalytics)
	oversight.GET("/providers/:id/dashboard", h.ProviderDashboard)
}

func mapError(err error, fallback int) error {
	if errors.Is(err, staff.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if fallback >= http.StatusInternalServerError {
		return echo.NewHTTPError(fallback, "internal server error")
	}
	return echo.NewHTTPError(fallback, err.Error())
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// parseRange reads from/to as inclusive YYYY-MM-DD dates in the practice
// timezone and returns the half-open range [from, to+1d). The default is the
// 30 days ending today.
func (h *Handler) parseRange(c echo.Context) (time.Time, time.Time, error) {
	loc := h.svc.Location()
	now := h.svc.Now().In(loc)
	y, m, d := now.Date()
	to := time.Date(y, m, d, 0, 0, 0, 0, loc).AddDate(0, 0, 1)
	from := to.AddDate(0, 0, -30)

	if v := c.QueryParam("from"); v != "" {
		t, err := time.ParseInLocation(time.DateOnly, v, loc)
		if err != nil {
			return time.Time{}, time.Time{}, echo.NewHTTPError(http.StatusBadRequest, "from must be YYYY-MM-DD")
		}
		from = t
	}
	if v := c.QueryParam("to"); v != "" {
		t, err := time.ParseInLocation(time.DateOnly, v, loc)
		if err != nil {
			return time.Time{}, time.Time{}, echo.NewHTTPError(http.StatusBadRequest, "to must be YYYY-MM-DD")
		}
		to = t.AddDate(0, 0, 1)
	}
	if err := validateRange(from, to); err != nil {
		return time.Time{}, time.Time{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return from, to, nil
}

// canView reports whether the caller may read providerID's reports.
func canView(c echo.Context, providerID uuid.UUID) bool {
	ctx := c.Request().Context()
	if auth.HasRole(ctx, "supervisor") || auth.HasRole(ctx, "billing") {
		return true
	}
	self, ok := auth.StaffUUID(ctx)
	return ok && self == providerID
}

func (h *Handler) ProviderCompliance(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if !canView(c, id) {
		return echo.NewHTTPError(http.StatusForbidden, "cannot view another provider's compliance")
	}
	from, to, err := h.parseRange(c)
	if err != nil {
		return err
	}
	report, err := h.svc.ProviderCompliance(c.Request().Context(), id, from, to, h.svc.Now())
	if err != nil {
		return mapError(err, http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) PracticeCompliance(c echo.Context) error {
	from, to, err := h.parseRange(c)
	if err != nil {
		return err
	}
	report, err := h.svc.PracticeCompliance(c.Request().Context(), from, to, h.svc.Now())
	if err != nil {
		return mapError(err, http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) SessionAnalytics(c echo.Context) error {
	from, to, err := h.parseRange(c)
	if err != nil {
		return err
	}
	var providerID *uuid.UUID
	if v := c.QueryParam("provider_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid provider_id")
		}
		providerID = &id
	}
	report, err := h.svc.SessionAnalytics(c.Request().Context(), from, to, providerID)
	if err != nil {
		return mapError(err, http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) MyDashboard(c echo.Context) error {
	self, ok := auth.StaffUUID(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusForbidden, "staff identity required")
	}
	return h.dashboard(c, self)
}

func (h *Handler) ProviderDashboard(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	return h.dashboard(c, id)
}

func (h *Handler) dashboard(c echo.Context, providerID uuid.UUID) error {
	d, err := h.svc.ProviderDashboard(c.Request().Context(), providerID, h.svc.Now())
	if err != nil {
		return mapError(err, http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, d)
}
