package compensation

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/mhehr/internal/platform/auth"
	"github.com/ehr/mhehr/internal/platform/blobstore"
	"github.com/ehr/mhehr/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	payroll := api.Group("", auth.RequireRole("admin", "billing"))
	payroll.POST("/compensation/configs", h.CreateConfig)
	payroll.GET("/compensation/configs", h.ListConfigs)
	payroll.GET("/compensation/configs/:id", h.GetConfig)
	payroll.PUT("/compensation/configs/:id", h.UpdateConfig)
	payroll.GET("/compensation/active", h.GetActiveConfig)

	payroll.POST("/payroll/calculations", h.CalculateProvider)
	payroll.POST("/payroll/periods/calculate", h.CalculatePeriod)
	payroll.GET("/payroll/calculations", h.ListCalculations)
	payroll.GET("/payroll/calculations/:id", h.GetCalculation)
	payroll.POST("/payroll/calculations/:id/approve", h.ApproveCalculation)
	payroll.POST("/payroll/calculations/:id/pay", h.MarkPaid)
	payroll.POST("/payroll/calculations/:id/void", h.VoidCalculation)
	payroll.POST("/payroll/exports", h.ExportPeriod)
	payroll.GET("/payroll/exports", h.ListExports)
	payroll.GET("/payroll/exports/:id/download", h.DownloadExport)

	staff := api.Group("", auth.RequireRole("clinician", "intern", "supervisor", "billing"))
	staff.POST("/time-entries", h.CreateTimeEntry)
	staff.GET("/time-entries", h.ListTimeEntries)
	staff.PUT("/time-entries/:id", h.UpdateTimeEntry)
	staff.DELETE("/time-entries/:id", h.DeleteTimeEntry)
	staff.GET("/payroll/preview", h.PreviewSessionAmount)
}

// mapError converts service errors to HTTP errors, using fallback for
// unrecognised errors.
func mapError(err error, fallback int) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, blobstore.ErrBlobNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNoActiveConfig):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
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

// parseDate reads a YYYY-MM-DD query or body value in the practice timezone,
// defaulting to now.
func (h *Handler) parseDate(s string) (time.Time, error) {
	if s == "" {
		return h.svc.now().In(h.svc.loc), nil
	}
	t, err := time.ParseInLocation(time.DateOnly, s, h.svc.loc)
	if err != nil {
		return time.Time{}, echo.NewHTTPError(http.StatusBadRequest, "date must be YYYY-MM-DD")
	}
	return t, nil
}

// ConfigRequest is the JSON body for creating or replacing a compensation config.
type ConfigRequest struct {
	ProviderID             string             `json:"provider_id" validate:"omitempty,uuid"`
	CompensationType       string             `json:"compensation_type" validate:"required,oneof=session_based hourly"`
	BaseSessionRate        float64            `json:"base_session_rate" validate:"gte=0"`
	SessionTypeMultipliers map[string]float64 `json:"session_type_multipliers"`
	NoShowRate             float64            `json:"no_show_rate" validate:"gte=0"`
	BaseHourlyRate         float64            `json:"base_hourly_rate" validate:"gte=0"`
	OvertimeThresholdHours float64            `json:"overtime_threshold_hours" validate:"gte=0"`
	OvertimeMultiplier     float64            `json:"overtime_multiplier" validate:"gte=0"`
	EveningDifferential    float64            `json:"evening_differential" validate:"gte=0"`
	WeekendDifferential    float64            `json:"weekend_differential" validate:"gte=0"`
	EveningStartHour       *int               `json:"evening_start_hour" validate:"omitempty,gte=0,lte=23"`
	EveningEndHour         *int               `json:"evening_end_hour" validate:"omitempty,gte=0,lte=23"`
	RequireSignedNotes     *bool              `json:"require_signed_notes"`
	EffectiveDate          string             `json:"effective_date" validate:"required,isodate"`
	ExpirationDate         string             `json:"expiration_date" validate:"omitempty,isodate"`
}

// ToConfig converts the request. Dates are interpreted in loc.
func (r *ConfigRequest) ToConfig(loc *time.Location) (*CompensationConfig, error) {
	cfg := &CompensationConfig{
		CompensationType:       r.CompensationType,
		BaseSessionRate:        r.BaseSessionRate,
		SessionTypeMultipliers: r.SessionTypeMultipliers,
		NoShowRate:             r.NoShowRate,
		BaseHourlyRate:         r.BaseHourlyRate,
		OvertimeThresholdHours: r.OvertimeThresholdHours,
		OvertimeMultiplier:     r.OvertimeMultiplier,
		EveningDifferential:    r.EveningDifferential,
		WeekendDifferential:    r.WeekendDifferential,
		RequireSignedNotes:     true,
	}
	if r.ProviderID != "" {
		id, err := uuid.Parse(r.ProviderID)
		if err != nil {
			return nil, fmt.Errorf("invalid provider_id")
		}
		cfg.ProviderID = id
	}
	if r.RequireSignedNotes != nil {
		cfg.RequireSignedNotes = *r.RequireSignedNotes
	}
	if r.EveningStartHour != nil || r.EveningEndHour != nil {
		cfg.EveningStartHour, cfg.EveningEndHour = 18, 6
		if r.EveningStartHour != nil {
			cfg.EveningStartHour = *r.EveningStartHour
		}
		if r.EveningEndHour != nil {
			cfg.EveningEndHour = *r.EveningEndHour
		}
	}
	eff, err := time.ParseInLocation(time.DateOnly, r.EffectiveDate, loc)
	if err != nil {
		return nil, fmt.Errorf("effective_date must be YYYY-MM-DD")
	}
	cfg.EffectiveDate = eff
	if r.ExpirationDate != "" {
		exp, err := time.ParseInLocation(time.DateOnly, r.ExpirationDate, loc)
		if err != nil {
			return nil, fmt.Errorf("expiration_date must be YYYY-MM-DD")
		}
		cfg.ExpirationDate = &exp
	}
	return cfg, nil
}

func (h *Handler) bindConfig(c echo.Context) (*CompensationConfig, error) {
	var req ConfigRequest
	if err := c.Bind(&req); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return nil, err
	}
	cfg, err := req.ToConfig(h.svc.loc)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return cfg, nil
}

// -- Compensation Config Handlers --

func (h *Handler) CreateConfig(c echo.Context) error {
	cfg, err := h.bindConfig(c)
	if err != nil {
		return err
	}
	if err := h.svc.CreateConfig(c.Request().Context(), cfg); err != nil {
		return mapError(err, http.StatusBadRequest)
	}
	return c.JSON(http.StatusCreated, cfg)
}

func (h *Handler) GetConfig(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	cfg, err := h.svc.GetConfig(c.Request().Context(), id)
	if err != nil {
		return mapError(err, http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, cfg)
}

func (h *Handler) UpdateConfig(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	cfg, err := h.bindConfig(c)
	if err != nil {
		return err
	}
	cfg.ID = id
	cfg.IsActive = true
	if err := h.svc.UpdateConfig(c.Request().Context(), cfg); err != nil {
		return mapError(err, http.StatusBadRequest)
	}
	return c.JSON(http.StatusOK, cfg)
}

func (h *Handler) ListConfigs(c echo.Context) error {
	providerID, err := uuid.Parse(c.QueryParam("provider_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "provider_id query parameter is required")
	}
	configs, err := h.svc.ListConfigs(c.Request().Context(), providerID)
	if err != nil {
		return mapError(err, http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, configs)
}

func (h *Handler) GetActiveConfig(c echo.Context) error {
	providerID, err := uuid.Parse(c.QueryParam("provider_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "provider_id query parameter is required")
	}
	at, err := h.parseDate(c.QueryParam("date"))
	if err != nil {
		return err
	}
	cfg, err := h.svc.ActiveConfig(c.Request().Context(), providerID, at)
	if err != nil {
		return mapError(err, http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, cfg)
}

// -- Time Entry Handlers --

type timeEntryRequest struct {
	ProviderID   string    `json:"provider_id" validate:"omitempty,uuid"`
	ClockIn      time.Time `json:"clock_in" validate:"required"`
	ClockOut     time.Time `json:"clock_out" validate:"required"`
	BreakMinutes int       `json:"break_minutes" validate:"gte=0"`
	Notes        *string   `json:"notes"`
}

// resolveProvider returns the provider a request acts for. Callers without
// the billing role may only act for themselves.
func resolveProvider(c echo.Context, requested string) (uuid.UUID, error) {
	ctx := c.Request().Context()
	self, hasSelf := auth.StaffUUID(ctx)
	if requested == "" {
		if !hasSelf {
			return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "provider_id is required")
		}
		return self, nil
	}
	id, err := uuid.Parse(requested)
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid provider_id")
	}
	if id != self && !auth.HasRole(ctx, "billing") {
		return uuid.Nil, echo.NewHTTPError(http.StatusForbidden, "cannot act for another provider")
	}
	return id, nil
}

func (h *Handler) bindTimeEntry(c echo.Context) (*TimeEntry, error) {
	var req timeEntryRequest
	if err := c.Bind(&req); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return nil, err
	}
	providerID, err := resolveProvider(c, req.ProviderID)
	if err != nil {
		return nil, err
	}
	return &TimeEntry{
		ProviderID:   providerID,
		ClockIn:      req.ClockIn,
		ClockOut:     req.ClockOut,
		BreakMinutes: req.BreakMinutes,
		Notes:        req.Notes,
	}, nil
}

func (h *Handler) CreateTimeEntry(c echo.Context) error {
	e, err := h.bindTimeEntry(c)
	if err != nil {
		return err
	}
	if err := h.svc.CreateTimeEntry(c.Request().Context(), e); err != nil {
		return mapError(err, http.StatusBadRequest)
	}
	return c.JSON(http.StatusCreated, e)
}

func (h *Handler) UpdateTimeEntry(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	existing, err := h.svc.GetTimeEntry(c.Request().Context(), id)
	if err != nil {
		return mapError(err, http.StatusInternalServerError)
	}
	if _, err := resolveProvider(c, existing.ProviderID.String()); err != nil {
		return err
	}
	e, err := h.bindTimeEntry(c)
	if err != nil {
		return err
	}
	e.ID = id
	if err := h.svc.UpdateTimeEntry(c.Request().Context(), e); err != nil {
		return mapError(err, http.StatusBadRequest)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) DeleteTimeEntry(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	existing, err := h.svc.GetTimeEntry(c.Request().Context(), id)
	if err != nil {
		return mapError(err, http.StatusInternalServerError)
	}
	if _, err := resolveProvider(c, existing.ProviderID.String()); err != nil {
		return err
	}
	if err := h.svc.DeleteTimeEntry(c.Request().Context(), id); err != nil {
		return mapError(err, http.StatusInternalServerError)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListTimeEntries(c echo.Context) error {
	providerID, err := resolveProvider(c, c.QueryParam("provider_id"))
	if err != nil {
		return err
	}
	at, err := h.parseDate(c.QueryParam("date"))
	if err != nil {
		return err
	}
	entries, err := h.svc.ListTimeEntries(c.Request().Context(), providerID, PayPeriodFor(at, h.svc.loc))
	if err != nil {
		return mapError(err, http.StatusInternalServerError)
	}
	if entries == nil {
		entries = []TimeEntry{}
	}
	return c.JSON(http.StatusOK, entries)
}

// -- Payment Calculation Handlers --

type calculateRequest struct {
	ProviderID string `json:"provider_id" validate:"required,uuid"`
	Date       string `json:"date" validate:"omitempty,isodate"`
}

func (h *Handler) CalculateProvider(c echo.Context) error {
	var req calculateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	at, err := h.parseDate(req.Date)
	if err != nil {
		return err
	}
	calc, err := h.svc.CalculateProviderPayment(c.Request().Context(), uuid.MustParse(req.ProviderID), at)
	if err != nil {
		return mapError(err, http.StatusBadRequest)
	}
	return c.JSON(http.StatusOK, calc)
}

type periodRequest struct {
	Date string `json:"date" validate:"omitempty,isodate"`
}

func (h *Handler) CalculatePeriod(c echo.Context) error {
	var req periodRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	at, err := h.parseDate(req.Date)
	if err != nil {
		return err
	}
	res, err := h.svc.CalculatePeriod(c.Request().Context(), at)
	if err != nil {
		return mapError(err, http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) ListCalculations(c echo.Context) error {
	p := pagination.FromContext(c)
	var f CalculationFilter
	if v := c.QueryParam("provider_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid provider_id")
		}
		f.ProviderID = &id
	}
	if v := c.QueryParam("date"); v != "" {
		at, err := h.parseDate(v)
		if err != nil {
			return err
		}
		start := PayPeriodFor(at, h.svc.loc).Start
		f.PayPeriodStart = &start
	}
	f.Status = c.QueryParam("status")

	calcs, total, err := h.svc.ListCalculations(c.Request().Context(), f, p.Limit, p.Offset)
	if err != nil {
		return mapError(err, http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(calcs, total, p.Limit, p.Offset))
}

func (h *Handler) GetCalculation(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	calc, err := h.svc.GetCalculation(c.Request().Context(), id)
	if err != nil {
		return mapError(err, http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, calc)
}

func (h *Handler) ApproveCalculation(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	approver, ok := auth.StaffUUID(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusForbidden, "staff identity required to approve")
	}
	calc, err := h.svc.ApproveCalculation(c.Request().Context(), id, approver)
	if err != nil {
		return mapError(err, http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, calc)
}

func (h *Handler) MarkPaid(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	calc, err := h.svc.MarkCalculationPaid(c.Request().Context(), id)
	if err != nil {
		return mapError(err, http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, calc)
}

type voidRequest struct {
	Reason string `json:"reason" validate:"required"`
}

func (h *Handler) VoidCalculation(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req voidRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	calc, err := h.svc.VoidCalculation(c.Request().Context(), id, req.Reason)
	if err != nil {
		return mapError(err, http.StatusBadRequest)
	}
	return c.JSON(http.StatusOK, calc)
}

// -- Payroll Export Handlers --

func (h *Handler) ExportPeriod(c echo.Context) error {
	var req periodRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	at, err := h.parseDate(req.Date)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	exp, err := h.svc.ExportPeriod(ctx, at, auth.UserIDFromContext(ctx))
	if err != nil {
		return mapError(err, http.StatusInternalServerError)
	}
	return c.JSON(http.StatusCreated, exp)
}

func (h *Handler) ListExports(c echo.Context) error {
	p := pagination.FromContext(c)
	exports, total, err := h.svc.ListExports(c.Request().Context(), p.Limit, p.Offset)
	if err != nil {
		return mapError(err, http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(exports, total, p.Limit, p.Offset))
}

func (h *Handler) DownloadExport(c echo.Context) error {
	rc, exp, err := h.svc.DownloadExport(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapError(err, http.StatusInternalServerError)
	}
	defer rc.Close()

	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", exp.FileName))
	c.Response().Header().Set(echo.HeaderContentType, "text/csv")
	c.Response().WriteHeader(http.StatusOK)
	_, err = io.Copy(c.Response(), rc)
	return err
}

// -- Preview --

func (h *Handler) PreviewSessionAmount(c echo.Context) error {
	providerID, err := resolveProvider(c, c.QueryParam("provider_id"))
	if err != nil {
		return err
	}
	minutes, err := strconv.Atoi(c.QueryParam("minutes"))
	if err != nil || minutes < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "minutes must be a non-negative integer")
	}
	at, err := h.parseDate(c.QueryParam("date"))
	if err != nil {
		return err
	}
	sessionType := c.QueryParam("session_type")
	amount, err := h.svc.PreviewSessionAmount(c.Request().Context(), providerID, sessionType, minutes, at)
	if err != nil {
		return mapError(err, http.StatusBadRequest)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"provider_id":  providerID,
		"session_type": sessionType,
		"minutes":      minutes,
		"amount":       amount,
	})
}
