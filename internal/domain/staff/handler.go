package staff

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/mhehr/internal/domain/compensation"
	"github.com/ehr/mhehr/internal/platform/auth"
	"github.com/ehr/mhehr/pkg/pagination"
)

type Handler struct {
	svc *Service
	loc *time.Location
}

func NewHandler(svc *Service, loc *time.Location) *Handler {
	if loc == nil {
		loc = time.UTC
	}
	return &Handler{svc: svc, loc: loc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	admin := api.Group("", auth.RequireRole("admin"))
	admin.POST("/staff", h.CreateStaff)
	admin.PUT("/staff/:id", h.UpdateStaff)
	admin.DELETE("/staff/:id", h.DeactivateStaff)
	admin.PUT("/staff/:id/supervisor", h.AssignSupervisor)

	read := api.Group("", auth.RequireRole("clinician", "supervisor", "intern", "billing"))
	read.GET("/staff", h.ListStaff)
	read.GET("/staff/:id", h.GetStaff)
	read.GET("/staff/:id/supervisees", h.ListSupervisees)
}

func mapError(err error, fallback int) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, compensation.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrConflict), errors.Is(err, compensation.ErrConflict):
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

type staffRequest struct {
	UserID          string                      `json:"user_id"`
	FirstName       string                      `json:"first_name" validate:"required,max=100"`
	LastName        string                      `json:"last_name" validate:"required,max=100"`
	Email           string                      `json:"email" validate:"required,email"`
	Role            string                      `json:"role" validate:"required,oneof=clinician supervisor intern admin billing"`
	LicenseType     *string                     `json:"license_type"`
	LicenseNumber   *string                     `json:"license_number"`
	LicenseState    *string                     `json:"license_state" validate:"omitempty,len=2"`
	NPI             *string                     `json:"npi" validate:"omitempty,numeric,len=10"`
	SupervisorID    string                      `json:"supervisor_id" validate:"omitempty,uuid"`
	RequiresCosign  bool                        `json:"requires_cosign"`
	HireDate        string                      `json:"hire_date" validate:"omitempty,isodate"`
	TerminationDate string                      `json:"termination_date" validate:"omitempty,isodate"`
	Compensation    *compensation.ConfigRequest `json:"compensation"`
}

func (h *Handler) parseOptionalDate(field, s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, s, h.loc)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, field+" must be YYYY-MM-DD")
	}
	return &t, nil
}

func (h *Handler) bindStaff(c echo.Context) (*StaffProfile, *compensation.CompensationConfig, error) {
	var req staffRequest
	if err := c.Bind(&req); err != nil {
		return nil, nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return nil, nil, err
	}
	p := &StaffProfile{
		UserID:         req.UserID,
		FirstName:      req.FirstName,
		LastName:       req.LastName,
		Email:          req.Email,
		Role:           req.Role,
		LicenseType:    req.LicenseType,
		LicenseNumber:  req.LicenseNumber,
		LicenseState:   req.LicenseState,
		NPI:            req.NPI,
		RequiresCosign: req.RequiresCosign,
	}
	if req.SupervisorID != "" {
		id := uuid.MustParse(req.SupervisorID)
		p.SupervisorID = &id
	}
	var err error
	if p.HireDate, err = h.parseOptionalDate("hire_date", req.HireDate); err != nil {
		return nil, nil, err
	}
	if p.TerminationDate, err = h.parseOptionalDate("termination_date", req.TerminationDate); err != nil {
		return nil, nil, err
	}

	var comp *compensation.CompensationConfig
	if req.Compensation != nil {
		comp, err = req.Compensation.ToConfig(h.loc)
		if err != nil {
			return nil, nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	return p, comp, nil
}

func (h *Handler) CreateStaff(c echo.Context) error {
	p, comp, err := h.bindStaff(c)
	if err != nil {
		return err
	}
	if err := h.svc.CreateStaff(c.Request().Context(), p, comp); err != nil {
		return mapError(err, http.StatusBadRequest)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) UpdateStaff(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, comp, err := h.bindStaff(c)
	if err != nil {
		return err
	}
	p.ID = id
	if err := h.svc.UpdateStaff(c.Request().Context(), p, comp); err != nil {
		return mapError(err, http.StatusBadRequest)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) DeactivateStaff(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.DeactivateStaff(c.Request().Context(), id)
	if err != nil {
		return mapError(err, http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) GetStaff(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetStaff(c.Request().Context(), id)
	if err != nil {
		return mapError(err, http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListStaff(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := StaffFilter{
		Role:   c.QueryParam("role"),
		Search: c.QueryParam("q"),
	}
	if v := c.QueryParam("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "active must be true or false")
		}
		f.Active = &active
	}
	if v := c.QueryParam("supervisor_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid supervisor_id")
		}
		f.SupervisorID = &id
	}

	staff, total, err := h.svc.ListStaff(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return mapError(err, http.StatusBadRequest)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(staff, total, pg.Limit, pg.Offset))
}

type supervisorRequest struct {
	SupervisorID string `json:"supervisor_id" validate:"required,uuid"`
}

func (h *Handler) AssignSupervisor(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req supervisorRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	p, err := h.svc.AssignSupervisor(c.Request().Context(), id, uuid.MustParse(req.SupervisorID))
	if err != nil {
		return mapError(err, http.StatusBadRequest)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListSupervisees(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	staff, err := h.svc.ListSupervisees(c.Request().Context(), id)
	if err != nil {
		return mapError(err, http.StatusInternalServerError)
	}
	if staff == nil {
		staff = []*StaffProfile{}
	}
	return c.JSON(http.StatusOK, staff)
}
