package sessions

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/mhehr/internal/platform/auth"
	"github.com/ehr/mhehr/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	providers := api.Group("", auth.RequireRole("clinician", "intern", "supervisor", "billing"))
	providers.POST("/sessions", h.CreateSession)
	providers.GET("/sessions", h.ListSessions)
	providers.GET("/sessions/pending", h.PendingNotes)
	providers.GET("/sessions/:id", h.GetSession)
	providers.PUT("/sessions/:id", h.UpdateSession)
	providers.POST("/sessions/:id/sign", h.SignNote)

	supervisors := api.Group("", auth.RequireRole("supervisor"))
	supervisors.POST("/sessions/:id/cosign", h.CosignNote)
	supervisors.POST("/sessions/:id/override", h.OverrideLock)
	supervisors.GET("/sessions/overdue", h.OverdueNotes)
	supervisors.GET("/sessions/due-soon", h.DueSoon)

	admin := api.Group("", auth.RequireRole("admin"))
	admin.POST("/sessions/:id/lock", h.LockSession)
	admin.POST("/sessions/enforce", h.EnforceDeadlines)
}

func mapError(err error, fallback int) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrConflict), errors.Is(err, ErrLocked):
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

func callerID(c echo.Context) (uuid.UUID, error) {
	id, ok := auth.StaffUUID(c.Request().Context())
	if !ok {
		return uuid.Nil, echo.NewHTTPError(http.StatusForbidden, "staff identity required")
	}
	return id, nil
}

// seesAllProviders reports whether the caller may read other providers' sessions.
func seesAllProviders(c echo.Context) bool {
	ctx := c.Request().Context()
	return auth.HasRole(ctx, "supervisor") || auth.HasRole(ctx, "billing")
}

// canAccess reports whether the caller may read or edit sc.
func canAccess(c echo.Context, sc *SessionCompletion) bool {
	if seesAllProviders(c) {
		return true
	}
	self, ok := auth.StaffUUID(c.Request().Context())
	return ok && self == sc.ProviderID
}

type sessionRequest struct {
	ProviderID      string    `json:"provider_id" validate:"omitempty,uuid"`
	ClientID        string    `json:"client_id" validate:"required,uuid"`
	AppointmentID   string    `json:"appointment_id" validate:"omitempty,uuid"`
	SessionDate     time.Time `json:"session_date" validate:"required"`
	SessionType     string    `json:"session_type" validate:"required,oneof=intake individual family couples group crisis testing"`
	DurationMinutes int       `json:"duration_minutes" validate:"gte=0,lte=1440"`
	Status          string    `json:"status" validate:"omitempty,oneof=completed no_show late_cancel"`
	Notes           *string   `json:"notes"`
}

func (h *Handler) bindSession(c echo.Context) (*SessionCompletion, error) {
	var req sessionRequest
	if err := c.Bind(&req); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return nil, err
	}
	sc := &SessionCompletion{
		ClientID:        uuid.MustParse(req.ClientID),
		SessionDate:     req.SessionDate,
		SessionType:     req.SessionType,
		DurationMinutes: req.DurationMinutes,
		Status:          req.Status,
		Notes:           req.Notes,
	}
	if sc.Status == "" {
		sc.Status = StatusCompleted
	}
	if req.AppointmentID != "" {
		id := uuid.MustParse(req.AppointmentID)
		sc.AppointmentID = &id
	}
	if req.ProviderID != "" {
		sc.ProviderID = uuid.MustParse(req.ProviderID)
	}
	return sc, nil
}

func (h *Handler) CreateSession(c echo.Context) error {
	sc, err := h.bindSession(c)
	if err != nil {
		return err
	}
	self, hasSelf := auth.StaffUUID(c.Request().Context())
	switch {
	case sc.ProviderID == uuid.Nil && hasSelf:
		sc.ProviderID = self
	case sc.ProviderID == uuid.Nil:
		return echo.NewHTTPError(http.StatusBadRequest, "provider_id is required")
	case sc.ProviderID != self && !seesAllProviders(c):
		return echo.NewHTTPError(http.StatusForbidden, "cannot record sessions for another provider")
	}
	if err := h.svc.CreateSession(c.Request().Context(), sc); err != nil {
		return mapError(err, http.StatusBadRequest)
	}
	return c.JSON(http.StatusCreated, sc)
}

func (h *Handler) GetSession(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	sc, err := h.svc.GetSession(c.Request().Context(), id)
	if err != nil {
		return mapError(err, http.StatusInternalServerError)
	}
	if !canAccess(c, sc) {
		return echo.NewHTTPError(http.StatusNotFound, ErrNotFound.Error())
	}
	return c.JSON(http.StatusOK, sc)
}

func (h *Handler) UpdateSession(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	existing, err := h.svc.GetSession(c.Request().Context(), id)
	if err != nil {
		return mapError(err, http.StatusInternalServerError)
	}
	if !canAccess(c, existing) {
		return echo.NewHTTPError(http.StatusNotFound, ErrNotFound.Error())
	}
	sc, err := h.bindSession(c)
	if err != nil {
		return err
	}
	sc.ID = id
	updated, err := h.svc.UpdateSession(c.Request().Context(), sc)
	if err != nil {
		return mapError(err, http.StatusBadRequest)
	}
	return c.JSON(http.StatusOK, updated)
}

func parseTimeParam(c echo.Context, name string) (*time.Time, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, name+" must be RFC 3339")
	}
	return &t, nil
}

func parseBoolParam(c echo.Context, name string) (*bool, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, name+" must be true or false")
	}
	return &b, nil
}

func (h *Handler) ListSessions(c echo.Context) error {
	p := pagination.FromContext(c)
	var f SessionFilter
	var err error

	if v := c.QueryParam("provider_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid provider_id")
		}
		f.ProviderID = &id
	}
	if !seesAllProviders(c) {
		self, err := callerID(c)
		if err != nil {
			return err
		}
		f.ProviderID = &self
	}
	if v := c.QueryParam("client_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid client_id")
		}
		f.ClientID = &id
	}
	if f.From, err = parseTimeParam(c, "from"); err != nil {
		return err
	}
	if f.To, err = parseTimeParam(c, "to"); err != nil {
		return err
	}
	if f.Signed, err = parseBoolParam(c, "signed"); err != nil {
		return err
	}
	if f.Locked, err = parseBoolParam(c, "locked"); err != nil {
		return err
	}
	f.Status = c.QueryParam("status")

	sessions, total, err := h.svc.ListSessions(c.Request().Context(), f, p.Limit, p.Offset)
	if err != nil {
		return mapError(err, http.StatusBadRequest)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(sessions, total, p.Limit, p.Offset))
}

func (h *Handler) SignNote(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	signer, err := callerID(c)
	if err != nil {
		return err
	}
	sc, err := h.svc.SignNote(c.Request().Context(), id, signer)
	if err != nil {
		return mapError(err, http.StatusBadRequest)
	}
	return c.JSON(http.StatusOK, sc)
}

func (h *Handler) CosignNote(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	supervisor, err := callerID(c)
	if err != nil {
		return err
	}
	sc, err := h.svc.CosignNote(c.Request().Context(), id, supervisor)
	if err != nil {
		return mapError(err, http.StatusBadRequest)
	}
	return c.JSON(http.StatusOK, sc)
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

func (h *Handler) bindReason(c echo.Context) (string, error) {
	var req reasonRequest
	if err := c.Bind(&req); err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return "", err
	}
	return req.Reason, nil
}

func (h *Handler) LockSession(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	reason, err := h.bindReason(c)
	if err != nil {
		return err
	}
	sc, err := h.svc.LockSession(c.Request().Context(), id, reason)
	if err != nil {
		return mapError(err, http.StatusBadRequest)
	}
	return c.JSON(http.StatusOK, sc)
}

func (h *Handler) OverrideLock(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	actor, err := callerID(c)
	if err != nil {
		return err
	}
	reason, err := h.bindReason(c)
	if err != nil {
		return err
	}
	sc, err := h.svc.OverrideLock(c.Request().Context(), id, actor, reason)
	if err != nil {
		return mapError(err, http.StatusBadRequest)
	}
	return c.JSON(http.StatusOK, sc)
}

func emptyIfNil(list []*SessionCompletion) []*SessionCompletion {
	if list == nil {
		return []*SessionCompletion{}
	}
	return list
}

func (h *Handler) PendingNotes(c echo.Context) error {
	providerID, err := callerID(c)
	if v := c.QueryParam("provider_id"); v != "" && seesAllProviders(c) {
		providerID, err = uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid provider_id")
		}
	}
	if err != nil {
		return err
	}
	list, err := h.svc.PendingNotes(c.Request().Context(), providerID)
	if err != nil {
		return mapError(err, http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, emptyIfNil(list))
}

func (h *Handler) OverdueNotes(c echo.Context) error {
	list, err := h.svc.OverdueNotes(c.Request().Context(), h.svc.now())
	if err != nil {
		return mapError(err, http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, emptyIfNil(list))
}

func (h *Handler) DueSoon(c echo.Context) error {
	window := h.svc.opts.ReminderWindow
	if v := c.QueryParam("hours"); v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil || hours <= 0 || hours > 24*14 {
			return echo.NewHTTPError(http.StatusBadRequest, "hours must be between 1 and 336")
		}
		window = time.Duration(hours) * time.Hour
	}
	list, err := h.svc.DueSoon(c.Request().Context(), h.svc.now(), window)
	if err != nil {
		return mapError(err, http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, emptyIfNil(list))
}

func (h *Handler) EnforceDeadlines(c echo.Context) error {
	locked, err := h.svc.EnforceDeadlines(c.Request().Context(), h.svc.now())
	if err != nil {
		return mapError(err, http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"locked":   len(locked),
		"sessions": emptyIfNil(locked),
	})
}
