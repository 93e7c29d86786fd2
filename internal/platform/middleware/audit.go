package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/mhehr/internal/platform/auth"
)

// AuditEntry records who touched which practice record and how.
type AuditEntry struct {
	Timestamp  time.Time
	RequestID  string
	TenantID   string
	UserID     string
	StaffID    string
	UserRoles  []string
	Resource   string
	ResourceID string
	Action     string
	Method     string
	Path       string
	IPAddress  string
	StatusCode int
}

// Audit emits one structured access log line for every /api/v1 request.
// Session records carry client clinical data, so reads are audited as well as
// writes.
func Audit(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, "/api/v1/") {
				return next(c)
			}

			err := next(c)

			entry := buildAuditEntry(c)
			if he, ok := err.(*echo.HTTPError); ok {
				entry.StatusCode = he.Code
			}
			logger.Info().
				Str("type", "access_audit").
				Str("request_id", entry.RequestID).
				Str("tenant", entry.TenantID).
				Str("user_id", entry.UserID).
				Str("staff_id", entry.StaffID).
				Strs("user_roles", entry.UserRoles).
				Str("resource", entry.Resource).
				Str("resource_id", entry.ResourceID).
				Str("action", entry.Action).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("record_access")

			return err
		}
	}
}

func buildAuditEntry(c echo.Context) AuditEntry {
	req := c.Request()
	ctx := req.Context()
	entry := AuditEntry{
		Timestamp:  time.Now().UTC(),
		UserID:     auth.UserIDFromContext(ctx),
		StaffID:    auth.StaffIDFromContext(ctx),
		UserRoles:  auth.RolesFromContext(ctx),
		Action:     methodToAction(req.Method),
		Method:     req.Method,
		Path:       req.URL.Path,
		IPAddress:  c.RealIP(),
		StatusCode: c.Response().Status,
	}
	entry.RequestID, _ = c.Get("request_id").(string)
	entry.TenantID, _ = c.Get("tenant_id").(string)
	entry.Resource, entry.ResourceID = splitResourcePath(req.URL.Path)
	return entry
}

func methodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// splitResourcePath turns /api/v1/sessions/<uuid>/sign into ("sessions", <uuid>).
func splitResourcePath(path string) (resource, id string) {
	segments := strings.Split(strings.TrimPrefix(path, "/api/v1/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		return "unknown", ""
	}
	resource = segments[0]
	if len(segments) > 1 {
		if _, err := uuid.Parse(segments[1]); err == nil {
			id = segments[1]
		}
	}
	return resource, id
}
