package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
	StaffIDKey   contextKey = "staff_id"
)

// Claims carried by practice bearer tokens. StaffID links the login to a
// staff profile so handlers can act on behalf of a provider or supervisor.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles"`
	StaffID  string   `json:"staff_id,omitempty"`
}

type JWTConfig struct {
	Issuer     string
	SigningKey []byte
}

// IssueToken signs claims with HS256. Used by the CLI and tests.
func IssueToken(cfg JWTConfig, claims Claims, ttl time.Duration) (string, error) {
	if len(cfg.SigningKey) == 0 {
		return "", errors.New("signing key is required")
	}
	now := time.Now()
	if claims.Issuer == "" {
		claims.Issuer = cfg.Issuer
	}
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.SigningKey)
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	keyFunc := func(*jwt.Token) (any, error) { return cfg.SigningKey, nil }

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			scheme, tokenStr, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(tokenStr) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, keyFunc, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			c.Set("jwt_tenant_id", claims.TenantID)
			c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), claims.Subject, claims.Roles, claims.StaffID)))
			return next(c)
		}
	}
}

// DevAuthMiddleware grants admin to unauthenticated requests. An X-Staff-ID
// header lets a developer act as a specific provider. Requests that carry a
// bearer token fall through to the JWT middleware.
func DevAuthMiddleware(defaultTenant string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Header.Get("Authorization") != "" {
				return next(c)
			}
			c.Set("jwt_tenant_id", defaultTenant)
			staffID := c.Request().Header.Get("X-Staff-ID")
			ctx := WithIdentity(c.Request().Context(), "dev-user", []string{"admin"}, staffID)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// WithIdentity stores the caller's identity on ctx.
func WithIdentity(ctx context.Context, userID string, roles []string, staffID string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	ctx = context.WithValue(ctx, UserRolesKey, roles)
	ctx = context.WithValue(ctx, StaffIDKey, staffID)
	return ctx
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}

// StaffIDFromContext returns the staff profile id of the caller, or "".
func StaffIDFromContext(ctx context.Context) string {
	sid, _ := ctx.Value(StaffIDKey).(string)
	return sid
}

// StaffUUID parses the caller's staff profile id.
func StaffUUID(ctx context.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(StaffIDFromContext(ctx))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// HasRole reports whether the caller holds role. Admin holds every role.
func HasRole(ctx context.Context, role string) bool {
	for _, r := range RolesFromContext(ctx) {
		if r == role || r == "admin" {
			return true
		}
	}
	return false
}

func describeRoles(roles []string) string {
	return fmt.Sprintf("required role: %s", strings.Join(roles, " or "))
}
