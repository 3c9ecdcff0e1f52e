package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type contextKey string

const requestorKey contextKey = "requestor"

// UserIDHeader identifies the caller in development mode.
const UserIDHeader = "X-User-ID"

// RoleAdmin grants access to user listings and the system overview.
const RoleAdmin = "admin"

// Requestor is the authenticated caller. Every ownership check and scope
// predicate is built from UserID.
type Requestor struct {
	UserID string
	Roles  []string
}

// HasRole reports whether the requestor holds role. Admins hold every role.
func (r Requestor) HasRole(role string) bool {
	for _, have := range r.Roles {
		if have == role || have == RoleAdmin {
			return true
		}
	}
	return false
}

type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

type JWTConfig struct {
	Issuer     string
	SigningKey []byte
	Skipper    func(echo.Context) bool
}

// WithRequestor stores r on ctx.
func WithRequestor(ctx context.Context, r Requestor) context.Context {
	return context.WithValue(ctx, requestorKey, r)
}

// RequestorFromContext returns the caller set by the auth middleware.
func RequestorFromContext(ctx context.Context) (Requestor, bool) {
	r, ok := ctx.Value(requestorKey).(Requestor)
	return r, ok && r.UserID != ""
}

// UserIDFromContext returns the caller's id, or "".
func UserIDFromContext(ctx context.Context) string {
	r, _ := RequestorFromContext(ctx)
	return r.UserID
}

func setRequestor(c echo.Context, r Requestor) {
	c.Set("user_id", r.UserID)
	c.SetRequest(c.Request().WithContext(WithRequestor(c.Request().Context(), r)))
}

// JWTMiddleware accepts HS256 bearer tokens whose subject is the user's uuid.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	keyFunc := func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(strings.TrimSpace(parts[1]), claims, keyFunc, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if _, err := uuid.Parse(claims.Subject); err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token subject")
			}

			setRequestor(c, Requestor{UserID: claims.Subject, Roles: claims.Roles})
			return next(c)
		}
	}
}

// DevMiddleware trusts the X-User-ID header. Roles are read from a
// comma-separated X-User-Roles header.
func DevMiddleware(skipper func(echo.Context) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper != nil && skipper(c) {
				return next(c)
			}
			id := strings.TrimSpace(c.Request().Header.Get(UserIDHeader))
			if id == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing "+UserIDHeader+" header")
			}
			if _, err := uuid.Parse(id); err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid "+UserIDHeader+" header")
			}

			var roles []string
			for _, r := range strings.Split(c.Request().Header.Get("X-User-Roles"), ",") {
				if r = strings.TrimSpace(r); r != "" {
					roles = append(roles, r)
				}
			}
			setRequestor(c, Requestor{UserID: id, Roles: roles})
			return next(c)
		}
	}
}

// SignToken issues an HS256 token for userID, used by tooling and tests.
func SignToken(key []byte, issuer, userID string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}
