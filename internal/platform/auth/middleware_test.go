package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

const testUserID = "5f0c3c36-8e62-4b7e-9d8c-5b1f1f3f6f10"

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func runMiddleware(t *testing.T, mw echo.MiddlewareFunc, header map[string]string) (Requestor, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var got Requestor
	err := mw(func(c echo.Context) error {
		got, _ = RequestorFromContext(c.Request().Context())
		return c.String(http.StatusOK, "ok")
	})(c)
	return got, err
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %d, got no error", code)
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	_, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), nil)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}),
				map[string]string{"Authorization": tt.header})
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	tokenStr, err := SignToken(testSigningKey, "clinic", testUserID, []string{"doctor"}, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	got, err := runMiddleware(t, JWTMiddleware(JWTConfig{Issuer: "clinic", SigningKey: testSigningKey}),
		map[string]string{"Authorization": "Bearer " + tokenStr})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.UserID != testUserID {
		t.Errorf("expected user %s, got %q", testUserID, got.UserID)
	}
	if len(got.Roles) != 1 || got.Roles[0] != "doctor" {
		t.Errorf("unexpected roles %v", got.Roles)
	}
}

func TestJWTMiddleware_ExpiredToken(t *testing.T) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   testUserID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-1 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
		},
	}
	tokenStr := createTestToken(t, claims, testSigningKey)

	_, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}),
		map[string]string{"Authorization": "Bearer " + tokenStr})
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_Rejects(t *testing.T) {
	future := jwt.NewNumericDate(time.Now().Add(time.Hour))
	tests := []struct {
		name  string
		token func() string
	}{
		{"wrong key", func() string {
			return createTestToken(t, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: testUserID, ExpiresAt: future}}, []byte("other"))
		}},
		{"no expiry", func() string {
			return createTestToken(t, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: testUserID}}, testSigningKey)
		}},
		{"non-uuid subject", func() string {
			return createTestToken(t, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "user-123", ExpiresAt: future}}, testSigningKey)
		}},
		{"wrong issuer", func() string {
			return createTestToken(t, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: testUserID, ExpiresAt: future, Issuer: "elsewhere"}}, testSigningKey)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runMiddleware(t, JWTMiddleware(JWTConfig{Issuer: "clinic", SigningKey: testSigningKey}),
				map[string]string{"Authorization": "Bearer " + tt.token()})
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_Skipper(t *testing.T) {
	cfg := JWTConfig{SigningKey: testSigningKey, Skipper: func(echo.Context) bool { return true }}
	if _, err := runMiddleware(t, JWTMiddleware(cfg), nil); err != nil {
		t.Fatalf("expected skipped request to pass, got %v", err)
	}
}

func TestDevMiddleware(t *testing.T) {
	_, err := runMiddleware(t, DevMiddleware(nil), nil)
	expectStatus(t, err, http.StatusUnauthorized)

	_, err = runMiddleware(t, DevMiddleware(nil), map[string]string{UserIDHeader: "bob"})
	expectStatus(t, err, http.StatusUnauthorized)

	got, err := runMiddleware(t, DevMiddleware(nil), map[string]string{
		UserIDHeader:   testUserID,
		"X-User-Roles": "admin, doctor",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.UserID != testUserID || len(got.Roles) != 2 || got.Roles[0] != "admin" {
		t.Errorf("unexpected requestor %+v", got)
	}
}
