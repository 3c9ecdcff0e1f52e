package listing

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/apperr"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/store"
)

func newListContext(e *echo.Echo, target string, userID string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if userID != "" {
		req = req.WithContext(auth.WithRequestor(req.Context(), auth.Requestor{UserID: userID}))
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestHandler_ListPatients(t *testing.T) {
	w := setup(t)
	h := NewHandler(NewService(w.store, DefaultLimits()))
	e := echo.New()

	q := url.Values{}
	q.Set("age", `{"lt":40}`)
	q.Set("sort", "name")
	q.Set("sortBy", "ASC")
	c, rec := newListContext(e, "/patients?"+q.Encode(), w.owner)
	if err := h.list(store.Patients)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body struct {
		Success    bool                     `json:"success"`
		Data       []map[string]interface{} `json:"data"`
		Pagination map[string]interface{}   `json:"pagination"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Success || len(body.Data) != 2 {
		t.Fatalf("expected two patients under 40, got %+v", body)
	}
	if body.Data[0]["name"] != "Ada" || body.Data[1]["name"] != "Alan" {
		t.Errorf("unexpected order %v", body.Data)
	}
	if body.Pagination["total"] != float64(2) {
		t.Errorf("unexpected pagination %v", body.Pagination)
	}
}

func TestHandler_ClinicScoped(t *testing.T) {
	w := setup(t)
	h := NewHandler(NewService(w.store, DefaultLimits()))
	e := echo.New()

	c, rec := newListContext(e, "/clinics/"+w.clinic+"/transactions", w.owner)
	c.SetParamNames("clinicId")
	c.SetParamValues(w.clinic)
	if err := h.list(store.Transactions)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Data []map[string]interface{} `json:"data"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.Data) != 3 {
		t.Errorf("expected 3 clinic transactions, got %d", len(body.Data))
	}

	c, _ = newListContext(e, "/clinics/x/transactions", w.owner)
	c.SetParamNames("clinicId")
	c.SetParamValues("x")
	err := h.list(store.Transactions)(c)
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a malformed clinic id, got %v", err)
	}
}

func TestHandler_MalformedOperatorObject(t *testing.T) {
	w := setup(t)
	h := NewHandler(NewService(w.store, DefaultLimits()))
	e := echo.New()

	c, _ := newListContext(e, "/patients?age=%7Bgt", w.owner)
	err := h.list(store.Patients)(c)
	if !apperr.IsValidation(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestHandler_RequiresRequestor(t *testing.T) {
	w := setup(t)
	h := NewHandler(NewService(w.store, DefaultLimits()))
	e := echo.New()

	c, _ := newListContext(e, "/patients", "")
	err := h.list(store.Patients)(c)
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestHandler_UsersRequireAdmin(t *testing.T) {
	w := setup(t)
	e := echo.New()
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(zerolog.Nop())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			r := auth.Requestor{UserID: w.owner, Roles: []string{c.Request().Header.Get("X-Test-Role")}}
			c.SetRequest(c.Request().WithContext(auth.WithRequestor(c.Request().Context(), r)))
			return next(c)
		}
	})
	NewHandler(NewService(w.store, DefaultLimits())).RegisterRoutes(e.Group("/api"))

	for role, want := range map[string]int{"doctor": http.StatusForbidden, auth.RoleAdmin: http.StatusOK} {
		req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
		req.Header.Set("X-Test-Role", role)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Errorf("role %s: expected %d, got %d", role, want, rec.Code)
		}
	}
}
