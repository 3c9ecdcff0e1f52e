package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/config"
	"github.com/clinic/clinic/internal/domain/cascade"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/internal/platform/query"
	"github.com/clinic/clinic/internal/platform/store"
	"github.com/clinic/clinic/internal/platform/store/memstore"
)

const testSigningKey = "0123456789abcdef0123456789abcdef"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Port:                  "0",
		Env:                   "development",
		StoreBackend:          config.BackendMemory,
		CacheTTL:              time.Minute,
		CORSOrigins:           []string{"http://localhost:3000"},
		QueryDefaultLimit:     100,
		QueryUserDefaultLimit: 200,
		QueryMaxLimit:         1000,
		CascadeJournalPath:    t.TempDir(),
		CascadeTimeout:        5 * time.Second,
		RateLimitRPS:          1000,
		RateLimitBurst:        1000,
		RequestTimeout:        5 * time.Second,
	}
}

func newTestApp(t *testing.T, cfg *config.Config) *app {
	t.Helper()
	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

type seeded struct {
	owner   uuid.UUID
	clinic  uuid.UUID
	patient uuid.UUID
}

func seedApp(t *testing.T, a *app) seeded {
	t.Helper()
	ms, ok := a.store.(*memstore.Store)
	if !ok {
		t.Fatalf("expected memory store, got %T", a.store)
	}
	s := seeded{owner: uuid.New(), clinic: uuid.New(), patient: uuid.New()}
	ctx := context.Background()
	rows := []struct {
		coll   store.Collection
		fields map[string]interface{}
	}{
		{store.Users, map[string]interface{}{"id": s.owner, "name": "Dr. Rao", "clinicCount": 1}},
		{store.Clinics, map[string]interface{}{"id": s.clinic, "userId": s.owner, "name": "Main", "patientCount": 1}},
		{store.Patients, map[string]interface{}{"id": s.patient, "userId": s.owner, "clinicId": s.clinic, "name": "P"}},
		{store.Visitors, map[string]interface{}{"patientId": s.patient, "clinicId": s.clinic, "name": "P", "date": time.Now()}},
	}
	for _, r := range rows {
		if _, err := ms.Insert(ctx, r.coll, r.fields); err != nil {
			t.Fatalf("insert %s: %v", r.coll, err)
		}
	}
	return s
}

func do(e *echo.Echo, method, target string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestServer_Health(t *testing.T) {
	a := newTestApp(t, testConfig(t))

	if rec := do(a.echo, http.MethodGet, "/health", nil); rec.Code != http.StatusOK {
		t.Errorf("expected 200 from /health, got %d", rec.Code)
	}
	if rec := do(a.echo, http.MethodGet, "/metrics", nil); rec.Code != http.StatusOK {
		t.Errorf("expected 200 from /metrics, got %d", rec.Code)
	}
	if a.pool != nil {
		t.Error("expected no database pool with the memory store")
	}
}

func TestServer_DevAuthRequiresUserHeader(t *testing.T) {
	a := newTestApp(t, testConfig(t))

	rec := do(a.echo, http.MethodGet, "/api/v1/clinics", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if body := decode(t, rec); body["success"] != false {
		t.Errorf("expected failure envelope, got %v", body)
	}
}

func TestServer_ListClinics(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	s := seedApp(t, a)

	rec := do(a.echo, http.MethodGet, "/api/v1/clinics", map[string]string{auth.UserIDHeader: s.owner.String()})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	data, ok := decode(t, rec)["data"].([]interface{})
	if !ok || len(data) != 1 {
		t.Fatalf("expected one clinic, got %v", data)
	}
}

func TestServer_DeletePatientCascades(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	s := seedApp(t, a)
	header := map[string]string{auth.UserIDHeader: s.owner.String()}

	rec := do(a.echo, http.MethodDelete, "/api/v1/patients/"+s.patient.String(), header)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	n, err := a.store.Count(context.Background(), store.Visitors, query.Predicate{})
	if err != nil {
		t.Fatalf("count visitors: %v", err)
	}
	if n != 0 {
		t.Errorf("expected visitors removed with the patient, got %d", n)
	}

	// The journal remembers the finished cascade, so a retry is a replay.
	rec = do(a.echo, http.MethodDelete, "/api/v1/patients/"+s.patient.String(), header)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected replayed delete to return 200, got %d", rec.Code)
	}
	data, _ := decode(t, rec)["data"].(map[string]interface{})
	if data["replayed"] != true {
		t.Errorf("expected replayed result, got %v", data)
	}
}

func TestServer_DeleteLastClinicRejected(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	s := seedApp(t, a)

	rec := do(a.echo, http.MethodDelete, "/api/v1/clinics/"+s.clinic.String(), map[string]string{auth.UserIDHeader: s.owner.String()})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	if msg := decode(t, rec)["message"]; msg != cascade.MinClinicsRule {
		t.Errorf("unexpected message %v", msg)
	}
}

func TestServer_JWTAuth(t *testing.T) {
	cfg := testConfig(t)
	cfg.AuthSigningKey = testSigningKey
	cfg.AuthIssuer = "clinic"
	a := newTestApp(t, cfg)
	s := seedApp(t, a)

	// The dev header is ignored once a signing key is configured.
	rec := do(a.echo, http.MethodGet, "/api/v1/clinics", map[string]string{auth.UserIDHeader: s.owner.String()})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a bearer token, got %d", rec.Code)
	}

	token, err := auth.SignToken([]byte(testSigningKey), "clinic", s.owner.String(), nil, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	rec = do(a.echo, http.MethodGet, "/api/v1/clinics", map[string]string{echo.HeaderAuthorization: "Bearer " + token})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with a valid token, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestServer_UsersRequireAdmin(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	s := seedApp(t, a)

	rec := do(a.echo, http.MethodGet, "/api/v1/users", map[string]string{auth.UserIDHeader: s.owner.String()})
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for non-admin, got %d", rec.Code)
	}
	rec = do(a.echo, http.MethodGet, "/api/v1/users", map[string]string{
		auth.UserIDHeader: s.owner.String(),
		"X-User-Roles":    auth.RoleAdmin,
	})
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for admin, got %d", rec.Code)
	}
}

func TestRateLimitKey(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:5555"
	c := e.NewContext(req, httptest.NewRecorder())

	if got := rateLimitKey(c); got != "ip:10.0.0.7" {
		t.Errorf("expected ip key, got %q", got)
	}

	id := uuid.NewString()
	c.SetRequest(req.WithContext(auth.WithRequestor(req.Context(), auth.Requestor{UserID: id})))
	if got := rateLimitKey(c); got != "user:"+id {
		t.Errorf("expected user key, got %q", got)
	}
}

func TestPrintPending(t *testing.T) {
	var buf bytes.Buffer
	printPending(&buf, nil)
	if !strings.Contains(buf.String(), "No pending cascades.") {
		t.Errorf("unexpected output %q", buf.String())
	}

	buf.Reset()
	printPending(&buf, []cascade.Entry{{
		RootType:  cascade.RootClinic,
		RootID:    "c1",
		Requestor: "u1",
		Completed: []string{"transactions"},
		StartedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}})
	out := buf.String()
	for _, want := range []string{"TYPE", "clinic", "c1", "u1", "2024-01-02T03:04:05Z"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output %q", want, out)
		}
	}
}

func TestPrintMigrationStatus(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	printMigrationStatus(&buf, "public", []db.MigrationStatus{
		{Version: 1, Name: "001_core.sql", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "002_indexes.sql"},
	})
	out := buf.String()
	for _, want := range []string{"schema: public", "001_core.sql", "applied", "2024-05-01 12:00:00", "pending"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output %q", want, out)
		}
	}
}

func TestRunServer_InvalidConfigReturnsError(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("STORE_BACKEND", config.BackendPostgres)
	t.Setenv("DATABASE_URL", "")

	err := runServer()
	if err == nil {
		t.Fatal("expected an error for a postgres backend without DATABASE_URL")
	}
	if !strings.Contains(err.Error(), "load config") {
		t.Errorf("expected the config error to be wrapped, got %v", err)
	}
}
