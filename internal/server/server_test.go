package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"db_view_migrator/internal/config"
	"db_view_migrator/internal/migration"
	"db_view_migrator/internal/operations"
	"db_view_migrator/internal/state"
	"db_view_migrator/internal/view"
)

type stubPlanner struct {
	migrations []migration.Migration
	err        error
}

func (p *stubPlanner) Plan(context.Context) ([]migration.Migration, error) {
	return p.migrations, p.err
}

type stubHistory struct {
	applied []migration.Applied
}

func (h *stubHistory) AppliedMigrations(context.Context) ([]migration.Applied, error) {
	return h.applied, nil
}

func newTestServer(t *testing.T, planner Planner, history History) *Server {
	t.Helper()
	cfg := config.Config{
		AdminToken:     "test-admin-token",
		SecretKeyBytes: bytes.Repeat([]byte("k"), 32),
	}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return New(cfg, logger, NewSessionManager(cfg.SecretKeyBytes), planner, history)
}

func login(t *testing.T, handler http.Handler, token string) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"token": token})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, &stubPlanner{}, &stubHistory{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
}

func TestLoginRejectsWrongToken(t *testing.T) {
	srv := newTestServer(t, &stubPlanner{}, &stubHistory{})
	rec := login(t, srv.Routes(), "wrong")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d", rec.Code)
	}
	if len(rec.Result().Cookies()) != 0 {
		t.Fatalf("failed login must not set a cookie")
	}
}

func TestLoginRejectsMalformedBody(t *testing.T) {
	srv := newTestServer(t, &stubPlanner{}, &stubHistory{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/login", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d", rec.Code)
	}
}

func TestLoginIssuesSessionCookie(t *testing.T) {
	srv := newTestServer(t, &stubPlanner{}, &stubHistory{})
	rec := login(t, srv.Routes(), "test-admin-token")
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d: %s", rec.Code, rec.Body)
	}

	var found *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookieName {
			found = c
		}
	}
	if found == nil {
		t.Fatalf("session cookie not set")
	}
	if !found.HttpOnly {
		t.Fatalf("session cookie must be http-only")
	}

	// The issued cookie authenticates subsequent requests.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/plan", nil)
	req.AddCookie(found)
	authed := httptest.NewRecorder()
	srv.Routes().ServeHTTP(authed, req)
	if authed.Code != http.StatusOK {
		t.Fatalf("authenticated plan status = %d: %s", authed.Code, authed.Body)
	}
}

func TestPlanRequiresAuth(t *testing.T) {
	srv := newTestServer(t, &stubPlanner{}, &stubHistory{})
	for _, path := range []string{"/api/v1/plan", "/api/v1/migrations"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		srv.Routes().ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s without session: status = %d", path, rec.Code)
		}
	}
}

func TestForgedCookieRejected(t *testing.T) {
	srv := newTestServer(t, &stubPlanner{}, &stubHistory{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/plan", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "forged"})
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("forged cookie status = %d", rec.Code)
	}
}

func TestPlanResponseShape(t *testing.T) {
	op := operations.NewCreateMaterializedView("summary", []state.Field{
		{Name: view.QueryFieldName, Kind: state.KindQuery, Query: "SELECT 1"},
	}, nil, nil)
	planner := &stubPlanner{migrations: []migration.Migration{{
		Namespace:  "reports",
		Name:       "create_summary",
		DependsOn:  []string{"core"},
		Operations: []operations.Operation{op},
	}}}
	srv := newTestServer(t, planner, &stubHistory{})
	handler := srv.Routes()

	rec := login(t, handler, "test-admin-token")
	cookie := rec.Result().Cookies()[0]

	req := httptest.NewRequest(http.MethodGet, "/api/v1/plan", nil)
	req.AddCookie(cookie)
	planRec := httptest.NewRecorder()
	handler.ServeHTTP(planRec, req)
	if planRec.Code != http.StatusOK {
		t.Fatalf("plan status = %d: %s", planRec.Code, planRec.Body)
	}

	var body struct {
		Migrations []struct {
			Namespace  string   `json:"namespace"`
			Name       string   `json:"name"`
			DependsOn  []string `json:"depends_on"`
			Operations []struct {
				Kind        string `json:"kind"`
				Description string `json:"description"`
			} `json:"operations"`
		} `json:"migrations"`
	}
	if err := json.Unmarshal(planRec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode plan response: %v", err)
	}
	if len(body.Migrations) != 1 {
		t.Fatalf("want 1 migration, got %d", len(body.Migrations))
	}
	m := body.Migrations[0]
	if m.Namespace != "reports" || m.Name != "create_summary" || len(m.DependsOn) != 1 {
		t.Fatalf("migration metadata: %+v", m)
	}
	if len(m.Operations) != 1 || m.Operations[0].Kind != "create_materialized_view" {
		t.Fatalf("operations: %+v", m.Operations)
	}
}

func TestPlanErrorSurfaces(t *testing.T) {
	planner := &stubPlanner{err: errors.New("snapshot unreadable")}
	srv := newTestServer(t, planner, &stubHistory{})
	handler := srv.Routes()

	cookie := login(t, handler, "test-admin-token").Result().Cookies()[0]
	req := httptest.NewRequest(http.MethodGet, "/api/v1/plan", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("plan failure status = %d", rec.Code)
	}
}

func TestMigrationsListsHistory(t *testing.T) {
	history := &stubHistory{applied: []migration.Applied{{
		Namespace: "reports",
		Version:   1,
		Name:      "create_summary",
		RunID:     "7b9e7a46-9f0a-4f8e-8d5c-0f0b7cbd2f11",
		AppliedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}}}
	srv := newTestServer(t, &stubPlanner{}, history)
	handler := srv.Routes()

	cookie := login(t, handler, "test-admin-token").Result().Cookies()[0]
	req := httptest.NewRequest(http.MethodGet, "/api/v1/migrations", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("migrations status = %d", rec.Code)
	}

	var body struct {
		Applied []migration.Applied `json:"applied"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode migrations response: %v", err)
	}
	if len(body.Applied) != 1 || body.Applied[0].Name != "create_summary" {
		t.Fatalf("applied list: %+v", body.Applied)
	}
}

func TestLogoutClearsCookie(t *testing.T) {
	srv := newTestServer(t, &stubPlanner{}, &stubHistory{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/logout", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout status = %d", rec.Code)
	}
	var cleared bool
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookieName && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Fatalf("logout did not expire the session cookie")
	}
}
