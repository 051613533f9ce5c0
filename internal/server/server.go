// Package server exposes a small authenticated JSON API for reviewing
// pending view-migration plans and applied migrations.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"db_view_migrator/internal/config"
	"db_view_migrator/internal/migration"
)

type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Planner computes the pending migrations for the configured snapshots.
type Planner interface {
	Plan(ctx context.Context) ([]migration.Migration, error)
}

// History lists migrations already applied to the target database.
type History interface {
	AppliedMigrations(ctx context.Context) ([]migration.Applied, error)
}

type Server struct {
	cfg      config.Config
	logger   Logger
	sessions *SessionManager
	planner  Planner
	history  History
}

func New(cfg config.Config, logger Logger, sessions *SessionManager, planner Planner, history History) *Server {
	return &Server{cfg: cfg, logger: logger, sessions: sessions, planner: planner, history: history}
}

func (s *Server) Start(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.HTTPAddress,
		Handler:           s.Routes(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "addr", s.cfg.HTTPAddress)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("http server shutting down")
		return httpServer.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/health", s.handleHealth)
		api.Post("/login", s.handleLogin)
		api.Post("/logout", s.handleLogout)

		api.Group(func(authenticated chi.Router) {
			authenticated.Use(s.requireAuth)
			authenticated.Get("/plan", s.handlePlan)
			authenticated.Get("/migrations", s.handleMigrations)
		})
	})
	return r
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.sessions.GetSession(r); err != nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if subtle.ConstantTimeCompare([]byte(body.Token), []byte(s.cfg.AdminToken)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	session := Session{ID: uuid.New(), IssuedAt: time.Now().UTC()}
	if err := s.sessions.SetSession(w, session); err != nil {
		s.logger.Error("set session failed", "error", err)
		writeError(w, http.StatusInternalServerError, "session error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": session.ID.String()})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.sessions.ClearSession(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

type planOperation struct {
	Kind        string `json:"kind"`
	Description string `json:"description"`
}

type planMigration struct {
	Namespace  string          `json:"namespace"`
	Name       string          `json:"name"`
	DependsOn  []string        `json:"depends_on,omitempty"`
	Operations []planOperation `json:"operations"`
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	migrations, err := s.planner.Plan(r.Context())
	if err != nil {
		s.logger.Error("plan failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]planMigration, 0, len(migrations))
	for _, m := range migrations {
		pm := planMigration{Namespace: m.Namespace, Name: m.Name, DependsOn: m.DependsOn}
		for _, op := range m.Operations {
			pm.Operations = append(pm.Operations, planOperation{Kind: op.Kind(), Description: op.Describe()})
		}
		out = append(out, pm)
	}
	writeJSON(w, http.StatusOK, map[string]any{"migrations": out})
}

func (s *Server) handleMigrations(w http.ResponseWriter, r *http.Request) {
	applied, err := s.history.AppliedMigrations(r.Context())
	if err != nil {
		s.logger.Error("list applied migrations failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if applied == nil {
		applied = []migration.Applied{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"applied": applied})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
