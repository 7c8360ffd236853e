// Package server exposes the REST and WebSocket surface of the backend.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"apex-test-suite/backend/internal/auth"
	"apex-test-suite/backend/internal/run/domain"
	"apex-test-suite/backend/internal/run/repository"
	"apex-test-suite/backend/internal/run/service"
	"apex-test-suite/backend/internal/salesforce"
)

// AuthService is the session surface needed by the auth endpoints.
type AuthService interface {
	BuildAuthorizationURL() string
	ExchangeCode(ctx context.Context, code string) error
	IsConnected(ctx context.Context) bool
	Identity(ctx context.Context) (*salesforce.UserInfo, error)
	TouchActivity(ctx context.Context)
	Logout(ctx context.Context)
}

// OrgClient is the org metadata surface needed by the test endpoints.
type OrgClient interface {
	TestClasses(ctx context.Context) ([]salesforce.ApexClass, error)
	OrgStats(ctx context.Context) (*salesforce.OrgStats, error)
}

// RunService starts and aborts test runs.
type RunService interface {
	StartRun(ctx context.Context, classIDs []string) (*service.StartedRun, error)
	Abort(runID int64) bool
}

// HistoryStore is the run repository surface needed by the read endpoints.
type HistoryStore interface {
	FindByID(ctx context.Context, id int64) (*domain.Run, error)
	List(ctx context.Context, page, size int) ([]*domain.Run, int64, error)
	ResultsByRun(ctx context.Context, runID int64) ([]domain.Result, error)
	CoverageByRun(ctx context.Context, runID int64) ([]domain.CoverageSnapshot, error)
	PassRateTrend(ctx context.Context, orgID string, days int) ([]repository.PassRatePoint, error)
	CoverageTrend(ctx context.Context, orgID string, days int) ([]repository.CoveragePoint, error)
}

// Server is the HTTP API server.
type Server struct {
	auth        AuthService
	org         OrgClient
	runs        RunService
	history     HistoryStore
	hub         *Hub
	frontendURL string

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer wires the handlers onto a mux listening on addr. The hub is owned by
// the caller, which also registers it as a progress sink.
func NewServer(addr string, authSvc AuthService, org OrgClient, runs RunService, history HistoryStore, hub *Hub, frontendURL string) *Server {
	s := &Server{
		auth:        authSvc,
		org:         org,
		runs:        runs,
		history:     history,
		hub:         hub,
		frontendURL: frontendURL,
		mux:         http.NewServeMux(),
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/auth/login-url", s.loginURLHandler())
	s.mux.HandleFunc("/api/auth/callback", s.callbackHandler())
	s.mux.HandleFunc("/api/auth/status", s.statusHandler())
	s.mux.HandleFunc("/api/auth/user-info", s.userInfoHandler())
	s.mux.HandleFunc("/api/auth/heartbeat", s.heartbeatHandler())
	s.mux.HandleFunc("/api/auth/logout", s.logoutHandler())

	s.mux.HandleFunc("/api/tests/classes", s.classesHandler())
	s.mux.HandleFunc("/api/tests/org-stats", s.orgStatsHandler())
	s.mux.HandleFunc("/api/tests/run", s.startRunHandler())
	s.mux.HandleFunc("/api/tests/run/", s.abortRunHandler())
	s.mux.HandleFunc("/api/tests/results/", s.resultsHandler())
	s.mux.HandleFunc("/api/tests/coverage/", s.coverageHandler())

	s.mux.HandleFunc("/api/history/runs", s.listRunsHandler())
	s.mux.HandleFunc("/api/history/runs/", s.runDetailHandler())
	s.mux.HandleFunc("/api/history/trends/pass-rate", s.passRateTrendHandler())
	s.mux.HandleFunc("/api/history/trends/coverage", s.coverageTrendHandler())

	s.mux.HandleFunc("/ws/progress", s.hub.HandleWebSocket)

	s.mux.HandleFunc("/healthz", s.healthHandler())
}

// healthHandler reports liveness for load balancers and CI.
func (s *Server) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	}
}

// Handler returns the route mux, for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until Shutdown is called. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	log.Printf("server: listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeServiceError maps domain and upstream errors onto HTTP statuses:
// no session is 401, a rejected upstream credential is 401, any other upstream
// failure is 502, and everything else is 500.
func writeServiceError(w http.ResponseWriter, err error) {
	if errors.Is(err, auth.ErrAuthenticationRequired) {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var apiErr *salesforce.APIError
	if errors.As(err, &apiErr) {
		if salesforce.IsUnauthorized(err) {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		writeError(w, http.StatusBadGateway, "salesforce request failed")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
