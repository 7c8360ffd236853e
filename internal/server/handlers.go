package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"apex-test-suite/backend/internal/run/domain"
)

// RunResponse is the API shape of a test run.
type RunResponse struct {
	ID          int64   `json:"id"`
	TestRunID   string  `json:"testRunId"`
	OrgID       string  `json:"orgId"`
	Status      string  `json:"status"`
	TotalTests  int     `json:"totalTests"`
	PassCount   int     `json:"passCount"`
	FailCount   int     `json:"failCount"`
	StartedAt   string  `json:"startedAt"`
	CompletedAt *string `json:"completedAt,omitempty"`
}

// ResultResponse is the API shape of a per-method test result.
type ResultResponse struct {
	ClassName  string `json:"className"`
	MethodName string `json:"methodName"`
	Outcome    string `json:"outcome"`
	Message    string `json:"message,omitempty"`
	StackTrace string `json:"stackTrace,omitempty"`
	RunTimeMs  int64  `json:"runTimeMs"`
}

// CoverageResponse is the API shape of per-class coverage.
type CoverageResponse struct {
	ClassName       string  `json:"className"`
	LinesCovered    int     `json:"linesCovered"`
	LinesUncovered  int     `json:"linesUncovered"`
	CoveragePercent float64 `json:"coveragePercent"`
}

// RunDetailResponse is a run together with its finalized children.
type RunDetailResponse struct {
	RunResponse
	Results  []ResultResponse   `json:"results"`
	Coverage []CoverageResponse `json:"coverage"`
}

// RunListResponse is one page of run history.
type RunListResponse struct {
	Runs  []RunResponse `json:"runs"`
	Total int64         `json:"total"`
	Page  int           `json:"page"`
	Size  int           `json:"size"`
}

func runToResponse(r *domain.Run) RunResponse {
	resp := RunResponse{
		ID:         r.ID,
		TestRunID:  r.AsyncApexJobID,
		OrgID:      r.OrgID,
		Status:     string(r.Status),
		TotalTests: r.TotalTests,
		PassCount:  r.PassCount,
		FailCount:  r.FailCount,
		StartedAt:  r.StartedAt.Format(time.RFC3339),
	}
	if r.CompletedAt != nil {
		t := r.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &t
	}
	return resp
}

func resultsToResponse(results []domain.Result) []ResultResponse {
	out := make([]ResultResponse, len(results))
	for i, res := range results {
		out[i] = ResultResponse{
			ClassName:  res.ClassName,
			MethodName: res.MethodName,
			Outcome:    string(res.Outcome),
			Message:    res.Message,
			StackTrace: res.StackTrace,
			RunTimeMs:  res.RunTimeMs,
		}
	}
	return out
}

func coverageToResponse(coverage []domain.CoverageSnapshot) []CoverageResponse {
	out := make([]CoverageResponse, len(coverage))
	for i, cov := range coverage {
		out[i] = CoverageResponse{
			ClassName:       cov.ClassName,
			LinesCovered:    cov.LinesCovered,
			LinesUncovered:  cov.LinesUncovered,
			CoveragePercent: cov.CoveragePercent,
		}
	}
	return out
}

func (s *Server) loginURLHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeJSON(w, map[string]string{"url": s.auth.BuildAuthorizationURL()})
	}
}

func (s *Server) callbackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		code := r.URL.Query().Get("code")
		if code == "" {
			http.Redirect(w, r, s.frontendURL+"/auth/callback?status=error", http.StatusFound)
			return
		}
		if err := s.auth.ExchangeCode(r.Context(), code); err != nil {
			http.Redirect(w, r, s.frontendURL+"/auth/callback?status=error", http.StatusFound)
			return
		}
		http.Redirect(w, r, s.frontendURL+"/auth/callback?status=success", http.StatusFound)
	}
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeJSON(w, map[string]bool{"connected": s.auth.IsConnected(r.Context())})
	}
}

func (s *Server) userInfoHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		info, err := s.auth.Identity(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, info)
	}
}

func (s *Server) heartbeatHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		connected := s.auth.IsConnected(r.Context())
		if connected {
			s.auth.TouchActivity(r.Context())
		}
		writeJSON(w, map[string]bool{"connected": connected})
	}
}

func (s *Server) logoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.auth.Logout(r.Context())
		writeJSON(w, map[string]string{"status": "logged out"})
	}
}

func (s *Server) classesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		classes, err := s.org.TestClasses(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, classes)
	}
}

func (s *Server) orgStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		stats, err := s.org.OrgStats(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, stats)
	}
}

// StartRunRequest is the POST /api/tests/run body.
type StartRunRequest struct {
	ClassIDs []string `json:"classIds"`
}

func (s *Server) startRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var req StartRunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if len(req.ClassIDs) == 0 {
			writeError(w, http.StatusBadRequest, "classIds is required")
			return
		}
		started, err := s.runs.StartRun(r.Context(), req.ClassIDs)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, started)
	}
}

func (s *Server) abortRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		id, ok := pathID(w, r.URL.Path, "/api/tests/run/")
		if !ok {
			return
		}
		if !s.runs.Abort(id) {
			writeError(w, http.StatusNotFound, "no active run with that id")
			return
		}
		writeJSON(w, map[string]string{"status": "aborting"})
	}
}

func (s *Server) resultsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		id, ok := pathID(w, r.URL.Path, "/api/tests/results/")
		if !ok {
			return
		}
		run, err := s.history.FindByID(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if run == nil {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		results, err := s.history.ResultsByRun(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, resultsToResponse(results))
	}
}

func (s *Server) coverageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		id, ok := pathID(w, r.URL.Path, "/api/tests/coverage/")
		if !ok {
			return
		}
		run, err := s.history.FindByID(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if run == nil {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		coverage, err := s.history.CoverageByRun(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, coverageToResponse(coverage))
	}
}

func (s *Server) listRunsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		page := queryInt(r, "page", 0)
		size := queryInt(r, "size", 20)
		runs, total, err := s.history.List(r.Context(), page, size)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		resp := RunListResponse{
			Runs:  make([]RunResponse, len(runs)),
			Total: total,
			Page:  page,
			Size:  size,
		}
		for i, run := range runs {
			resp.Runs[i] = runToResponse(run)
		}
		writeJSON(w, resp)
	}
}

func (s *Server) runDetailHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		id, ok := pathID(w, r.URL.Path, "/api/history/runs/")
		if !ok {
			return
		}
		run, err := s.history.FindByID(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if run == nil {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		results, err := s.history.ResultsByRun(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		coverage, err := s.history.CoverageByRun(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, RunDetailResponse{
			RunResponse: runToResponse(run),
			Results:     resultsToResponse(results),
			Coverage:    coverageToResponse(coverage),
		})
	}
}

func (s *Server) passRateTrendHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		info, err := s.auth.Identity(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		points, err := s.history.PassRateTrend(r.Context(), info.OrganizationID, queryInt(r, "days", 30))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, points)
	}
}

func (s *Server) coverageTrendHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		info, err := s.auth.Identity(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		points, err := s.history.CoverageTrend(r.Context(), info.OrganizationID, queryInt(r, "days", 30))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, points)
	}
}

// pathID extracts the numeric trailing id after prefix. On a bad id it writes a
// 400 and reports false.
func pathID(w http.ResponseWriter, path, prefix string) (int64, bool) {
	raw := strings.TrimSuffix(strings.TrimPrefix(path, prefix), "/")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
