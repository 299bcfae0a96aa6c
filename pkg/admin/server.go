// Package admin exposes the controller's administrative surface over HTTP:
// processing triggers, lineage listing, cancellation, logs, health, and
// Prometheus metrics.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"prloop/pkg/controller"
	"prloop/pkg/logx"
	"prloop/pkg/store"
	"prloop/pkg/version"
)

// Server is the admin HTTP server.
type Server struct {
	controller *controller.Controller
	logger     *logx.Logger
	httpServer *http.Server
}

// NewServer creates an admin server for the given controller.
func NewServer(ctrl *controller.Controller) *Server {
	return &Server{
		controller: ctrl,
		logger:     logx.NewLogger("admin"),
	}
}

// RegisterRoutes sets up the HTTP routes.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/issues/process", s.handleProcessIssue)
	mux.HandleFunc("/api/reviews/process", s.handleProcessReview)
	mux.HandleFunc("/api/iterations", s.handleListIterations)
	mux.HandleFunc("/api/iterations/", s.handleIteration)
	mux.HandleFunc("/api/logs", s.handleLogs)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
}

// Start runs the server on addr until ctx is cancelled, then shuts it down
// gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Admin server listening on %s", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("admin server failed: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down admin server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin server shutdown: %w", err)
	}
	return nil
}

// processRequest is the body for both trigger endpoints.
type processRequest struct {
	Owner       string `json:"owner"`
	Repo        string `json:"repo"`
	IssueNumber int    `json:"issue_number,omitempty"`
	PRNumber    int    `json:"pr_number,omitempty"`
	Restart     bool   `json:"restart,omitempty"`
}

type processResponse struct {
	Result  string       `json:"result"`
	Lineage *lineageView `json:"lineage,omitempty"`
}

// handleProcessIssue implements POST /api/issues/process.
func (s *Server) handleProcessIssue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Owner == "" || req.Repo == "" || req.IssueNumber <= 0 {
		http.Error(w, "owner, repo, and issue_number are required", http.StatusBadRequest)
		return
	}
	if q := r.URL.Query().Get("restart"); q == "1" || q == "true" {
		req.Restart = true
	}

	result, rec, err := s.controller.StartIssueProcessing(r.Context(), req.Owner, req.Repo, req.IssueNumber, req.Restart)
	if err != nil {
		s.logger.Error("Failed to start issue processing for %s/%s#%d: %v", req.Owner, req.Repo, req.IssueNumber, err)
		http.Error(w, "Failed to start processing", http.StatusInternalServerError)
		return
	}

	status := http.StatusAccepted
	if result != controller.ResultAccepted {
		status = http.StatusConflict
	}
	s.writeJSON(w, status, processResponse{Result: string(result), Lineage: viewOf(rec)})
}

// handleProcessReview implements POST /api/reviews/process.
func (s *Server) handleProcessReview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Owner == "" || req.Repo == "" || req.PRNumber <= 0 {
		http.Error(w, "owner, repo, and pr_number are required", http.StatusBadRequest)
		return
	}

	result, rec, err := s.controller.StartReviewOnly(r.Context(), req.Owner, req.Repo, req.PRNumber)
	if err != nil {
		if errors.Is(err, controller.ErrPRUnavailable) {
			http.Error(w, "Pull request not found", http.StatusNotFound)
			return
		}
		s.logger.Error("Failed to start review for %s/%s PR #%d: %v", req.Owner, req.Repo, req.PRNumber, err)
		http.Error(w, "Failed to start review", http.StatusInternalServerError)
		return
	}

	status := http.StatusAccepted
	if result != controller.ResultAccepted {
		status = http.StatusConflict
	}
	s.writeJSON(w, status, processResponse{Result: string(result), Lineage: viewOf(rec)})
}

// handleListIterations implements GET /api/iterations.
func (s *Server) handleListIterations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var (
		records []*store.IterationRecord
		err     error
	)
	switch q := r.URL.Query().Get("status"); q {
	case "", "active":
		records, err = s.controller.ListActive(r.Context())
	case "all":
		records, err = s.controller.ListAll(r.Context())
	default:
		status, parseErr := store.ParseStatus(q)
		if parseErr != nil {
			http.Error(w, parseErr.Error(), http.StatusBadRequest)
			return
		}
		records, err = s.controller.ListByStatus(r.Context(), status)
	}
	if err != nil {
		s.logger.Error("Failed to list lineages: %v", err)
		http.Error(w, "Failed to list iterations", http.StatusInternalServerError)
		return
	}

	views := make([]*lineageView, 0, len(records))
	for _, rec := range records {
		views = append(views, viewOf(rec))
	}
	s.writeJSON(w, http.StatusOK, views)
}

// handleIteration implements GET /api/iterations/{id} and
// POST /api/iterations/{id}/cancel.
func (s *Server) handleIteration(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/iterations/")

	if id, ok := strings.CutSuffix(rest, "/cancel"); ok {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := s.controller.Cancel(r.Context(), id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				http.Error(w, "Not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancellation requested"})
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rec, history, err := s.controller.Get(r.Context(), rest)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		s.logger.Error("Failed to load lineage %s: %v", rest, err)
		http.Error(w, "Failed to load iteration", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"lineage": viewOf(rec),
		"history": history,
	})
}

// handleLogs implements GET /api/logs, serving the in-memory log buffer.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	component := query.Get("component")
	if component == "" {
		component = query.Get("domain")
	}

	var since time.Time
	if sinceStr := query.Get("since"); sinceStr != "" {
		parsed, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			http.Error(w, "Invalid since parameter (use RFC3339)", http.StatusBadRequest)
			return
		}
		since = parsed
	}

	s.writeJSON(w, http.StatusOK, logx.RecentEntries(component, since))
}

// handleHealth implements GET /healthz.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	records, err := s.controller.ListActive(r.Context())
	if err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Version,
		"active":  len(records),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to encode response: %v", err)
	}
}

// lineageView is the JSON shape of an iteration record.
type lineageView struct {
	ID             string `json:"id"`
	Key            string `json:"key"`
	IssueTitle     string `json:"issue_title,omitempty"`
	Status         string `json:"status"`
	IterationCount int    `json:"iteration_count"`
	MaxIterations  int    `json:"max_iterations"`
	Branch         string `json:"branch,omitempty"`
	PRNumber       int    `json:"pr_number,omitempty"`
	PRURL          string `json:"pr_url,omitempty"`
	TerminalReason string `json:"terminal_reason,omitempty"`
	ReviewOnly     bool   `json:"review_only,omitempty"`
	UpdatedAt      string `json:"updated_at"`
}

func viewOf(rec *store.IterationRecord) *lineageView {
	if rec == nil {
		return nil
	}
	return &lineageView{
		ID:             rec.ID,
		Key:            rec.Key(),
		IssueTitle:     rec.IssueTitle,
		Status:         string(rec.Status),
		IterationCount: rec.IterationCount,
		MaxIterations:  rec.MaxIterations,
		Branch:         rec.Branch,
		PRNumber:       rec.PRNumber,
		PRURL:          rec.PRURL,
		TerminalReason: rec.TerminalReason,
		ReviewOnly:     rec.ReviewOnly,
		UpdatedAt:      rec.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
