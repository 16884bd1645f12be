// Package server exposes the HTTP trigger surface: a failure webhook, a
// manual retry endpoint and read-only inspection of failure chains.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lucasnoah/autoheal/internal/db"
	"github.com/lucasnoah/autoheal/internal/failure"
	"github.com/lucasnoah/autoheal/internal/orchestrator"
)

// SecretHeader carries the shared webhook secret.
const SecretHeader = "X-Autoheal-Secret"

const maxBodyBytes = 4 << 20

// Store is the persistence the server reads and writes.
type Store interface {
	Ping(ctx context.Context) error
	GetProject(ctx context.Context, id string) (*failure.Project, error)
	CreateFailure(ctx context.Context, r *failure.Record) error
	GetFailure(ctx context.Context, id string) (*failure.Record, error)
	FindFailureByDeployment(ctx context.Context, projectID, deploymentID string) (*failure.Record, error)
	FindFixAttemptByDeployment(ctx context.Context, projectID, deploymentID string) (*failure.FixAttempt, error)
	ListFixAttempts(ctx context.Context, failureID string) ([]failure.FixAttempt, error)
	ListEvents(ctx context.Context, failureID string) ([]db.Event, error)
}

// Runner starts fix loops.
type Runner interface {
	StartFixLoop(ctx context.Context, req orchestrator.StartRequest) (*orchestrator.RunResult, error)
	PrepareRetry(ctx context.Context, failureID string) (*failure.Record, error)
}

// Config wires the server's collaborators.
type Config struct {
	Store  Store
	Runner Runner
	// Credential returns the platform credential for a project.
	Credential func(projectID string) string
	Secret     string
	Logger     *slog.Logger
}

// Server serves the API and tracks the fix loops it started.
type Server struct {
	cfg    Config
	logger *slog.Logger
	router chi.Router

	base   context.Context
	cancel context.CancelFunc
	runs   sync.WaitGroup
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Credential == nil {
		cfg.Credential = func(string) string { return "" }
	}
	base, cancel := context.WithCancel(context.Background())
	s := &Server{cfg: cfg, logger: cfg.Logger, base: base, cancel: cancel}

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.With(s.requireSecret).Post("/projects/{project}/failures", s.handleReportFailure)
		r.With(s.requireSecret).Post("/failures/{id}/retry", s.handleRetry)
		r.Get("/failures/{id}", s.handleGetFailure)
	})
	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is done, then stops accepting
// requests and waits for in-flight fix loops.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("autoheal API listening", "addr", addr)

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Wait()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Wait blocks until every fix loop started by the server has returned.
func (s *Server) Wait() { s.runs.Wait() }

// Close cancels in-flight fix loops and waits for them. Cancelled runs are
// left resumable.
func (s *Server) Close() {
	s.cancel()
	s.runs.Wait()
}

func (s *Server) start(req orchestrator.StartRequest) {
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		res, err := s.cfg.Runner.StartFixLoop(s.base, req)
		if err != nil {
			s.logger.Error("fix loop failed", "failure", req.FailureID, "error", err)
			return
		}
		s.logger.Info("fix loop finished", "failure", req.FailureID, "final", res.FinalID, "action", res.Action, "status", res.Status)
	}()
}

// --- middleware ---

func (s *Server) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Secret != "" {
			got := r.Header.Get(SecretHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Secret)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid "+SecretHeader)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// --- handlers ---

type reportRequest struct {
	DeploymentID string `json:"deployment_id"`
	Logs         string `json:"logs"`
}

type startedResponse struct {
	FailureID string `json:"failure_id"`
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Resumed   bool   `json:"resumed,omitempty"`
}

type failureResponse struct {
	Failure  *failure.Record      `json:"failure"`
	Attempts []failure.FixAttempt `json:"attempts"`
	Events   []db.Event           `json:"events"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReportFailure(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := chi.URLParam(r, "project")

	var body reportRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid JSON body: %v", err))
		return
	}
	body.DeploymentID = strings.TrimSpace(body.DeploymentID)
	if body.DeploymentID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "deployment_id is required")
		return
	}

	if _, err := s.cfg.Store.GetProject(ctx, projectID); err != nil {
		s.storeError(w, err)
		return
	}

	existing, err := s.cfg.Store.FindFailureByDeployment(ctx, projectID, body.DeploymentID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if existing != nil {
		writeJSON(w, http.StatusOK, startedResponse{FailureID: existing.ID, Status: string(existing.Status), Duplicate: true})
		return
	}

	// A failed fix deployment belongs to the chain that triggered it.
	att, err := s.cfg.Store.FindFixAttemptByDeployment(ctx, projectID, body.DeploymentID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if att != nil {
		owner, err := s.cfg.Store.GetFailure(ctx, att.FailureID)
		if err != nil {
			s.storeError(w, err)
			return
		}
		if owner.Status.Terminal() {
			writeJSON(w, http.StatusOK, startedResponse{FailureID: owner.ID, Status: string(owner.Status), Duplicate: true})
			return
		}
		s.start(orchestrator.StartRequest{
			FailureID:          owner.ID,
			ProjectID:          projectID,
			PlatformCredential: s.cfg.Credential(projectID),
		})
		writeJSON(w, http.StatusAccepted, startedResponse{FailureID: owner.ID, Status: string(owner.Status), Resumed: true})
		return
	}

	rec := &failure.Record{
		ProjectID:    projectID,
		DeploymentID: body.DeploymentID,
		Source:       failure.SourceMonitorDetected,
		Logs:         body.Logs,
	}
	err = s.cfg.Store.CreateFailure(ctx, rec)
	if errors.Is(err, db.ErrDuplicate) {
		dup, ferr := s.cfg.Store.FindFailureByDeployment(ctx, projectID, body.DeploymentID)
		if ferr != nil || dup == nil {
			s.storeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, startedResponse{FailureID: dup.ID, Status: string(dup.Status), Duplicate: true})
		return
	}
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.start(orchestrator.StartRequest{
		FailureID:          rec.ID,
		ProjectID:          projectID,
		PlatformCredential: s.cfg.Credential(projectID),
	})
	writeJSON(w, http.StatusAccepted, startedResponse{FailureID: rec.ID, Status: string(rec.Status)})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	next, err := s.cfg.Runner.PrepareRetry(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, orchestrator.ErrNotRetryable) {
		writeError(w, http.StatusConflict, "not_retryable", err.Error())
		return
	}
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.start(orchestrator.StartRequest{
		FailureID:          next.ID,
		ProjectID:          next.ProjectID,
		PlatformCredential: s.cfg.Credential(next.ProjectID),
	})
	writeJSON(w, http.StatusAccepted, startedResponse{FailureID: next.ID, Status: string(next.Status)})
}

func (s *Server) handleGetFailure(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	rec, err := s.cfg.Store.GetFailure(ctx, id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	attempts, err := s.cfg.Store.ListFixAttempts(ctx, id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	events, err := s.cfg.Store.ListEvents(ctx, id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if attempts == nil {
		attempts = []failure.FixAttempt{}
	}
	if events == nil {
		events = []db.Event{}
	}
	writeJSON(w, http.StatusOK, failureResponse{Failure: rec, Attempts: attempts, Events: events})
}

// --- responses ---

type apiErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	s.logger.Error("store error", "error", err)
	writeError(w, http.StatusInternalServerError, "internal", "internal error")
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]apiErrorBody{"error": {Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
