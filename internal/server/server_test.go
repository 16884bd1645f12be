package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/autoheal/internal/db"
	"github.com/lucasnoah/autoheal/internal/failure"
	"github.com/lucasnoah/autoheal/internal/orchestrator"
)

type fakeRunner struct {
	mu       sync.Mutex
	started  []orchestrator.StartRequest
	retryErr error
	store    *db.DB
	release  chan struct{}
}

func (f *fakeRunner) StartFixLoop(ctx context.Context, req orchestrator.StartRequest) (*orchestrator.RunResult, error) {
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	f.started = append(f.started, req)
	f.mu.Unlock()
	return &orchestrator.RunResult{FailureID: req.FailureID, FinalID: req.FailureID, Action: orchestrator.ActionFixed}, nil
}

func (f *fakeRunner) PrepareRetry(ctx context.Context, id string) (*failure.Record, error) {
	if f.retryErr != nil {
		return nil, f.retryErr
	}
	prev, err := f.store.GetFailure(ctx, id)
	if err != nil {
		return nil, err
	}
	next := &failure.Record{ProjectID: prev.ProjectID, Source: failure.SourceManualRetry, ParentID: prev.ID}
	return next, f.store.CreateFailure(ctx, next)
}

func setup(t *testing.T, secret string) (*Server, *db.DB, *fakeRunner) {
	t.Helper()
	d, err := db.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, d.Migrate())
	t.Cleanup(func() { d.Close() })
	require.NoError(t, d.UpsertProject(context.Background(), failure.Project{ID: "web", Name: "web", Repo: "acme/web"}))

	runner := &fakeRunner{store: d}
	s := New(Config{
		Store:      d,
		Runner:     runner,
		Credential: func(id string) string { return "tok-" + id },
		Secret:     secret,
	})
	t.Cleanup(s.Close)
	return s, d, runner
}

func do(t *testing.T, s *Server, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthz(t *testing.T) {
	s, _, _ := setup(t, "")
	rec := do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestReportFailureStartsLoop(t *testing.T) {
	s, d, runner := setup(t, "")

	rec := do(t, s, http.MethodPost, "/v1/projects/web/failures", `{"deployment_id":"dpl_1","logs":"TypeError: x"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decode[startedResponse](t, rec)
	require.NotEmpty(t, resp.FailureID)
	assert.Equal(t, "pending_analysis", resp.Status)

	s.Wait()
	require.Len(t, runner.started, 1)
	assert.Equal(t, orchestrator.StartRequest{FailureID: resp.FailureID, ProjectID: "web", PlatformCredential: "tok-web"}, runner.started[0])

	stored, err := d.GetFailure(context.Background(), resp.FailureID)
	require.NoError(t, err)
	assert.Equal(t, "TypeError: x", stored.Logs)
	assert.Equal(t, failure.SourceMonitorDetected, stored.Source)
}

func TestReportFailureDeduplicatesDeployment(t *testing.T) {
	s, _, runner := setup(t, "")

	first := decode[startedResponse](t, do(t, s, http.MethodPost, "/v1/projects/web/failures", `{"deployment_id":"dpl_1"}`))
	rec := do(t, s, http.MethodPost, "/v1/projects/web/failures", `{"deployment_id":"dpl_1"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	second := decode[startedResponse](t, rec)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.FailureID, second.FailureID)
	s.Wait()
	assert.Len(t, runner.started, 1)
}

func TestReportFixDeploymentResumesChain(t *testing.T) {
	s, d, runner := setup(t, "")
	ctx := context.Background()
	owner := &failure.Record{ProjectID: "web", DeploymentID: "dpl_1", Source: failure.SourceMonitorDetected, AttemptCount: 1}
	require.NoError(t, d.CreateFailure(ctx, owner))
	require.NoError(t, d.CreateFixAttempt(ctx, &failure.FixAttempt{
		FailureID: owner.ID, RootID: owner.RootID, AttemptNumber: 1, FixHash: "abc", DeploymentID: "dpl_fix",
	}))

	rec := do(t, s, http.MethodPost, "/v1/projects/web/failures", `{"deployment_id":"dpl_fix","logs":"TypeError: y"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decode[startedResponse](t, rec)
	assert.True(t, resp.Resumed)
	assert.Equal(t, owner.ID, resp.FailureID)

	s.Wait()
	require.Len(t, runner.started, 1)
	assert.Equal(t, owner.ID, runner.started[0].FailureID)
	recs, err := d.ListFailures(ctx, db.FailureFilter{ProjectID: "web"})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestReportFixDeploymentOfFinishedChain(t *testing.T) {
	s, d, runner := setup(t, "")
	ctx := context.Background()
	owner := &failure.Record{ProjectID: "web", DeploymentID: "dpl_1", Source: failure.SourceMonitorDetected, Status: failure.StatusFailedAfterMaxRetries}
	require.NoError(t, d.CreateFailure(ctx, owner))
	require.NoError(t, d.CreateFixAttempt(ctx, &failure.FixAttempt{
		FailureID: owner.ID, RootID: owner.RootID, AttemptNumber: 5, FixHash: "abc", DeploymentID: "dpl_fix", Outcome: "failed",
	}))

	rec := do(t, s, http.MethodPost, "/v1/projects/web/failures", `{"deployment_id":"dpl_fix"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decode[startedResponse](t, rec)
	assert.True(t, resp.Duplicate)
	assert.Equal(t, owner.ID, resp.FailureID)
	s.Wait()
	assert.Empty(t, runner.started)
}

func TestReportFailureValidation(t *testing.T) {
	s, _, _ := setup(t, "")
	tests := []struct {
		name string
		path string
		body string
		code int
	}{
		{"bad json", "/v1/projects/web/failures", `{`, http.StatusBadRequest},
		{"missing deployment", "/v1/projects/web/failures", `{"logs":"x"}`, http.StatusBadRequest},
		{"unknown project", "/v1/projects/api/failures", `{"deployment_id":"d"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.code, rec.Code)
			body := decode[map[string]apiErrorBody](t, rec)
			assert.NotEmpty(t, body["error"].Code)
		})
	}
}

func TestSecretRequired(t *testing.T) {
	s, _, runner := setup(t, "hunter2")

	rec := do(t, s, http.MethodPost, "/v1/projects/web/failures", `{"deployment_id":"d"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, s, http.MethodPost, "/v1/projects/web/failures", `{"deployment_id":"d"}`, SecretHeader, "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, s, http.MethodPost, "/v1/projects/web/failures", `{"deployment_id":"d"}`, SecretHeader, "hunter2")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	s.Wait()
	assert.Len(t, runner.started, 1)

	// Reads stay open.
	rec = do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRetry(t *testing.T) {
	s, d, runner := setup(t, "")
	prev := &failure.Record{ProjectID: "web", Source: failure.SourceMonitorDetected, Status: failure.StatusFailedAfterMaxRetries}
	require.NoError(t, d.CreateFailure(context.Background(), prev))

	rec := do(t, s, http.MethodPost, "/v1/failures/"+prev.ID+"/retry", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decode[startedResponse](t, rec)
	assert.NotEqual(t, prev.ID, resp.FailureID)

	s.Wait()
	require.Len(t, runner.started, 1)
	assert.Equal(t, resp.FailureID, runner.started[0].FailureID)
}

func TestRetryErrors(t *testing.T) {
	s, _, runner := setup(t, "")

	rec := do(t, s, http.MethodPost, "/v1/failures/missing/retry", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	runner.retryErr = fmt.Errorf("f1 is fixed_successfully: %w", orchestrator.ErrNotRetryable)
	rec = do(t, s, http.MethodPost, "/v1/failures/f1/retry", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "not_retryable", decode[map[string]apiErrorBody](t, rec)["error"].Code)
}

func TestGetFailure(t *testing.T) {
	s, d, _ := setup(t, "")
	ctx := context.Background()
	r := &failure.Record{ProjectID: "web", Source: failure.SourceMonitorDetected, Logs: "boom"}
	require.NoError(t, d.CreateFailure(ctx, r))
	require.NoError(t, d.CreateFixAttempt(ctx, &failure.FixAttempt{FailureID: r.ID, RootID: r.ID, AttemptNumber: 1, FixHash: "h", Branch: "b"}))
	require.NoError(t, d.LogEvent(ctx, r.ID, "attempt_started", 1, ""))

	rec := do(t, s, http.MethodGet, "/v1/failures/"+r.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[failureResponse](t, rec)
	assert.Equal(t, r.ID, resp.Failure.ID)
	assert.Len(t, resp.Attempts, 1)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, "attempt_started", resp.Events[0].Event)

	rec = do(t, s, http.MethodGet, "/v1/failures/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCloseCancelsRuns(t *testing.T) {
	s, _, runner := setup(t, "")
	runner.release = make(chan struct{})

	rec := do(t, s, http.MethodPost, "/v1/projects/web/failures", `{"deployment_id":"dpl_1"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	s.Close()
	assert.Empty(t, runner.started, "cancelled run should not complete")
}
