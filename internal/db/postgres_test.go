package db

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/autoheal/internal/failure"
)

func testPG(t *testing.T) *PG {
	t.Helper()
	dsn := os.Getenv("AUTOHEAL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("AUTOHEAL_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	p, err := OpenPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	require.NoError(t, p.Migrate(ctx))
	_, err = p.pool.Exec(ctx, `TRUNCATE heal_events, fix_attempts, failure_records, projects`)
	require.NoError(t, err)
	return p
}

func TestPostgresLockAndFailures(t *testing.T) {
	p := testPG(t)
	ctx := context.Background()

	require.NoError(t, p.UpsertProject(ctx, failure.Project{ID: "web", Name: "web", Repo: "acme/web"}))

	ok, err := p.TryLockProject(ctx, "web", "a", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = p.TryLockProject(ctx, "web", "b", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, p.UnlockProject(ctx, "web", "b"))
	ok, err = p.TryLockProject(ctx, "web", "b", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "unlock by a non-owner must keep the lock")
	require.NoError(t, p.UnlockProject(ctx, "web", "a"))

	r := &failure.Record{ProjectID: "web", Source: failure.SourceMonitorDetected, Logs: "boom"}
	require.NoError(t, p.CreateFailure(ctx, r))
	_, err = p.UpdateFailure(ctx, r.ID, func(rec *failure.Record) {
		rec.Status = failure.StatusAnalyzing
		rec.Metadata.AttemptedFixHashes = []string{"abc"}
	})
	require.NoError(t, err)

	got, err := p.GetFailure(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, failure.StatusAnalyzing, got.Status)
	assert.True(t, got.Metadata.HasHash("abc"))

	a := &failure.FixAttempt{FailureID: r.ID, RootID: r.RootID, AttemptNumber: 1, Branch: "autoheal/x"}
	require.NoError(t, p.CreateFixAttempt(ctx, a))
	_, err = p.UpdateFixAttempt(ctx, a.ID, func(fa *failure.FixAttempt) { fa.DeploymentID = "dpl_1" })
	require.NoError(t, err)

	latest, err := p.LatestFixAttempt(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.True(t, latest.Pending())

	require.NoError(t, p.LogEvent(ctx, r.ID, "attempt_started", 1, ""))
	events, err := p.ListEvents(ctx, r.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
