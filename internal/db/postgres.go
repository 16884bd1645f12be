package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lucasnoah/autoheal/internal/failure"
)

// PG is the PostgreSQL-backed store. It exposes the same operations as DB
// for deployments where several healer processes share one database.
type PG struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// OpenPostgres connects to PostgreSQL and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*PG, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PG{pool: pool, now: time.Now}, nil
}

// Close releases the pool.
func (p *PG) Close() error {
	p.pool.Close()
	return nil
}

// Ping verifies the connection is usable.
func (p *PG) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

const pgSchemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS projects (
    id               TEXT PRIMARY KEY,
    name             TEXT NOT NULL,
    repo             TEXT NOT NULL,
    base_branch      TEXT NOT NULL DEFAULT 'main',
    platform_project TEXT NOT NULL DEFAULT '',
    fix_in_progress  BOOLEAN NOT NULL DEFAULT FALSE,
    lock_owner       TEXT,
    locked_at        TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS failure_records (
    id              TEXT PRIMARY KEY,
    project_id      TEXT NOT NULL REFERENCES projects(id),
    deployment_id   TEXT NOT NULL DEFAULT '',
    source          TEXT NOT NULL CHECK(source IN ('monitor_detected','retry_after_fix','manual_retry')),
    logs            TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL,
    attempt_count   INTEGER NOT NULL DEFAULT 0,
    error_signature TEXT,
    metadata        JSONB NOT NULL DEFAULT '{}',
    parent_id       TEXT,
    root_id         TEXT NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_failure_project ON failure_records(project_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_failure_root ON failure_records(root_id, created_at);
CREATE INDEX IF NOT EXISTS idx_failure_deployment ON failure_records(project_id, deployment_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_failure_detected_deployment
    ON failure_records(project_id, deployment_id)
    WHERE source = 'monitor_detected' AND deployment_id <> '';

CREATE TABLE IF NOT EXISTS fix_attempts (
    id             TEXT PRIMARY KEY,
    failure_id     TEXT NOT NULL REFERENCES failure_records(id),
    root_id        TEXT NOT NULL,
    attempt_number INTEGER NOT NULL,
    prompt_ref     TEXT NOT NULL DEFAULT '',
    root_cause     TEXT NOT NULL DEFAULT '',
    explanation    TEXT NOT NULL DEFAULT '',
    files          JSONB NOT NULL DEFAULT '[]',
    fix_hash       TEXT NOT NULL DEFAULT '',
    branch         TEXT NOT NULL DEFAULT '',
    commit_ref     TEXT NOT NULL DEFAULT '',
    deployment_id  TEXT NOT NULL DEFAULT '',
    deployment_url TEXT NOT NULL DEFAULT '',
    outcome        TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ NOT NULL,
    updated_at     TIMESTAMPTZ NOT NULL,
    UNIQUE(root_id, attempt_number)
);

CREATE TABLE IF NOT EXISTS heal_events (
    id          BIGSERIAL PRIMARY KEY,
    failure_id  TEXT NOT NULL,
    event       TEXT NOT NULL,
    attempt     INTEGER NOT NULL DEFAULT 0,
    detail      TEXT NOT NULL DEFAULT '',
    timestamp   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_event_failure ON heal_events(failure_id, id);
`

// Migrate applies the database schema.
func (p *PG) Migrate(ctx context.Context) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, pgSchemaV1); err != nil {
		return fmt.Errorf("apply schema v1: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_version (version) VALUES (1) ON CONFLICT DO NOTHING`); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_version (version) VALUES (2) ON CONFLICT DO NOTHING`); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit(ctx)
}

// UpsertProject inserts a project or updates its descriptive fields.
func (p *PG) UpsertProject(ctx context.Context, pr failure.Project) error {
	if pr.BaseBranch == "" {
		pr.BaseBranch = "main"
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO projects (id, name, repo, base_branch, platform_project) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, repo = EXCLUDED.repo,
		   base_branch = EXCLUDED.base_branch, platform_project = EXCLUDED.platform_project`,
		pr.ID, pr.Name, pr.Repo, pr.BaseBranch, pr.PlatformProject,
	)
	if err != nil {
		return fmt.Errorf("upsert project: %w", err)
	}
	return nil
}

func pgScanProject(row pgx.Row) (*failure.Project, error) {
	var pr failure.Project
	var owner *string
	if err := row.Scan(&pr.ID, &pr.Name, &pr.Repo, &pr.BaseBranch, &pr.PlatformProject, &pr.FixInProgress, &owner, &pr.LockedAt); err != nil {
		return nil, err
	}
	if owner != nil {
		pr.LockOwner = *owner
	}
	return &pr, nil
}

// GetProject returns a project by id.
func (p *PG) GetProject(ctx context.Context, id string) (*failure.Project, error) {
	pr, err := pgScanProject(p.pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return pr, nil
}

// ListProjects returns every project ordered by id.
func (p *PG) ListProjects(ctx context.Context) ([]failure.Project, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []failure.Project
	for rows.Next() {
		pr, err := pgScanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, *pr)
	}
	return out, rows.Err()
}

// TryLockProject is the PostgreSQL form of DB.TryLockProject.
func (p *PG) TryLockProject(ctx context.Context, projectID, owner string, staleBefore time.Time) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE projects SET fix_in_progress = TRUE, lock_owner = $1, locked_at = $2
		 WHERE id = $3 AND (fix_in_progress = FALSE OR locked_at IS NULL OR locked_at < $4)`,
		owner, p.now().UTC(), projectID, staleBefore.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("lock project: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UnlockProject clears the fix-in-progress flag if owner still holds it.
func (p *PG) UnlockProject(ctx context.Context, projectID, owner string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE projects SET fix_in_progress = FALSE, lock_owner = NULL, locked_at = NULL
		 WHERE id = $1 AND lock_owner = $2`, projectID, owner)
	if err != nil {
		return fmt.Errorf("unlock project: %w", err)
	}
	return nil
}

// ForceUnlockProject clears the fix-in-progress flag whoever holds it.
func (p *PG) ForceUnlockProject(ctx context.Context, projectID string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE projects SET fix_in_progress = FALSE, lock_owner = NULL, locked_at = NULL WHERE id = $1`, projectID)
	if err != nil {
		return fmt.Errorf("force unlock project: %w", err)
	}
	return nil
}

func pgScanFailure(row pgx.Row) (*failure.Record, error) {
	var r failure.Record
	var sig, parent *string
	var meta []byte
	err := row.Scan(&r.ID, &r.ProjectID, &r.DeploymentID, &r.Source, &r.Logs, &r.Status, &r.AttemptCount,
		&sig, &meta, &parent, &r.RootID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if sig != nil {
		r.ErrorSignature = *sig
	}
	if parent != nil {
		r.ParentID = *parent
	}
	if r.Metadata, err = failure.DecodeMetadata(string(meta)); err != nil {
		return nil, fmt.Errorf("decode metadata for %s: %w", r.ID, err)
	}
	return &r, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// CreateFailure inserts a failure record.
func (p *PG) CreateFailure(ctx context.Context, r *failure.Record) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.RootID == "" {
		r.RootID = r.ID
	}
	if r.Status == "" {
		r.Status = failure.StatusPendingAnalysis
	}
	now := p.now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now

	meta, err := r.Metadata.Encode()
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO failure_records (`+failureColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		r.ID, r.ProjectID, r.DeploymentID, r.Source, r.Logs, r.Status, r.AttemptCount,
		optional(r.ErrorSignature), meta, optional(r.ParentID), r.RootID, now, now,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("create failure record for %s: %w", r.DeploymentID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("create failure record: %w", err)
	}
	return nil
}

// GetFailure returns a failure record by id.
func (p *PG) GetFailure(ctx context.Context, id string) (*failure.Record, error) {
	r, err := pgScanFailure(p.pool.QueryRow(ctx, `SELECT `+failureColumns+` FROM failure_records WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get failure %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get failure: %w", err)
	}
	return r, nil
}

// UpdateFailure reads a record with a row lock, applies fn and writes it back.
func (p *PG) UpdateFailure(ctx context.Context, id string, fn func(*failure.Record)) (*failure.Record, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	r, err := pgScanFailure(tx.QueryRow(ctx, `SELECT `+failureColumns+` FROM failure_records WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update failure %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read failure: %w", err)
	}

	fn(r)
	r.UpdatedAt = p.now().UTC()
	meta, err := r.Metadata.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	_, err = tx.Exec(ctx,
		`UPDATE failure_records SET deployment_id = $1, logs = $2, status = $3, attempt_count = $4,
		   error_signature = $5, metadata = $6, parent_id = $7, updated_at = $8
		 WHERE id = $9`,
		r.DeploymentID, r.Logs, r.Status, r.AttemptCount, optional(r.ErrorSignature), meta,
		optional(r.ParentID), r.UpdatedAt, id,
	)
	if err != nil {
		return nil, fmt.Errorf("update failure: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit failure update: %w", err)
	}
	return r, nil
}

// ListFailures returns records newest first.
func (p *PG) ListFailures(ctx context.Context, f FailureFilter) ([]failure.Record, error) {
	var where []string
	var args []any
	if f.ProjectID != "" {
		args = append(args, f.ProjectID)
		where = append(where, fmt.Sprintf("project_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	q := `SELECT ` + failureColumns + ` FROM failure_records`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	return p.queryFailures(ctx, q, args...)
}

// ListChain returns every record sharing a root, oldest first.
func (p *PG) ListChain(ctx context.Context, rootID string) ([]failure.Record, error) {
	return p.queryFailures(ctx,
		`SELECT `+failureColumns+` FROM failure_records WHERE root_id = $1 ORDER BY created_at, attempt_count`, rootID)
}

// FindFailureByDeployment returns the record created for a deployment, or nil.
func (p *PG) FindFailureByDeployment(ctx context.Context, projectID, deploymentID string) (*failure.Record, error) {
	r, err := pgScanFailure(p.pool.QueryRow(ctx,
		`SELECT `+failureColumns+` FROM failure_records WHERE project_id = $1 AND deployment_id = $2
		 ORDER BY created_at DESC LIMIT 1`, projectID, deploymentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find failure by deployment: %w", err)
	}
	return r, nil
}

func (p *PG) queryFailures(ctx context.Context, q string, args ...any) ([]failure.Record, error) {
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query failures: %w", err)
	}
	defer rows.Close()

	var out []failure.Record
	for rows.Next() {
		r, err := pgScanFailure(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func pgScanAttempt(row pgx.Row) (*failure.FixAttempt, error) {
	var a failure.FixAttempt
	var files []byte
	err := row.Scan(&a.ID, &a.FailureID, &a.RootID, &a.AttemptNumber, &a.PromptRef, &a.RootCause, &a.Explanation,
		&files, &a.FixHash, &a.Branch, &a.CommitRef, &a.DeploymentID, &a.DeploymentURL, &a.Outcome, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(files, &a.Files); err != nil {
		return nil, fmt.Errorf("decode files for attempt %s: %w", a.ID, err)
	}
	return &a, nil
}

// CreateFixAttempt inserts a fix attempt.
func (p *PG) CreateFixAttempt(ctx context.Context, a *failure.FixAttempt) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := p.now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now

	files, err := json.Marshal(a.Files)
	if err != nil {
		return fmt.Errorf("encode files: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO fix_attempts (`+attemptColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		a.ID, a.FailureID, a.RootID, a.AttemptNumber, a.PromptRef, a.RootCause, a.Explanation, files,
		a.FixHash, a.Branch, a.CommitRef, a.DeploymentID, a.DeploymentURL, a.Outcome, now, now,
	)
	if err != nil {
		return fmt.Errorf("create fix attempt: %w", err)
	}
	return nil
}

// UpdateFixAttempt applies fn to an attempt's deployment fields and outcome.
func (p *PG) UpdateFixAttempt(ctx context.Context, id string, fn func(*failure.FixAttempt)) (*failure.FixAttempt, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := pgScanAttempt(tx.QueryRow(ctx, `SELECT `+attemptColumns+` FROM fix_attempts WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update fix attempt %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read fix attempt: %w", err)
	}

	fn(a)
	a.UpdatedAt = p.now().UTC()
	_, err = tx.Exec(ctx,
		`UPDATE fix_attempts SET deployment_id = $1, deployment_url = $2, outcome = $3, updated_at = $4 WHERE id = $5`,
		a.DeploymentID, a.DeploymentURL, a.Outcome, a.UpdatedAt, id,
	)
	if err != nil {
		return nil, fmt.Errorf("update fix attempt: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit fix attempt update: %w", err)
	}
	return a, nil
}

// ListFixAttempts returns the attempts made against one record.
func (p *PG) ListFixAttempts(ctx context.Context, failureID string) ([]failure.FixAttempt, error) {
	return p.queryAttempts(ctx,
		`SELECT `+attemptColumns+` FROM fix_attempts WHERE failure_id = $1 ORDER BY attempt_number`, failureID)
}

// ListChainAttempts returns every attempt in a chain in attempt order.
func (p *PG) ListChainAttempts(ctx context.Context, rootID string) ([]failure.FixAttempt, error) {
	return p.queryAttempts(ctx,
		`SELECT `+attemptColumns+` FROM fix_attempts WHERE root_id = $1 ORDER BY attempt_number`, rootID)
}

// LatestFixAttempt returns the highest-numbered attempt for a record, or nil.
func (p *PG) LatestFixAttempt(ctx context.Context, failureID string) (*failure.FixAttempt, error) {
	a, err := pgScanAttempt(p.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM fix_attempts WHERE failure_id = $1 ORDER BY attempt_number DESC LIMIT 1`, failureID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest fix attempt: %w", err)
	}
	return a, nil
}

func (p *PG) queryAttempts(ctx context.Context, q string, args ...any) ([]failure.FixAttempt, error) {
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query fix attempts: %w", err)
	}
	defer rows.Close()

	var out []failure.FixAttempt
	for rows.Next() {
		a, err := pgScanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fix attempt: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// LogEvent appends an entry to a failure's audit trail.
func (p *PG) LogEvent(ctx context.Context, failureID, event string, attempt int, detail string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO heal_events (failure_id, event, attempt, detail, timestamp) VALUES ($1, $2, $3, $4, $5)`,
		failureID, event, attempt, detail, p.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

// ListEvents returns a failure's audit trail in insertion order.
func (p *PG) ListEvents(ctx context.Context, failureID string) ([]Event, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, failure_id, event, attempt, detail, timestamp FROM heal_events WHERE failure_id = $1 ORDER BY id`,
		failureID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var id int64
		var ts time.Time
		if err := rows.Scan(&id, &e.FailureID, &e.Event, &e.Attempt, &e.Detail, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.ID = int(id)
		e.Timestamp = formatTime(ts)
		events = append(events, e)
	}
	return events, rows.Err()
}

// FindFixAttemptByDeployment returns the attempt that triggered a
// deployment of the project, or nil.
func (p *PG) FindFixAttemptByDeployment(ctx context.Context, projectID, deploymentID string) (*failure.FixAttempt, error) {
	a, err := pgScanAttempt(p.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM fix_attempts
		 WHERE deployment_id = $1 AND failure_id IN (SELECT id FROM failure_records WHERE project_id = $2)
		 ORDER BY created_at DESC LIMIT 1`, deploymentID, projectID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find fix attempt by deployment: %w", err)
	}
	return a, nil
}
