package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a deployment already has a detected
	// failure record.
	ErrDuplicate = errors.New("duplicate failure record")
)

// timeLayout is fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// DB wraps the SQLite database connection.
type DB struct {
	conn *sql.DB
	path string
	now  func() time.Time
}

// DefaultDBPath returns ~/.autoheal/autoheal.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	dir := filepath.Join(home, ".autoheal")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create directory %s: %w", dir, err)
	}
	return filepath.Join(dir, "autoheal.db"), nil
}

// Open opens or creates the database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	return &DB{conn: conn, path: path, now: time.Now}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Conn returns the underlying *sql.DB for advanced queries.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

func (d *DB) stamp() string {
	return formatTime(d.now())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS projects (
    id               TEXT PRIMARY KEY,
    name             TEXT NOT NULL,
    repo             TEXT NOT NULL,
    base_branch      TEXT NOT NULL DEFAULT 'main',
    platform_project TEXT NOT NULL DEFAULT '',
    fix_in_progress  BOOLEAN NOT NULL DEFAULT FALSE,
    lock_owner       TEXT,
    locked_at        TEXT
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
    metadata        TEXT NOT NULL DEFAULT '{}',
    parent_id       TEXT,
    root_id         TEXT NOT NULL,
    created_at      TEXT NOT NULL,
    updated_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_failure_project ON failure_records(project_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_failure_root ON failure_records(root_id, created_at);
CREATE INDEX IF NOT EXISTS idx_failure_deployment ON failure_records(project_id, deployment_id);

CREATE TABLE IF NOT EXISTS fix_attempts (
    id             TEXT PRIMARY KEY,
    failure_id     TEXT NOT NULL REFERENCES failure_records(id),
    root_id        TEXT NOT NULL,
    attempt_number INTEGER NOT NULL,
    prompt_ref     TEXT,
    root_cause     TEXT NOT NULL DEFAULT '',
    explanation    TEXT NOT NULL DEFAULT '',
    files          TEXT NOT NULL DEFAULT '[]',
    fix_hash       TEXT NOT NULL DEFAULT '',
    branch         TEXT NOT NULL DEFAULT '',
    commit_ref     TEXT,
    deployment_id  TEXT,
    deployment_url TEXT,
    outcome        TEXT CHECK(outcome IS NULL OR outcome IN ('success','failed','timeout')),
    created_at     TEXT NOT NULL,
    updated_at     TEXT NOT NULL,
    UNIQUE(root_id, attempt_number)
);
CREATE INDEX IF NOT EXISTS idx_attempt_failure ON fix_attempts(failure_id, attempt_number);

CREATE TABLE IF NOT EXISTS heal_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    failure_id  TEXT NOT NULL,
    event       TEXT NOT NULL,
    attempt     INTEGER,
    detail      TEXT,
    timestamp   TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_event_failure ON heal_events(failure_id, id);
`

// schemaV2 makes a deployment's detected failure unique so that two
// triggers racing on the same deployment cannot both create a chain.
const schemaV2 = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_failure_detected_deployment
    ON failure_records(project_id, deployment_id)
    WHERE source = 'monitor_detected' AND deployment_id <> '';
`

var migrations = []struct {
	version int
	ddl     string
}{
	{1, schemaV1},
	{2, schemaV2},
}

// Migrate applies every schema version not yet recorded.
func (d *DB) Migrate() error {
	if _, err := d.conn.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL DEFAULT (datetime('now'))
)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	for _, m := range migrations {
		var count int
		if err := d.conn.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", m.version).Scan(&count); err != nil {
			return fmt.Errorf("check schema v%d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}
		if err := d.apply(m.version, m.ddl); err != nil {
			return err
		}
	}
	return nil
}

func (d *DB) apply(version int, ddl string) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(ddl); err != nil {
		return fmt.Errorf("apply schema v%d: %w", version, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

// Reset drops all tables and re-applies the schema.
func (d *DB) Reset() error {
	tables := []string{"heal_events", "fix_attempts", "failure_records", "projects", "schema_version"}
	for _, t := range tables {
		if _, err := d.conn.Exec("DROP TABLE IF EXISTS " + t); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return d.Migrate()
}

// Ping verifies the connection is usable.
func (d *DB) Ping(ctx context.Context) error {
	return d.conn.PingContext(ctx)
}
