package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lucasnoah/autoheal/internal/failure"
)

// UpsertProject inserts a project or updates its descriptive fields. Lock
// state is left untouched.
func (d *DB) UpsertProject(ctx context.Context, p failure.Project) error {
	if p.BaseBranch == "" {
		p.BaseBranch = "main"
	}
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO projects (id, name, repo, base_branch, platform_project) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, repo = excluded.repo,
		   base_branch = excluded.base_branch, platform_project = excluded.platform_project`,
		p.ID, p.Name, p.Repo, p.BaseBranch, p.PlatformProject,
	)
	if err != nil {
		return fmt.Errorf("upsert project: %w", err)
	}
	return nil
}

const projectColumns = `id, name, repo, base_branch, platform_project, fix_in_progress, lock_owner, locked_at`

func scanProject(row interface{ Scan(...any) error }) (*failure.Project, error) {
	var p failure.Project
	var owner, lockedAt sql.NullString
	if err := row.Scan(&p.ID, &p.Name, &p.Repo, &p.BaseBranch, &p.PlatformProject, &p.FixInProgress, &owner, &lockedAt); err != nil {
		return nil, err
	}
	p.LockOwner = owner.String
	if lockedAt.Valid {
		t := parseTime(lockedAt.String)
		p.LockedAt = &t
	}
	return &p, nil
}

// GetProject returns a project by id.
func (d *DB) GetProject(ctx context.Context, id string) (*failure.Project, error) {
	row := d.conn.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("get project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

// ListProjects returns every project ordered by id.
func (d *DB) ListProjects(ctx context.Context) ([]failure.Project, error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []failure.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

// TryLockProject sets the fix-in-progress flag if it is clear, or if the
// current holder took it before staleBefore. It is a single conditional
// UPDATE, so two callers can never both succeed.
func (d *DB) TryLockProject(ctx context.Context, projectID, owner string, staleBefore time.Time) (bool, error) {
	res, err := d.conn.ExecContext(ctx,
		`UPDATE projects SET fix_in_progress = TRUE, lock_owner = ?, locked_at = ?
		 WHERE id = ? AND (fix_in_progress = FALSE OR locked_at IS NULL OR locked_at < ?)`,
		owner, d.stamp(), projectID, formatTime(staleBefore),
	)
	if err != nil {
		return false, fmt.Errorf("lock project: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("lock project: %w", err)
	}
	return n == 1, nil
}

// UnlockProject clears the fix-in-progress flag if owner still holds it.
// Unlocking an unlocked, taken-over or unknown project is not an error.
func (d *DB) UnlockProject(ctx context.Context, projectID, owner string) error {
	_, err := d.conn.ExecContext(ctx,
		`UPDATE projects SET fix_in_progress = FALSE, lock_owner = NULL, locked_at = NULL
		 WHERE id = ? AND lock_owner = ?`,
		projectID, owner,
	)
	if err != nil {
		return fmt.Errorf("unlock project: %w", err)
	}
	return nil
}

// ForceUnlockProject clears the fix-in-progress flag whoever holds it.
func (d *DB) ForceUnlockProject(ctx context.Context, projectID string) error {
	_, err := d.conn.ExecContext(ctx,
		`UPDATE projects SET fix_in_progress = FALSE, lock_owner = NULL, locked_at = NULL WHERE id = ?`,
		projectID,
	)
	if err != nil {
		return fmt.Errorf("force unlock project: %w", err)
	}
	return nil
}
