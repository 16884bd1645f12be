package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/lucasnoah/autoheal/internal/failure"
)

const attemptColumns = `id, failure_id, root_id, attempt_number, prompt_ref, root_cause, explanation, files,
	fix_hash, branch, commit_ref, deployment_id, deployment_url, outcome, created_at, updated_at`

func scanAttempt(row rowScanner) (*failure.FixAttempt, error) {
	var a failure.FixAttempt
	var promptRef, commitRef, deployID, deployURL, outcome sql.NullString
	var files, created, updated string
	err := row.Scan(&a.ID, &a.FailureID, &a.RootID, &a.AttemptNumber, &promptRef, &a.RootCause, &a.Explanation,
		&files, &a.FixHash, &a.Branch, &commitRef, &deployID, &deployURL, &outcome, &created, &updated)
	if err != nil {
		return nil, err
	}
	a.PromptRef = promptRef.String
	a.CommitRef = commitRef.String
	a.DeploymentID = deployID.String
	a.DeploymentURL = deployURL.String
	a.Outcome = outcome.String
	a.CreatedAt = parseTime(created)
	a.UpdatedAt = parseTime(updated)
	if err := json.Unmarshal([]byte(files), &a.Files); err != nil {
		return nil, fmt.Errorf("decode files for attempt %s: %w", a.ID, err)
	}
	return &a, nil
}

// CreateFixAttempt inserts a fix attempt. Attempt numbers are unique per chain.
func (d *DB) CreateFixAttempt(ctx context.Context, a *failure.FixAttempt) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := d.now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now

	files, err := json.Marshal(a.Files)
	if err != nil {
		return fmt.Errorf("encode files: %w", err)
	}
	_, err = d.conn.ExecContext(ctx,
		`INSERT INTO fix_attempts (`+attemptColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.FailureID, a.RootID, a.AttemptNumber, nullString(a.PromptRef), a.RootCause, a.Explanation, string(files),
		a.FixHash, a.Branch, nullString(a.CommitRef), nullString(a.DeploymentID), nullString(a.DeploymentURL),
		nullString(a.Outcome), formatTime(now), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("create fix attempt: %w", err)
	}
	return nil
}

// UpdateFixAttempt applies fn to an attempt inside a transaction. Only the
// deployment fields and outcome are written back.
func (d *DB) UpdateFixAttempt(ctx context.Context, id string, fn func(*failure.FixAttempt)) (*failure.FixAttempt, error) {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	a, err := scanAttempt(tx.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM fix_attempts WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("update fix attempt %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read fix attempt: %w", err)
	}

	fn(a)
	a.UpdatedAt = d.now().UTC()
	_, err = tx.ExecContext(ctx,
		`UPDATE fix_attempts SET deployment_id = ?, deployment_url = ?, outcome = ?, updated_at = ? WHERE id = ?`,
		nullString(a.DeploymentID), nullString(a.DeploymentURL), nullString(a.Outcome), formatTime(a.UpdatedAt), id,
	)
	if err != nil {
		return nil, fmt.Errorf("update fix attempt: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit fix attempt update: %w", err)
	}
	return a, nil
}

// ListFixAttempts returns the attempts made against one record.
func (d *DB) ListFixAttempts(ctx context.Context, failureID string) ([]failure.FixAttempt, error) {
	return d.queryAttempts(ctx,
		`SELECT `+attemptColumns+` FROM fix_attempts WHERE failure_id = ? ORDER BY attempt_number`, failureID)
}

// ListChainAttempts returns every attempt in a chain in attempt order.
func (d *DB) ListChainAttempts(ctx context.Context, rootID string) ([]failure.FixAttempt, error) {
	return d.queryAttempts(ctx,
		`SELECT `+attemptColumns+` FROM fix_attempts WHERE root_id = ? ORDER BY attempt_number`, rootID)
}

// LatestFixAttempt returns the highest-numbered attempt for a record, or
// nil if it has none.
func (d *DB) LatestFixAttempt(ctx context.Context, failureID string) (*failure.FixAttempt, error) {
	row := d.conn.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM fix_attempts WHERE failure_id = ? ORDER BY attempt_number DESC LIMIT 1`, failureID)
	a, err := scanAttempt(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest fix attempt: %w", err)
	}
	return a, nil
}

func (d *DB) queryAttempts(ctx context.Context, q string, args ...any) ([]failure.FixAttempt, error) {
	rows, err := d.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query fix attempts: %w", err)
	}
	defer rows.Close()

	var out []failure.FixAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fix attempt: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// FindFixAttemptByDeployment returns the attempt that triggered a
// deployment of the project, or nil if none did.
func (d *DB) FindFixAttemptByDeployment(ctx context.Context, projectID, deploymentID string) (*failure.FixAttempt, error) {
	row := d.conn.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM fix_attempts
		 WHERE deployment_id = ? AND failure_id IN (SELECT id FROM failure_records WHERE project_id = ?)
		 ORDER BY created_at DESC LIMIT 1`, deploymentID, projectID)
	a, err := scanAttempt(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find fix attempt by deployment: %w", err)
	}
	return a, nil
}
