package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/lucasnoah/autoheal/internal/failure"
)

const failureColumns = `id, project_id, deployment_id, source, logs, status, attempt_count,
	error_signature, metadata, parent_id, root_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFailure(row rowScanner) (*failure.Record, error) {
	var r failure.Record
	var sig, parent sql.NullString
	var meta, created, updated string
	err := row.Scan(&r.ID, &r.ProjectID, &r.DeploymentID, &r.Source, &r.Logs, &r.Status, &r.AttemptCount,
		&sig, &meta, &parent, &r.RootID, &created, &updated)
	if err != nil {
		return nil, err
	}
	r.ErrorSignature = sig.String
	r.ParentID = parent.String
	r.CreatedAt = parseTime(created)
	r.UpdatedAt = parseTime(updated)
	if r.Metadata, err = failure.DecodeMetadata(meta); err != nil {
		return nil, fmt.Errorf("decode metadata for %s: %w", r.ID, err)
	}
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// CreateFailure inserts a failure record, assigning an id, root and
// timestamps when they are unset.
func (d *DB) CreateFailure(ctx context.Context, r *failure.Record) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.RootID == "" {
		r.RootID = r.ID
	}
	if r.Status == "" {
		r.Status = failure.StatusPendingAnalysis
	}
	now := d.now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now

	meta, err := r.Metadata.Encode()
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = d.conn.ExecContext(ctx,
		`INSERT INTO failure_records (`+failureColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ProjectID, r.DeploymentID, r.Source, r.Logs, r.Status, r.AttemptCount,
		nullString(r.ErrorSignature), meta, nullString(r.ParentID), r.RootID, formatTime(now), formatTime(now),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("create failure record for %s: %w", r.DeploymentID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("create failure record: %w", err)
	}
	return nil
}

// GetFailure returns a failure record by id.
func (d *DB) GetFailure(ctx context.Context, id string) (*failure.Record, error) {
	row := d.conn.QueryRowContext(ctx, `SELECT `+failureColumns+` FROM failure_records WHERE id = ?`, id)
	r, err := scanFailure(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("get failure %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get failure: %w", err)
	}
	return r, nil
}

// UpdateFailure reads a record, applies fn, and writes it back in one
// transaction. The id, project, root and creation time cannot be changed.
func (d *DB) UpdateFailure(ctx context.Context, id string, fn func(*failure.Record)) (*failure.Record, error) {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	r, err := scanFailure(tx.QueryRowContext(ctx, `SELECT `+failureColumns+` FROM failure_records WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("update failure %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read failure: %w", err)
	}

	fn(r)
	r.UpdatedAt = d.now().UTC()
	meta, err := r.Metadata.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE failure_records SET deployment_id = ?, logs = ?, status = ?, attempt_count = ?,
		   error_signature = ?, metadata = ?, parent_id = ?, updated_at = ?
		 WHERE id = ?`,
		r.DeploymentID, r.Logs, r.Status, r.AttemptCount, nullString(r.ErrorSignature), meta,
		nullString(r.ParentID), formatTime(r.UpdatedAt), id,
	)
	if err != nil {
		return nil, fmt.Errorf("update failure: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit failure update: %w", err)
	}
	return r, nil
}

// FailureFilter narrows ListFailures. Zero values match everything.
type FailureFilter struct {
	ProjectID string
	Status    failure.Status
	Limit     int
}

// ListFailures returns records newest first.
func (d *DB) ListFailures(ctx context.Context, f FailureFilter) ([]failure.Record, error) {
	var where []string
	var args []any
	if f.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	q := `SELECT ` + failureColumns + ` FROM failure_records`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	return d.queryFailures(ctx, q, args...)
}

// ListChain returns every record sharing a root, oldest first.
func (d *DB) ListChain(ctx context.Context, rootID string) ([]failure.Record, error) {
	return d.queryFailures(ctx,
		`SELECT `+failureColumns+` FROM failure_records WHERE root_id = ? ORDER BY created_at, attempt_count`, rootID)
}

// FindFailureByDeployment returns the record created for a deployment, or
// nil if there is none.
func (d *DB) FindFailureByDeployment(ctx context.Context, projectID, deploymentID string) (*failure.Record, error) {
	row := d.conn.QueryRowContext(ctx,
		`SELECT `+failureColumns+` FROM failure_records WHERE project_id = ? AND deployment_id = ?
		 ORDER BY created_at DESC LIMIT 1`, projectID, deploymentID)
	r, err := scanFailure(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find failure by deployment: %w", err)
	}
	return r, nil
}

func (d *DB) queryFailures(ctx context.Context, q string, args ...any) ([]failure.Record, error) {
	rows, err := d.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query failures: %w", err)
	}
	defer rows.Close()

	var out []failure.Record
	for rows.Next() {
		r, err := scanFailure(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}
