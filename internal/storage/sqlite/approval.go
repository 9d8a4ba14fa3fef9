package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/slok/codebroker/internal/model"
)

const approvalColumns = `
	id, task_id, call_id, tool_path, input, status,
	reason, reviewer_id, created_at, resolved_at
`

// CreateApproval inserts a new approval.
func (r *Repository) CreateApproval(ctx context.Context, a model.Approval) error {
	input, err := marshalInput(a.Input)
	if err != nil {
		return err
	}

	query := `INSERT INTO approvals (` + approvalColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = r.db.ExecContext(ctx, query,
		a.ID, a.TaskID, a.CallID, a.ToolPath, input, a.Status,
		a.Reason, a.ReviewerID, a.CreatedAt.UnixMilli(), nullableTime(a.ResolvedAt),
	)
	if err != nil {
		if isUniqueErr(err) {
			return fmt.Errorf("approval %s: %w", a.ID, model.ErrAlreadyExists)
		}
		return fmt.Errorf("could not insert approval: %w", err)
	}

	r.logger.Debugf("Created approval in repository: %s", a.ID)
	return nil
}

// GetApproval retrieves an approval by ID.
func (r *Repository) GetApproval(ctx context.Context, id string) (*model.Approval, error) {
	a, err := scanApproval(r.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("approval %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query approval: %w", err)
	}

	return &a, nil
}

// ListApprovals returns the approvals in creation order.
func (r *Repository) ListApprovals(ctx context.Context, opts model.ApprovalListOpts) ([]model.Approval, error) {
	var where []string
	var args []any
	if opts.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, opts.TaskID)
	}
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, opts.Status)
	}

	query := `SELECT ` + approvalColumns + ` FROM approvals`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, rowid ASC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("could not query approvals: %w", err)
	}
	defer rows.Close()

	as := []model.Approval{}
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		as = append(as, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return as, nil
}

// ResolveApproval moves a pending approval to approved or denied.
func (r *Repository) ResolveApproval(ctx context.Context, id string, status model.ApprovalStatus, reviewerID, reason string, at time.Time) (*model.Approval, error) {
	if !status.IsResolved() {
		return nil, fmt.Errorf("approval status %s is not a resolution: %w", status, model.ErrNotValid)
	}

	query := `
		UPDATE approvals
		SET status = ?, reviewer_id = ?, reason = ?, resolved_at = ?
		WHERE id = ? AND status = ?
	`
	result, err := r.db.ExecContext(ctx, query, status, reviewerID, reason, at.UnixMilli(), id, model.ApprovalStatusPending)
	if err != nil {
		return nil, fmt.Errorf("could not update approval: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("could not get rows affected: %w", err)
	}

	a, err := r.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, fmt.Errorf("approval %s is already %s: %w", id, a.Status, model.ErrConflict)
	}

	r.logger.Debugf("Resolved approval %s: %s", id, status)
	return a, nil
}

func scanApproval(s scanner) (model.Approval, error) {
	var a model.Approval
	var input string
	var createdAt int64
	var resolvedAt sql.NullInt64

	err := s.Scan(
		&a.ID, &a.TaskID, &a.CallID, &a.ToolPath, &input, &a.Status,
		&a.Reason, &a.ReviewerID, &createdAt, &resolvedAt,
	)
	if err != nil {
		return model.Approval{}, err
	}

	a.Input, err = unmarshalInput(input)
	if err != nil {
		return model.Approval{}, err
	}
	a.CreatedAt = timeFromUnixMilli(createdAt)
	a.ResolvedAt = optionalTime(resolvedAt)

	return a, nil
}
