package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/slok/codebroker/internal/model"
)

const toolCallColumns = `
	id, task_id, call_id, tool_path, input, status,
	approval_id, output, error, created_at, completed_at
`

// CreateToolCall inserts a tool call, keeping the per task creation order.
func (r *Repository) CreateToolCall(ctx context.Context, tc model.ToolCall) error {
	input, err := marshalInput(tc.Input)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxSeq int
	query := `SELECT COALESCE(MAX(sequence), 0) FROM tool_calls WHERE task_id = ?`
	if err := tx.QueryRowContext(ctx, query, tc.TaskID).Scan(&maxSeq); err != nil {
		return fmt.Errorf("could not get max sequence: %w", err)
	}

	insertQuery := `
		INSERT INTO tool_calls (
			id, task_id, call_id, sequence, tool_path, input, status,
			approval_id, output, error, created_at, completed_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, insertQuery,
		tc.ID, tc.TaskID, tc.CallID, maxSeq+1, tc.ToolPath, input, tc.Status,
		tc.ApprovalID, tc.Output, tc.Error, tc.CreatedAt.UnixMilli(), nullableTime(tc.CompletedAt),
	)
	if err != nil {
		switch {
		case isUniqueErr(err):
			return fmt.Errorf("tool call %s on task %s: %w", tc.CallID, tc.TaskID, model.ErrAlreadyExists)
		case strings.Contains(err.Error(), "FOREIGN KEY constraint failed"):
			return fmt.Errorf("task %s: %w", tc.TaskID, model.ErrNotFound)
		}
		return fmt.Errorf("could not insert tool call: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("could not commit transaction: %w", err)
	}

	r.logger.Debugf("Created tool call in repository: %s/%s", tc.TaskID, tc.CallID)
	return nil
}

// GetToolCall retrieves a tool call by its task scoped call ID.
func (r *Repository) GetToolCall(ctx context.Context, taskID, callID string) (*model.ToolCall, error) {
	query := `SELECT ` + toolCallColumns + ` FROM tool_calls WHERE task_id = ? AND call_id = ?`
	tc, err := scanToolCall(r.db.QueryRowContext(ctx, query, taskID, callID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("tool call %s on task %s: %w", callID, taskID, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query tool call: %w", err)
	}

	return &tc, nil
}

// ListToolCalls returns the task tool calls in creation order.
func (r *Repository) ListToolCalls(ctx context.Context, taskID string) ([]model.ToolCall, error) {
	query := `SELECT ` + toolCallColumns + ` FROM tool_calls WHERE task_id = ? ORDER BY sequence ASC`
	rows, err := r.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("could not query tool calls: %w", err)
	}
	defer rows.Close()

	tcs := []model.ToolCall{}
	for rows.Next() {
		tc, err := scanToolCall(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		tcs = append(tcs, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return tcs, nil
}

// FinishToolCall sets the terminal state of a pending tool call.
func (r *Repository) FinishToolCall(ctx context.Context, tc model.ToolCall) error {
	if !tc.Status.IsTerminal() {
		return fmt.Errorf("tool call status %s is not terminal: %w", tc.Status, model.ErrNotValid)
	}

	query := `
		UPDATE tool_calls
		SET status = ?, approval_id = ?, output = ?, error = ?, completed_at = ?
		WHERE task_id = ? AND call_id = ? AND status = ?
	`
	result, err := r.db.ExecContext(ctx, query,
		tc.Status, tc.ApprovalID, tc.Output, tc.Error, nullableTime(tc.CompletedAt),
		tc.TaskID, tc.CallID, model.ToolCallStatusPending,
	)
	if err != nil {
		return fmt.Errorf("could not update tool call: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not get rows affected: %w", err)
	}
	if rows == 0 {
		current, err := r.GetToolCall(ctx, tc.TaskID, tc.CallID)
		if err != nil {
			return err
		}
		return fmt.Errorf("tool call %s on task %s is already %s: %w", tc.CallID, tc.TaskID, current.Status, model.ErrConflict)
	}

	r.logger.Debugf("Finished tool call %s/%s: %s", tc.TaskID, tc.CallID, tc.Status)
	return nil
}

func scanToolCall(s scanner) (model.ToolCall, error) {
	var tc model.ToolCall
	var input string
	var createdAt int64
	var completedAt sql.NullInt64

	err := s.Scan(
		&tc.ID, &tc.TaskID, &tc.CallID, &tc.ToolPath, &input, &tc.Status,
		&tc.ApprovalID, &tc.Output, &tc.Error, &createdAt, &completedAt,
	)
	if err != nil {
		return model.ToolCall{}, err
	}

	tc.Input, err = unmarshalInput(input)
	if err != nil {
		return model.ToolCall{}, err
	}
	tc.CreatedAt = timeFromUnixMilli(createdAt)
	tc.CompletedAt = optionalTime(completedAt)

	return tc, nil
}
