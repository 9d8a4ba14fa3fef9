package model

import (
	"fmt"
	"time"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	// TaskStatusQueued is the only legal initial state.
	TaskStatusQueued TaskStatus = "queued"
	// TaskStatusRunning indicates an execution adapter is running the task code.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusCompleted indicates the code finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the code, the adapter or the dispatch failed.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusTimedOut indicates the task exhausted its timeout budget.
	TaskStatusTimedOut TaskStatus = "timed_out"
	// TaskStatusDenied indicates the task ended due to an approval denial.
	TaskStatusDenied TaskStatus = "denied"
)

// IsTerminal returns true when no further transitions are allowed.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusTimedOut, TaskStatusDenied:
		return true
	}
	return false
}

// CanTransition returns true if the state machine allows moving from s to next.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case TaskStatusQueued:
		return next == TaskStatusRunning || next == TaskStatusFailed
	case TaskStatusRunning:
		return next.IsTerminal()
	}
	return false
}

// Task is one request to execute submitted code in a sandbox.
type Task struct {
	ID             string
	WorkspaceID    string
	AccountID      string
	OrganizationID string
	ClientID       string
	Code           string
	RuntimeID      string
	Status         TaskStatus
	TimeoutMs      int64
	ExitCode       *int
	Error          string
	Stdout         string
	Stderr         string
	// Result is the JSON encoded value returned by the task code.
	Result      string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Timeout returns the task timeout budget as a duration.
func (t Task) Timeout() time.Duration {
	return time.Duration(t.TimeoutMs) * time.Millisecond
}

// Requestor returns the identity the policy engine scopes rules with.
func (t Task) Requestor() Requestor {
	return Requestor{
		AccountID:      t.AccountID,
		WorkspaceID:    t.WorkspaceID,
		OrganizationID: t.OrganizationID,
	}
}

// Validate validates a task submission.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required: %w", ErrNotValid)
	}
	if t.WorkspaceID == "" {
		return fmt.Errorf("workspace id is required: %w", ErrNotValid)
	}
	if t.Code == "" {
		return fmt.Errorf("code is required: %w", ErrNotValid)
	}
	if t.RuntimeID == "" {
		return fmt.Errorf("runtime id is required: %w", ErrNotValid)
	}
	if t.TimeoutMs <= 0 {
		return fmt.Errorf("timeout must be positive: %w", ErrNotValid)
	}
	if t.Status != TaskStatusQueued {
		return fmt.Errorf("tasks must be created as %s, got %s: %w", TaskStatusQueued, t.Status, ErrNotValid)
	}
	return nil
}

// TaskListOpts filters task listings.
type TaskListOpts struct {
	WorkspaceID string
	Status      TaskStatus
	// CreatedBefore keeps only the tasks created before it when set.
	CreatedBefore time.Time
	// OldestFirst sorts by creation time ascending, newest first otherwise.
	OldestFirst bool
	Limit       int
}
