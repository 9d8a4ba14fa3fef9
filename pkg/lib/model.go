package lib

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the lifecycle state of a task.
//
// The typical lifecycle is:
//
//	queued -> running -> completed|failed|timed_out|denied
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusTimedOut  TaskStatus = "timed_out"
	TaskStatusDenied    TaskStatus = "denied"
)

// IsTerminal returns true when the task will not change anymore.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusTimedOut, TaskStatusDenied:
		return true
	}
	return false
}

// Task is a submitted piece of code and its outcome.
//
// This is a read-only snapshot of the task at the time of the API call.
type Task struct {
	ID             string     `json:"id"`
	WorkspaceID    string     `json:"workspaceId"`
	AccountID      string     `json:"accountId,omitempty"`
	OrganizationID string     `json:"organizationId,omitempty"`
	ClientID       string     `json:"clientId,omitempty"`
	RuntimeID      string     `json:"runtimeId"`
	Status         TaskStatus `json:"status"`
	TimeoutMs      int64      `json:"timeoutMs"`
	ExitCode       *int       `json:"exitCode,omitempty"`
	Error          string     `json:"error,omitempty"`
	Stdout         string     `json:"stdout,omitempty"`
	Stderr         string     `json:"stderr,omitempty"`
	// Result is the JSON value returned by the code, empty when it returned nothing.
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// TaskDetail is a task with its tool calls and approvals.
type TaskDetail struct {
	Task
	ToolCalls []ToolCall `json:"toolCalls"`
	Approvals []Approval `json:"approvals"`
}

// ToolCallStatus is the state of a brokered tool call.
type ToolCallStatus string

const (
	ToolCallStatusPending   ToolCallStatus = "pending"
	ToolCallStatusCompleted ToolCallStatus = "completed"
	ToolCallStatusFailed    ToolCallStatus = "failed"
	ToolCallStatusDenied    ToolCallStatus = "denied"
)

// ToolCall is one tool call made by a task.
type ToolCall struct {
	CallID      string          `json:"callId"`
	ToolPath    string          `json:"toolPath"`
	Input       map[string]any  `json:"input,omitempty"`
	Status      ToolCallStatus  `json:"status"`
	ApprovalID  string          `json:"approvalId,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// ApprovalStatus is the state of an approval.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusDenied   ApprovalStatus = "denied"
)

// Approval is a human decision a tool call waits on.
type Approval struct {
	ID         string         `json:"id"`
	TaskID     string         `json:"taskId"`
	CallID     string         `json:"callId"`
	ToolPath   string         `json:"toolPath"`
	Input      map[string]any `json:"input,omitempty"`
	Status     ApprovalStatus `json:"status"`
	Reason     string         `json:"reason,omitempty"`
	ReviewerID string         `json:"reviewerId,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	ResolvedAt *time.Time     `json:"resolvedAt,omitempty"`
}

// DecisionEffect is the outcome of a policy evaluation.
type DecisionEffect string

const (
	DecisionEffectAllow           DecisionEffect = "allow"
	DecisionEffectRequireApproval DecisionEffect = "require_approval"
	DecisionEffectDeny            DecisionEffect = "deny"
)

// Decision is the policy decision for a tool call.
type Decision struct {
	Effect       DecisionEffect `json:"effect"`
	ApprovalMode string         `json:"approvalMode,omitempty"`
	// RuleID is the matching rule, empty when no rule matched.
	RuleID string `json:"ruleId,omitempty"`
}
