package storage

import (
	"context"
	"time"

	"github.com/slok/codebroker/internal/model"
)

// TaskRepository is the interface for task persistence.
type TaskRepository interface {
	CreateTask(ctx context.Context, t model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, opts model.TaskListOpts) ([]model.Task, error)

	// TransitionTask stores t only if the stored task status is still from.
	// Returns model.ErrConflict when the compare-and-set fails.
	TransitionTask(ctx context.Context, from model.TaskStatus, t model.Task) error
}

// ToolCallRepository is the interface for tool call persistence.
type ToolCallRepository interface {
	// CreateToolCall returns model.ErrAlreadyExists if the task already has the call id.
	CreateToolCall(ctx context.Context, tc model.ToolCall) error
	GetToolCall(ctx context.Context, taskID, callID string) (*model.ToolCall, error)
	// ListToolCalls returns the task tool calls in creation order.
	ListToolCalls(ctx context.Context, taskID string) ([]model.ToolCall, error)

	// FinishToolCall sets the terminal status of a pending tool call.
	// Returns model.ErrConflict if the call is already terminal.
	FinishToolCall(ctx context.Context, tc model.ToolCall) error
}

// ApprovalRepository is the interface for approval persistence. Approvals are append only.
type ApprovalRepository interface {
	CreateApproval(ctx context.Context, a model.Approval) error
	GetApproval(ctx context.Context, id string) (*model.Approval, error)
	ListApprovals(ctx context.Context, opts model.ApprovalListOpts) ([]model.Approval, error)

	// ResolveApproval atomically moves a pending approval to approved or denied.
	// Returns model.ErrConflict if the approval was already resolved.
	ResolveApproval(ctx context.Context, id string, status model.ApprovalStatus, reviewerID, reason string, at time.Time) (*model.Approval, error)
}

// PolicyRuleRepository is the interface for policy rule persistence.
type PolicyRuleRepository interface {
	ListPolicyRules(ctx context.Context) ([]model.PolicyRule, error)
	// SavePolicyRule creates or replaces a rule by id.
	SavePolicyRule(ctx context.Context, r model.PolicyRule) error
	DeletePolicyRule(ctx context.Context, id string) error
}

// Repository groups all the record stores.
type Repository interface {
	TaskRepository
	ToolCallRepository
	ApprovalRepository
	PolicyRuleRepository
}
