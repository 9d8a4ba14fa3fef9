package httpapi

import (
	"encoding/json"
	"time"

	"github.com/slok/codebroker/internal/app/inspect"
	"github.com/slok/codebroker/internal/model"
)

type submitTaskRequest struct {
	WorkspaceID    string `json:"workspaceId"`
	AccountID      string `json:"accountId"`
	OrganizationID string `json:"organizationId"`
	ClientID       string `json:"clientId"`
	Code           string `json:"code"`
	RuntimeID      string `json:"runtimeId"`
	TimeoutMs      int64  `json:"timeoutMs"`
	// Mode is queue, sync or async (default).
	Mode string `json:"mode"`
}

type resolveApprovalRequest struct {
	ReviewerID string `json:"reviewerId"`
	Reason     string `json:"reason"`
}

type evaluatePolicyRequest struct {
	ToolPath       string         `json:"toolPath"`
	Input          map[string]any `json:"input"`
	WorkspaceID    string         `json:"workspaceId"`
	AccountID      string         `json:"accountId"`
	OrganizationID string         `json:"organizationId"`
	ClientID       string         `json:"clientId"`
}

type taskView struct {
	ID             string           `json:"id"`
	WorkspaceID    string           `json:"workspaceId"`
	AccountID      string           `json:"accountId,omitempty"`
	OrganizationID string           `json:"organizationId,omitempty"`
	ClientID       string           `json:"clientId,omitempty"`
	RuntimeID      string           `json:"runtimeId"`
	Status         model.TaskStatus `json:"status"`
	TimeoutMs      int64            `json:"timeoutMs"`
	ExitCode       *int             `json:"exitCode,omitempty"`
	Error          string           `json:"error,omitempty"`
	Stdout         string           `json:"stdout,omitempty"`
	Stderr         string           `json:"stderr,omitempty"`
	Result         json.RawMessage  `json:"result,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	StartedAt      *time.Time       `json:"startedAt,omitempty"`
	CompletedAt    *time.Time       `json:"completedAt,omitempty"`
}

func newTaskView(t model.Task) taskView {
	v := taskView{
		ID:             t.ID,
		WorkspaceID:    t.WorkspaceID,
		AccountID:      t.AccountID,
		OrganizationID: t.OrganizationID,
		ClientID:       t.ClientID,
		RuntimeID:      t.RuntimeID,
		Status:         t.Status,
		TimeoutMs:      t.TimeoutMs,
		ExitCode:       t.ExitCode,
		Error:          t.Error,
		Stdout:         t.Stdout,
		Stderr:         t.Stderr,
		CreatedAt:      t.CreatedAt,
		StartedAt:      t.StartedAt,
		CompletedAt:    t.CompletedAt,
	}
	if t.Result != "" {
		v.Result = json.RawMessage(t.Result)
	}
	return v
}

type toolCallView struct {
	CallID      string               `json:"callId"`
	ToolPath    string               `json:"toolPath"`
	Input       map[string]any       `json:"input,omitempty"`
	Status      model.ToolCallStatus `json:"status"`
	ApprovalID  string               `json:"approvalId,omitempty"`
	Output      json.RawMessage      `json:"output,omitempty"`
	Error       string               `json:"error,omitempty"`
	CreatedAt   time.Time            `json:"createdAt"`
	CompletedAt *time.Time           `json:"completedAt,omitempty"`
}

func newToolCallView(tc model.ToolCall) toolCallView {
	v := toolCallView{
		CallID:      tc.CallID,
		ToolPath:    tc.ToolPath,
		Input:       tc.Input,
		Status:      tc.Status,
		ApprovalID:  tc.ApprovalID,
		Error:       tc.Error,
		CreatedAt:   tc.CreatedAt,
		CompletedAt: tc.CompletedAt,
	}
	if tc.Output != "" {
		v.Output = json.RawMessage(tc.Output)
	}
	return v
}

type approvalView struct {
	ID         string               `json:"id"`
	TaskID     string               `json:"taskId"`
	CallID     string               `json:"callId"`
	ToolPath   string               `json:"toolPath"`
	Input      map[string]any       `json:"input,omitempty"`
	Status     model.ApprovalStatus `json:"status"`
	Reason     string               `json:"reason,omitempty"`
	ReviewerID string               `json:"reviewerId,omitempty"`
	CreatedAt  time.Time            `json:"createdAt"`
	ResolvedAt *time.Time           `json:"resolvedAt,omitempty"`
}

func newApprovalView(a model.Approval) approvalView {
	return approvalView{
		ID:         a.ID,
		TaskID:     a.TaskID,
		CallID:     a.CallID,
		ToolPath:   a.ToolPath,
		Input:      a.Input,
		Status:     a.Status,
		Reason:     a.Reason,
		ReviewerID: a.ReviewerID,
		CreatedAt:  a.CreatedAt,
		ResolvedAt: a.ResolvedAt,
	}
}

func newApprovalViews(as []model.Approval) []approvalView {
	vs := make([]approvalView, 0, len(as))
	for _, a := range as {
		vs = append(vs, newApprovalView(a))
	}
	return vs
}

type taskDetailView struct {
	taskView
	ToolCalls []toolCallView `json:"toolCalls"`
	Approvals []approvalView `json:"approvals"`
}

func newTaskDetailView(d inspect.TaskDetail) taskDetailView {
	v := taskDetailView{
		taskView:  newTaskView(d.Task),
		ToolCalls: make([]toolCallView, 0, len(d.ToolCalls)),
		Approvals: newApprovalViews(d.Approvals),
	}
	for _, tc := range d.ToolCalls {
		v.ToolCalls = append(v.ToolCalls, newToolCallView(tc))
	}
	return v
}

type decisionView struct {
	Effect       model.DecisionEffect `json:"effect"`
	ApprovalMode model.ApprovalMode   `json:"approvalMode,omitempty"`
	RuleID       string               `json:"ruleId,omitempty"`
}
