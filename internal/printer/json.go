package printer

import (
	"encoding/json"
	"io"
	"time"

	"github.com/slok/codebroker/internal/model"
)

// JSONPrinter prints broker information in JSON format.
type JSONPrinter struct {
	writer io.Writer
}

// NewJSONPrinter creates a new JSON printer.
func NewJSONPrinter(w io.Writer) *JSONPrinter {
	return &JSONPrinter{writer: w}
}

// taskListItem represents a task in the list output (subset of fields).
type taskListItem struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	RuntimeID   string    `json:"runtime_id"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// taskOutput represents the full task output.
type taskOutput struct {
	ID          string           `json:"id"`
	WorkspaceID string           `json:"workspace_id"`
	RuntimeID   string           `json:"runtime_id"`
	Status      string           `json:"status"`
	TimeoutMs   int64            `json:"timeout_ms"`
	ExitCode    *int             `json:"exit_code,omitempty"`
	Error       string           `json:"error,omitempty"`
	Result      json.RawMessage  `json:"result,omitempty"`
	Stdout      string           `json:"stdout,omitempty"`
	Stderr      string           `json:"stderr,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at"`
	ToolCalls   []toolCallOutput `json:"tool_calls"`
	Approvals   []approvalOutput `json:"approvals"`
}

type toolCallOutput struct {
	CallID     string `json:"call_id"`
	ToolPath   string `json:"tool_path"`
	Status     string `json:"status"`
	ApprovalID string `json:"approval_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

type approvalOutput struct {
	ID         string         `json:"id"`
	TaskID     string         `json:"task_id"`
	CallID     string         `json:"call_id"`
	ToolPath   string         `json:"tool_path"`
	Input      map[string]any `json:"input,omitempty"`
	Status     string         `json:"status"`
	Reason     string         `json:"reason,omitempty"`
	ReviewerID string         `json:"reviewer_id,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ResolvedAt *time.Time     `json:"resolved_at"`
}

type decisionOutput struct {
	Effect       string `json:"effect"`
	ApprovalMode string `json:"approval_mode,omitempty"`
	RuleID       string `json:"rule_id,omitempty"`
}

// messageOutput represents a simple message output.
type messageOutput struct {
	Message string `json:"message"`
}

// PrintTaskList prints tasks in JSON format with a subset of fields.
func (j *JSONPrinter) PrintTaskList(tasks []model.Task) error {
	items := make([]taskListItem, len(tasks))
	for i, t := range tasks {
		items[i] = taskListItem{
			ID:          t.ID,
			WorkspaceID: t.WorkspaceID,
			RuntimeID:   t.RuntimeID,
			Status:      string(t.Status),
			CreatedAt:   t.CreatedAt.UTC(),
		}
	}

	return j.encode(items)
}

// PrintTask prints a task with its tool calls and approvals in JSON format.
func (j *JSONPrinter) PrintTask(task model.Task, calls []model.ToolCall, approvals []model.Approval) error {
	output := taskOutput{
		ID:          task.ID,
		WorkspaceID: task.WorkspaceID,
		RuntimeID:   task.RuntimeID,
		Status:      string(task.Status),
		TimeoutMs:   task.TimeoutMs,
		ExitCode:    task.ExitCode,
		Error:       task.Error,
		Stdout:      task.Stdout,
		Stderr:      task.Stderr,
		CreatedAt:   task.CreatedAt.UTC(),
		StartedAt:   utc(task.StartedAt),
		CompletedAt: utc(task.CompletedAt),
		ToolCalls:   make([]toolCallOutput, 0, len(calls)),
		Approvals:   newApprovalOutputs(approvals),
	}
	if task.Result != "" {
		output.Result = json.RawMessage(task.Result)
	}

	for _, c := range calls {
		output.ToolCalls = append(output.ToolCalls, toolCallOutput{
			CallID:     c.CallID,
			ToolPath:   c.ToolPath,
			Status:     string(c.Status),
			ApprovalID: c.ApprovalID,
			Error:      c.Error,
		})
	}

	return j.encode(output)
}

// PrintApprovalList prints approvals in JSON format.
func (j *JSONPrinter) PrintApprovalList(approvals []model.Approval) error {
	return j.encode(newApprovalOutputs(approvals))
}

// PrintDecision prints a policy decision in JSON format.
func (j *JSONPrinter) PrintDecision(d model.Decision) error {
	return j.encode(decisionOutput{
		Effect:       string(d.Effect),
		ApprovalMode: string(d.ApprovalMode),
		RuleID:       d.RuleID,
	})
}

// PrintMessage prints a simple message in JSON format.
func (j *JSONPrinter) PrintMessage(msg string) error {
	return j.encode(messageOutput{Message: msg})
}

func (j *JSONPrinter) encode(v any) error {
	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newApprovalOutputs(approvals []model.Approval) []approvalOutput {
	out := make([]approvalOutput, 0, len(approvals))
	for _, a := range approvals {
		out = append(out, approvalOutput{
			ID:         a.ID,
			TaskID:     a.TaskID,
			CallID:     a.CallID,
			ToolPath:   a.ToolPath,
			Input:      a.Input,
			Status:     string(a.Status),
			Reason:     a.Reason,
			ReviewerID: a.ReviewerID,
			CreatedAt:  a.CreatedAt.UTC(),
			ResolvedAt: utc(a.ResolvedAt),
		})
	}
	return out
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
