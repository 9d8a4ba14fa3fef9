package model

import "time"

// ToolCallStatus represents the state of a tool call.
type ToolCallStatus string

const (
	ToolCallStatusPending   ToolCallStatus = "pending"
	ToolCallStatusCompleted ToolCallStatus = "completed"
	ToolCallStatusFailed    ToolCallStatus = "failed"
	ToolCallStatusDenied    ToolCallStatus = "denied"
)

// IsTerminal returns true when the tool call status can't change anymore.
func (s ToolCallStatus) IsTerminal() bool {
	return s == ToolCallStatusCompleted || s == ToolCallStatusFailed || s == ToolCallStatusDenied
}

// ToolCall is an invocation of an external tool made by the task code.
// CallID is scoped to the task and identifies retries of the same invocation.
type ToolCall struct {
	ID         string
	TaskID     string
	CallID     string
	ToolPath   string
	Input      map[string]any
	Status     ToolCallStatus
	ApprovalID string
	// Output is the JSON encoded value returned by the tool.
	Output      string
	Error       string
	CreatedAt   time.Time
	CompletedAt *time.Time
}
