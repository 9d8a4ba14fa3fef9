package printer

import "github.com/slok/codebroker/internal/model"

// Printer knows how to print broker information in different formats.
type Printer interface {
	PrintTaskList(tasks []model.Task) error
	PrintTask(task model.Task, calls []model.ToolCall, approvals []model.Approval) error
	PrintApprovalList(approvals []model.Approval) error
	PrintDecision(d model.Decision) error
	PrintMessage(msg string) error
}
