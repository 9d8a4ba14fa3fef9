package printer

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/slok/codebroker/internal/model"
)

// TablePrinter prints broker information in a table format.
type TablePrinter struct {
	writer io.Writer
}

// NewTablePrinter creates a new table printer.
func NewTablePrinter(w io.Writer) *TablePrinter {
	return &TablePrinter{writer: w}
}

// PrintTaskList prints tasks in a table format.
func (t *TablePrinter) PrintTaskList(tasks []model.Task) error {
	if len(tasks) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "ID\tWORKSPACE\tRUNTIME\tSTATUS\tDURATION\tCREATED")
	for _, tk := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", tk.ID, tk.WorkspaceID, tk.RuntimeID, tk.Status, Elapsed(tk.StartedAt, tk.CompletedAt), TimeAgo(tk.CreatedAt))
	}

	return nil
}

// PrintTask prints detailed task status.
func (t *TablePrinter) PrintTask(task model.Task, calls []model.ToolCall, approvals []model.Approval) error {
	fmt.Fprintf(t.writer, "ID:         %s\n", task.ID)
	fmt.Fprintf(t.writer, "Workspace:  %s\n", task.WorkspaceID)
	fmt.Fprintf(t.writer, "Runtime:    %s\n", task.RuntimeID)
	fmt.Fprintf(t.writer, "Status:     %s\n", task.Status)
	fmt.Fprintf(t.writer, "Timeout:    %s\n", task.Timeout())
	fmt.Fprintf(t.writer, "Created:    %s\n", FormatTimestamp(task.CreatedAt))

	if task.StartedAt != nil {
		fmt.Fprintf(t.writer, "Started:    %s\n", FormatTimestamp(*task.StartedAt))
	}
	if task.CompletedAt != nil {
		fmt.Fprintf(t.writer, "Completed:  %s (%s)\n", FormatTimestamp(*task.CompletedAt), Elapsed(task.StartedAt, task.CompletedAt))
	}
	if task.ExitCode != nil {
		fmt.Fprintf(t.writer, "Exit code:  %d\n", *task.ExitCode)
	}
	if task.Error != "" {
		fmt.Fprintf(t.writer, "Error:      %s\n", task.Error)
	}
	if task.Result != "" {
		fmt.Fprintf(t.writer, "Result:     %s\n", Truncate(task.Result, 200))
	}

	if len(calls) > 0 {
		fmt.Fprintf(t.writer, "\nTool calls:\n")
		tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "  CALL\tTOOL\tSTATUS\tAPPROVAL\tERROR")
		for _, c := range calls {
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\n", c.CallID, c.ToolPath, c.Status, orDash(c.ApprovalID), orDash(Truncate(c.Error, 60)))
		}
		tw.Flush()
	}

	if len(approvals) > 0 {
		fmt.Fprintf(t.writer, "\nApprovals:\n")
		tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "  ID\tTOOL\tSTATUS\tREVIEWER")
		for _, a := range approvals {
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", a.ID, a.ToolPath, a.Status, orDash(a.ReviewerID))
		}
		tw.Flush()
	}

	if task.Stdout != "" {
		fmt.Fprintf(t.writer, "\nStdout:\n%s", task.Stdout)
	}
	if task.Stderr != "" {
		fmt.Fprintf(t.writer, "\nStderr:\n%s", task.Stderr)
	}

	return nil
}

// PrintApprovalList prints approvals in a table format.
func (t *TablePrinter) PrintApprovalList(approvals []model.Approval) error {
	if len(approvals) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "ID\tTASK\tCALL\tTOOL\tSTATUS\tCREATED")
	for _, a := range approvals {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", a.ID, a.TaskID, a.CallID, a.ToolPath, a.Status, TimeAgo(a.CreatedAt))
	}

	return nil
}

// PrintDecision prints a policy decision.
func (t *TablePrinter) PrintDecision(d model.Decision) error {
	fmt.Fprintf(t.writer, "Effect:     %s\n", d.Effect)
	fmt.Fprintf(t.writer, "Approval:   %s\n", orDash(string(d.ApprovalMode)))
	fmt.Fprintf(t.writer, "Rule:       %s\n", orDash(d.RuleID))
	return nil
}

// PrintMessage prints a simple text message.
func (t *TablePrinter) PrintMessage(msg string) error {
	fmt.Fprintln(t.writer, msg)
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
