package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/codebroker/internal/app/inspect"
	"github.com/slok/codebroker/internal/model"
)

type StatusCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	taskID       string
	workspaceID  string
	statusFilter string
	limit        int
	format       string
}

// NewStatusCommand returns the status command.
func NewStatusCommand(rootCmd *RootCommand, app *kingpin.Application) *StatusCommand {
	c := &StatusCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("status", "Show a task or list the tasks.")
	c.Cmd.Arg("task-id", "Task to show, all tasks are listed when missing.").StringVar(&c.taskID)
	c.Cmd.Flag("workspace", "Filter the list by workspace.").StringVar(&c.workspaceID)
	c.Cmd.Flag("status", "Filter the list by status (queued, running, completed, failed, timed_out, denied).").StringVar(&c.statusFilter)
	c.Cmd.Flag("limit", "Max tasks listed.").Default("50").IntVar(&c.limit)
	c.Cmd.Flag("format", "Output format (table, json).").Default(formatTable).EnumVar(&c.format, formatTable, formatJSON)

	return c
}

func (c StatusCommand) Name() string { return c.Cmd.FullCommand() }

func (c StatusCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	status := model.TaskStatus(c.statusFilter)
	switch status {
	case "", model.TaskStatusQueued, model.TaskStatusRunning, model.TaskStatusCompleted, model.TaskStatusFailed, model.TaskStatusTimedOut, model.TaskStatusDenied:
	default:
		return fmt.Errorf("invalid status filter: %s", c.statusFilter)
	}

	repo, err := c.rootCmd.repository(ctx)
	if err != nil {
		return err
	}
	defer repo.Close()

	svc, err := inspect.NewService(inspect.ServiceConfig{Repository: repo, Logger: logger})
	if err != nil {
		return fmt.Errorf("could not create service: %w", err)
	}

	p := c.rootCmd.printer(c.format)

	if c.taskID == "" {
		tasks, err := svc.List(ctx, model.TaskListOpts{WorkspaceID: c.workspaceID, Status: status, Limit: c.limit})
		if err != nil {
			return fmt.Errorf("could not list tasks: %w", err)
		}
		return p.PrintTaskList(tasks)
	}

	d, err := svc.Get(ctx, c.taskID)
	if err != nil {
		return fmt.Errorf("could not get task: %w", err)
	}
	return p.PrintTask(d.Task, d.ToolCalls, d.Approvals)
}
