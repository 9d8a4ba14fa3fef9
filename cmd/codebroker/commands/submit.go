package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/codebroker/internal/app/submit"
	"github.com/slok/codebroker/internal/conventions"
	"github.com/slok/codebroker/internal/metrics"
	"github.com/slok/codebroker/internal/model"
	"github.com/slok/codebroker/internal/runtime"
)

type SubmitCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand
	broker  *brokerFlags

	workspaceID string
	accountID   string
	orgID       string
	clientID    string
	code        string
	file        string
	runtimeID   string
	timeout     time.Duration
	mode        string
	format      string
}

// NewSubmitCommand returns the submit command.
func NewSubmitCommand(rootCmd *RootCommand, app *kingpin.Application) *SubmitCommand {
	c := &SubmitCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("submit", "Submit task code.")
	c.Cmd.Flag("workspace", "Workspace of the task.").Required().StringVar(&c.workspaceID)
	c.Cmd.Flag("account", "Account of the task.").StringVar(&c.accountID)
	c.Cmd.Flag("organization", "Organization of the task.").StringVar(&c.orgID)
	c.Cmd.Flag("client", "Client submitting the task.").StringVar(&c.clientID)
	c.Cmd.Flag("code", "Task code.").Short('c').StringVar(&c.code)
	c.Cmd.Flag("file", "File with the task code, - reads stdin.").Short('f').StringVar(&c.file)
	c.Cmd.Flag("runtime-id", "Runtime of the task.").Default(runtime.IDInProcess).StringVar(&c.runtimeID)
	c.Cmd.Flag("timeout", "Task timeout.").Default(conventions.DefaultTaskTimeout.String()).DurationVar(&c.timeout)
	c.Cmd.Flag("mode", "sync runs the task here and waits, queue leaves it to a running server.").Default(string(submit.ModeSync)).EnumVar(&c.mode, string(submit.ModeSync), string(submit.ModeQueue))
	c.Cmd.Flag("format", "Output format (table, json).").Default(formatTable).EnumVar(&c.format, formatTable, formatJSON)
	c.broker = registerBrokerFlags(c.Cmd)

	return c
}

func (c SubmitCommand) Name() string { return c.Cmd.FullCommand() }

func (c SubmitCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	code, err := c.readCode()
	if err != nil {
		return err
	}

	st, err := buildStack(ctx, c.rootCmd, c.broker, metrics.Noop)
	if err != nil {
		return err
	}
	defer st.Close()

	svc, err := submit.NewService(submit.ServiceConfig{
		Repository:       st.repo,
		Dispatcher:       st.dispatcher,
		DefaultRuntimeID: runtime.IDInProcess,
		MaxTimeout:       conventions.MaxTaskTimeout,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("could not create service: %w", err)
	}

	task, err := svc.Submit(ctx, submit.Request{
		WorkspaceID:    c.workspaceID,
		AccountID:      c.accountID,
		OrganizationID: c.orgID,
		ClientID:       c.clientID,
		Code:           code,
		RuntimeID:      c.runtimeID,
		Timeout:        c.timeout,
		Mode:           submit.Mode(c.mode),
	})
	if err != nil {
		return fmt.Errorf("could not submit task: %w", err)
	}

	calls, err := st.repo.ListToolCalls(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("could not list tool calls: %w", err)
	}
	approvals, err := st.repo.ListApprovals(ctx, model.ApprovalListOpts{TaskID: task.ID})
	if err != nil {
		return fmt.Errorf("could not list approvals: %w", err)
	}

	if err := c.rootCmd.printer(c.format).PrintTask(*task, calls, approvals); err != nil {
		return fmt.Errorf("could not print task: %w", err)
	}

	if task.Status.IsTerminal() && task.Status != model.TaskStatusCompleted {
		return fmt.Errorf("task %s %s", task.ID, task.Status)
	}

	return nil
}

func (c SubmitCommand) readCode() (string, error) {
	switch {
	case c.code != "" && c.file != "":
		return "", fmt.Errorf("--code and --file are mutually exclusive")
	case c.code != "":
		return c.code, nil
	case c.file == "-":
		data, err := io.ReadAll(c.rootCmd.Stdin)
		if err != nil {
			return "", fmt.Errorf("could not read code from stdin: %w", err)
		}
		return string(data), nil
	case c.file != "":
		data, err := os.ReadFile(c.file)
		if err != nil {
			return "", fmt.Errorf("could not read code file: %w", err)
		}
		return string(data), nil
	}
	return "", fmt.Errorf("--code or --file is required")
}
