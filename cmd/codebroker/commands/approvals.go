package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/codebroker/internal/app/resolve"
	"github.com/slok/codebroker/internal/approval"
	"github.com/slok/codebroker/internal/metrics"
	"github.com/slok/codebroker/internal/model"
	"github.com/slok/codebroker/internal/notify"
	notifyredis "github.com/slok/codebroker/internal/notify/redis"
)

type ApprovalsCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	taskID       string
	statusFilter string
	format       string
}

// NewApprovalsCommand returns the approvals command.
func NewApprovalsCommand(rootCmd *RootCommand, app *kingpin.Application) *ApprovalsCommand {
	c := &ApprovalsCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("approvals", "List the tool call approvals.")
	c.Cmd.Flag("task", "Filter by task.").StringVar(&c.taskID)
	c.Cmd.Flag("status", "Filter by status (pending, approved, denied, all).").Default(string(model.ApprovalStatusPending)).EnumVar(&c.statusFilter,
		string(model.ApprovalStatusPending), string(model.ApprovalStatusApproved), string(model.ApprovalStatusDenied), "all")
	c.Cmd.Flag("format", "Output format (table, json).").Default(formatTable).EnumVar(&c.format, formatTable, formatJSON)

	return c
}

func (c ApprovalsCommand) Name() string { return c.Cmd.FullCommand() }

func (c ApprovalsCommand) Run(ctx context.Context) error {
	repo, err := c.rootCmd.repository(ctx)
	if err != nil {
		return err
	}
	defer repo.Close()

	opts := model.ApprovalListOpts{TaskID: c.taskID}
	if c.statusFilter != "all" {
		opts.Status = model.ApprovalStatus(c.statusFilter)
	}
	approvals, err := repo.ListApprovals(ctx, opts)
	if err != nil {
		return fmt.Errorf("could not list approvals: %w", err)
	}

	return c.rootCmd.printer(c.format).PrintApprovalList(approvals)
}

type ResolveCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand
	approve bool

	approvalID string
	reviewerID string
	reason     string
	redisURL   string
	format     string
}

// NewApproveCommand returns the approve command.
func NewApproveCommand(rootCmd *RootCommand, app *kingpin.Application) *ResolveCommand {
	return newResolveCommand(rootCmd, app.Command("approve", "Approve a pending tool call."), true)
}

// NewDenyCommand returns the deny command.
func NewDenyCommand(rootCmd *RootCommand, app *kingpin.Application) *ResolveCommand {
	return newResolveCommand(rootCmd, app.Command("deny", "Deny a pending tool call."), false)
}

func newResolveCommand(rootCmd *RootCommand, cmd *kingpin.CmdClause, approve bool) *ResolveCommand {
	c := &ResolveCommand{rootCmd: rootCmd, Cmd: cmd, approve: approve}

	c.Cmd.Arg("approval-id", "Approval to resolve.").Required().StringVar(&c.approvalID)
	c.Cmd.Flag("reviewer", "Reviewer resolving the approval.").Required().StringVar(&c.reviewerID)
	c.Cmd.Flag("reason", "Reason of the decision.").StringVar(&c.reason)
	c.Cmd.Flag("redis-url", "Redis URL to notify the waiting tool call right away.").StringVar(&c.redisURL)
	c.Cmd.Flag("format", "Output format (table, json).").Default(formatTable).EnumVar(&c.format, formatTable, formatJSON)

	return c
}

func (c ResolveCommand) Name() string { return c.Cmd.FullCommand() }

func (c ResolveCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	repo, err := c.rootCmd.repository(ctx)
	if err != nil {
		return err
	}
	defer repo.Close()

	var notifier notify.Notifier = notify.Noop
	if c.redisURL != "" {
		n, err := notifyredis.NewNotifier(notifyredis.NotifierConfig{URL: c.redisURL, Logger: logger})
		if err != nil {
			return fmt.Errorf("could not create redis notifier: %w", err)
		}
		defer n.Close()
		notifier = n
	}

	resolver, err := approval.NewResolver(approval.ResolverConfig{Repository: repo, Notifier: notifier, Logger: logger})
	if err != nil {
		return fmt.Errorf("could not create approval resolver: %w", err)
	}
	svc, err := resolve.NewService(resolve.ServiceConfig{Resolver: resolver, Repository: repo, Metrics: metrics.Noop, Logger: logger})
	if err != nil {
		return fmt.Errorf("could not create service: %w", err)
	}

	a, err := svc.Resolve(ctx, resolve.Request{
		ApprovalID: c.approvalID,
		Approve:    c.approve,
		ReviewerID: c.reviewerID,
		Reason:     c.reason,
	})
	if err != nil {
		return fmt.Errorf("could not resolve approval: %w", err)
	}

	return c.rootCmd.printer(c.format).PrintMessage(fmt.Sprintf("Approval %s %s", a.ID, a.Status))
}
