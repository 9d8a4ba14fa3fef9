package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/codebroker/internal/app/evaluate"
	"github.com/slok/codebroker/internal/model"
	"github.com/slok/codebroker/internal/policy"
	"github.com/slok/codebroker/internal/tool"
)

type PolicyEvalCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	toolPath    string
	input       string
	workspaceID string
	accountID   string
	orgID       string
	clientID    string
	catalogFile string
	format      string
}

// NewPolicyEvalCommand returns the policy eval command.
func NewPolicyEvalCommand(rootCmd *RootCommand, policyCmd *kingpin.CmdClause) *PolicyEvalCommand {
	c := &PolicyEvalCommand{rootCmd: rootCmd}

	c.Cmd = policyCmd.Command("eval", "Show the decision the broker would take for a tool call.")
	c.Cmd.Arg("tool-path", "Tool path, e.g. github.repos.delete.").Required().StringVar(&c.toolPath)
	c.Cmd.Flag("input", "Tool call input as a JSON object.").StringVar(&c.input)
	c.Cmd.Flag("workspace", "Requestor workspace.").StringVar(&c.workspaceID)
	c.Cmd.Flag("account", "Requestor account.").StringVar(&c.accountID)
	c.Cmd.Flag("organization", "Requestor organization.").StringVar(&c.orgID)
	c.Cmd.Flag("client", "Requestor client.").StringVar(&c.clientID)
	c.Cmd.Flag("catalog-file", "YAML tool catalog file.").Required().StringVar(&c.catalogFile)
	c.Cmd.Flag("format", "Output format (table, json).").Default(formatTable).EnumVar(&c.format, formatTable, formatJSON)

	return c
}

func (c PolicyEvalCommand) Name() string { return c.Cmd.FullCommand() }

func (c PolicyEvalCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	var input map[string]any
	if c.input != "" {
		if err := json.Unmarshal([]byte(c.input), &input); err != nil {
			return fmt.Errorf("invalid --input JSON object: %w", err)
		}
	}

	repo, err := c.rootCmd.repository(ctx)
	if err != nil {
		return err
	}
	defer repo.Close()

	sources, err := loadCatalog(ctx, c.catalogFile)
	if err != nil {
		return err
	}
	catalog, err := tool.NewCatalog(sources)
	if err != nil {
		return fmt.Errorf("invalid tool catalog: %w", err)
	}
	policySvc, err := policy.NewService(policy.ServiceConfig{Repository: repo, Logger: logger})
	if err != nil {
		return fmt.Errorf("could not create policy service: %w", err)
	}
	svc, err := evaluate.NewService(evaluate.ServiceConfig{Catalog: catalog, Policy: policySvc, Logger: logger})
	if err != nil {
		return fmt.Errorf("could not create service: %w", err)
	}

	d, err := svc.Evaluate(ctx, evaluate.Request{
		ToolPath: c.toolPath,
		Input:    input,
		Requestor: model.Requestor{
			AccountID:      c.accountID,
			WorkspaceID:    c.workspaceID,
			OrganizationID: c.orgID,
		},
		ClientID: c.clientID,
	})
	if err != nil {
		return fmt.Errorf("could not evaluate policy: %w", err)
	}

	return c.rootCmd.printer(c.format).PrintDecision(d)
}

type PolicyImportCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	file string
}

// NewPolicyImportCommand returns the policy import command.
func NewPolicyImportCommand(rootCmd *RootCommand, policyCmd *kingpin.CmdClause) *PolicyImportCommand {
	c := &PolicyImportCommand{rootCmd: rootCmd}

	c.Cmd = policyCmd.Command("import", "Store the rules of a YAML policy file, rules with the same id are replaced.")
	c.Cmd.Arg("file", "YAML policy file.").Required().StringVar(&c.file)

	return c
}

func (c PolicyImportCommand) Name() string { return c.Cmd.FullCommand() }

func (c PolicyImportCommand) Run(ctx context.Context) error {
	repo, err := c.rootCmd.repository(ctx)
	if err != nil {
		return err
	}
	defer repo.Close()

	if err := importPolicy(ctx, repo, c.file); err != nil {
		return err
	}

	rules, err := repo.ListPolicyRules(ctx)
	if err != nil {
		return fmt.Errorf("could not list policy rules: %w", err)
	}
	c.rootCmd.Logger.Infof("Policy imported, %d rules stored", len(rules))

	return nil
}
