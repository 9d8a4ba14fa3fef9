package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/codebroker/internal/model"
)

type DoctorCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand
	broker  *brokerFlags
}

// NewDoctorCommand returns the doctor command.
func NewDoctorCommand(rootCmd *RootCommand, app *kingpin.Application) *DoctorCommand {
	c := &DoctorCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("doctor", "Run preflight checks for the enabled runtimes.")
	c.broker = registerBrokerFlags(c.Cmd)

	return c
}

func (c DoctorCommand) Name() string { return c.Cmd.FullCommand() }

func (c DoctorCommand) Run(ctx context.Context) error {
	out := c.rootCmd.Stdout

	registry, err := newRegistry(c.broker, c.rootCmd.Logger)
	if err != nil {
		return err
	}

	results := registry.Check(ctx)
	byRuntime := map[string][]model.CheckResult{}
	for _, r := range results {
		byRuntime[r.Runtime()] = append(byRuntime[r.Runtime()], r)
	}
	ids := make([]string, 0, len(byRuntime))
	for id := range byRuntime {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		fmt.Fprintf(out, "\nChecking %s runtime...\n", id)
		for _, r := range byRuntime[id] {
			fmt.Fprintf(out, "  %s %-24s %s\n", getStatusIcon(r.Status), r.ID, r.Message)
		}
	}

	summary := model.SummarizeChecks(results)
	fmt.Fprintln(out)
	if summary.Errors == 0 && summary.Warnings == 0 {
		fmt.Fprintln(out, "All checks passed!")
	} else {
		var parts []string
		if summary.Errors > 0 {
			parts = append(parts, fmt.Sprintf("%d error(s)", summary.Errors))
		}
		if summary.Warnings > 0 {
			parts = append(parts, fmt.Sprintf("%d warning(s)", summary.Warnings))
		}
		fmt.Fprintln(out, strings.Join(parts, ", "))
	}

	if summary.Failed() {
		return fmt.Errorf("preflight checks failed with %d error(s)", summary.Errors)
	}

	return nil
}

func getStatusIcon(status model.CheckStatus) string {
	switch status {
	case model.CheckStatusOK:
		return "OK"
	case model.CheckStatusWarning:
		return "!!"
	case model.CheckStatusError:
		return "XX"
	default:
		return "??"
	}
}
