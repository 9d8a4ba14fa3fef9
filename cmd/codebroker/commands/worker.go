package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/codebroker/internal/callback"
	"github.com/slok/codebroker/internal/runtime/container"
	"github.com/slok/codebroker/internal/runtime/subprocess"
	"github.com/slok/codebroker/internal/script"
)

const (
	workerModeStdio    = "stdio"
	workerModeCallback = "callback"
)

type WorkerCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	mode string
}

// NewWorkerCommand returns the worker command.
func NewWorkerCommand(rootCmd *RootCommand, app *kingpin.Application) *WorkerCommand {
	c := &WorkerCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("worker", "Run task code as an out of process runtime worker.").Hidden()
	c.Cmd.Flag("mode", "stdio speaks the subprocess protocol, callback runs the job of the environment and brokers tools through the callback.").Default(workerModeStdio).EnumVar(&c.mode, workerModeStdio, workerModeCallback)

	return c
}

func (c WorkerCommand) Name() string { return c.Cmd.FullCommand() }

func (c WorkerCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	runner, err := script.NewRunner(script.RunnerConfig{Logger: logger})
	if err != nil {
		return fmt.Errorf("could not create script runner: %w", err)
	}

	if c.mode == workerModeStdio {
		w, err := subprocess.NewWorker(subprocess.WorkerConfig{Runner: runner, Logger: logger})
		if err != nil {
			return fmt.Errorf("could not create worker: %w", err)
		}
		return w.Serve(ctx, c.rootCmd.Stdin, c.rootCmd.Stdout)
	}

	job, err := container.JobFromEnv(os.Getenv)
	if err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}
	caller, err := callback.NewClient(callback.ClientConfig{
		BaseURL: job.CallbackURL,
		Secret:  job.CallbackSecret,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("could not create callback client: %w", err)
	}

	report := container.RunJob(ctx, runner, caller, job)
	logger.Infof("Task %s run %s", job.TaskID, report.Status)

	// The report must be the last stdout line.
	return json.NewEncoder(c.rootCmd.Stdout).Encode(report)
}
