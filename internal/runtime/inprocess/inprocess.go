package inprocess

import (
	"context"
	"fmt"
	"time"

	"github.com/slok/codebroker/internal/log"
	"github.com/slok/codebroker/internal/model"
	"github.com/slok/codebroker/internal/runtime"
	"github.com/slok/codebroker/internal/script"
)

// AdapterConfig is the configuration for the in-process adapter.
type AdapterConfig struct {
	Runner *script.Runner
	Logger log.Logger
}

func (c *AdapterConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "runtime.InProcess"})

	if c.Runner == nil {
		r, err := script.NewRunner(script.RunnerConfig{Logger: c.Logger})
		if err != nil {
			return fmt.Errorf("could not create script runner: %w", err)
		}
		c.Runner = r
	}
	return nil
}

// Adapter runs the task code in a script VM of this process, tool calls are
// brokered synchronously.
type Adapter struct {
	runner *script.Runner
	logger log.Logger
}

// NewAdapter returns a new in-process adapter.
func NewAdapter(cfg AdapterConfig) (*Adapter, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Adapter{
		runner: cfg.Runner,
		logger: cfg.Logger,
	}, nil
}

func (a *Adapter) Check(ctx context.Context) []model.CheckResult {
	return []model.CheckResult{{ID: "script_engine", Message: "Embedded JavaScript engine available", Status: model.CheckStatusOK}}
}

func (a *Adapter) Run(ctx context.Context, req runtime.RunRequest) model.RunResult {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := a.runner.Run(ctx, script.RunRequest{
		Code:       req.Code,
		InvokeTool: req.InvokeTool,
	})
	rr := runtime.ScriptResult(res, err, req.Timeout, time.Since(start))
	a.logger.WithValues(log.Kv{"task-id": req.TaskID}).Debugf("Task run %s in %s", rr.Status, rr.Duration)

	return rr
}

var _ runtime.Adapter = &Adapter{}
