package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/slok/codebroker/internal/log"
	"github.com/slok/codebroker/internal/model"
	"github.com/slok/codebroker/internal/runtime"
)

// AdapterConfig is the configuration for the fake adapter.
type AdapterConfig struct {
	// RunFunc returns the result of a run, runs complete with a nil result when missing.
	RunFunc func(ctx context.Context, req runtime.RunRequest) model.RunResult
	Logger  log.Logger
}

func (c *AdapterConfig) defaults() error {
	if c.RunFunc == nil {
		c.RunFunc = func(ctx context.Context, req runtime.RunRequest) model.RunResult {
			return model.RunResult{Status: model.TaskStatusCompleted, ExitCode: runtime.IntPtr(0)}
		}
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "runtime.Fake"})
	return nil
}

// Adapter is a fake execution adapter that records the runs without running any code.
type Adapter struct {
	runFunc func(ctx context.Context, req runtime.RunRequest) model.RunResult
	runs    []runtime.RunRequest
	mu      sync.Mutex
	logger  log.Logger
}

// NewAdapter creates a new fake adapter.
func NewAdapter(cfg AdapterConfig) (*Adapter, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Adapter{
		runFunc: cfg.RunFunc,
		logger:  cfg.Logger,
	}, nil
}

// Check always passes.
func (a *Adapter) Check(ctx context.Context) []model.CheckResult {
	return []model.CheckResult{{ID: "fake", Message: "Fake runtime always available", Status: model.CheckStatusOK}}
}

// Run records the run and returns the configured result.
func (a *Adapter) Run(ctx context.Context, req runtime.RunRequest) model.RunResult {
	a.mu.Lock()
	a.runs = append(a.runs, req)
	a.mu.Unlock()

	a.logger.Debugf("Running task %s", req.TaskID)
	start := time.Now()
	res := a.runFunc(ctx, req)
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}

	return res
}

// Runs returns the recorded runs.
func (a *Adapter) Runs() []runtime.RunRequest {
	a.mu.Lock()
	defer a.mu.Unlock()

	runs := make([]runtime.RunRequest, len(a.runs))
	copy(runs, a.runs)
	return runs
}

var _ runtime.Adapter = &Adapter{}
