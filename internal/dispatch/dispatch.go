package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/slok/codebroker/internal/event"
	"github.com/slok/codebroker/internal/log"
	"github.com/slok/codebroker/internal/metrics"
	"github.com/slok/codebroker/internal/model"
	"github.com/slok/codebroker/internal/runtime"
	"github.com/slok/codebroker/internal/storage"
	"github.com/slok/codebroker/internal/tracing"
)

// ToolBroker brokers the tool calls of the running tasks until they have a final result.
type ToolBroker interface {
	Call(ctx context.Context, runID, callID, toolPath string, input map[string]any) model.ToolCallResult
}

// DispatcherConfig is the configuration for the dispatcher.
type DispatcherConfig struct {
	Repository storage.TaskRepository
	Registry   *runtime.Registry
	Broker     ToolBroker
	Publisher  event.Publisher
	Metrics    metrics.Recorder
	Tracer     trace.Tracer
	Clock      func() time.Time
	Logger     log.Logger
}

func (c *DispatcherConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Registry == nil {
		return fmt.Errorf("runtime registry is required")
	}
	if c.Broker == nil {
		return fmt.Errorf("broker is required")
	}
	if c.Publisher == nil {
		c.Publisher = event.Noop
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Noop
	}
	if c.Tracer == nil {
		c.Tracer = tracing.Tracer()
	}
	if c.Clock == nil {
		c.Clock = func() time.Time { return time.Now().UTC() }
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "dispatch.Dispatcher"})
	return nil
}

// Dispatcher drives the tasks through their state machine: it picks the task
// runtime, runs the code on it and records the terminal outcome, publishing a
// lifecycle event on every transition.
type Dispatcher struct {
	repo      storage.TaskRepository
	registry  *runtime.Registry
	broker    ToolBroker
	publisher event.Publisher
	metrics   metrics.Recorder
	tracer    trace.Tracer
	clock     func() time.Time
	logger    log.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewDispatcher returns a new dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Dispatcher{
		repo:      cfg.Repository,
		registry:  cfg.Registry,
		broker:    cfg.Broker,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		running:   map[string]context.CancelFunc{},
	}, nil
}

// Dispatch runs a queued task until it reaches a terminal status and returns
// the task as it was left. Tasks that already left the queued status are
// returned as they are, without running them again.
func (d *Dispatcher) Dispatch(ctx context.Context, taskID string) (*model.Task, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.Dispatch", trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	t, err := d.dispatch(ctx, taskID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("task.status", string(t.Status)))

	return t, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, taskID string) (*model.Task, error) {
	logger := d.logger.WithValues(log.Kv{"task-id": taskID})

	t, err := d.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("could not get task: %w", err)
	}
	if t.Status != model.TaskStatusQueued {
		logger.Debugf("Task already %s, ignoring dispatch", t.Status)
		return t, nil
	}
	logger = logger.WithValues(log.Kv{"runtime": t.RuntimeID})

	adapter, err := d.registry.Get(t.RuntimeID)
	if err != nil {
		logger.Warningf("Task runtime not available: %s", err)
		now := d.clock()
		next := *t
		next.Status = model.TaskStatusFailed
		next.Error = err.Error()
		next.CompletedAt = &now
		stored, _, err := d.transition(ctx, logger, model.TaskStatusQueued, next)
		return stored, err
	}

	started := d.clock()
	running := *t
	running.Status = model.TaskStatusRunning
	running.StartedAt = &started
	stored, ok, err := d.transition(ctx, logger, model.TaskStatusQueued, running)
	if err != nil || !ok {
		return stored, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.track(taskID, cancel)
	defer d.untrack(taskID)

	logger.Infof("Running task")
	rr := d.run(runCtx, logger, adapter, running)

	done := d.completed(running, rr)
	d.metrics.ObserveTaskRun(ctx, done.RuntimeID, done.Status, rr.Duration)

	// The outcome is recorded even if the dispatch context ended.
	stored, _, err = d.transition(context.WithoutCancel(ctx), logger, model.TaskStatusRunning, done)
	return stored, err
}

// run runs the task on the adapter, panics are recovered into failures.
func (d *Dispatcher) run(ctx context.Context, logger log.Logger, adapter runtime.Adapter, t model.Task) (rr model.RunResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Task run panicked: %v", r)
			rr = runtime.Failure(fmt.Sprintf("%v", r), nil, time.Since(start))
		}
	}()

	return adapter.Run(ctx, runtime.RunRequest{
		TaskID:  t.ID,
		Code:    t.Code,
		Timeout: t.Timeout(),
		InvokeTool: func(ctx context.Context, callID, toolPath string, input map[string]any) model.ToolCallResult {
			return d.broker.Call(ctx, t.ID, callID, toolPath, input)
		},
	})
}

// completed returns the terminal task of a run result.
func (d *Dispatcher) completed(t model.Task, rr model.RunResult) model.Task {
	now := d.clock()
	t.CompletedAt = &now
	t.Status = rr.Status
	t.ExitCode = rr.ExitCode
	t.Error = rr.Error
	t.Stdout = rr.Stdout
	t.Stderr = rr.Stderr
	t.Result = ""

	if !model.TaskStatusRunning.CanTransition(t.Status) {
		t.Status = model.TaskStatusFailed
		t.Error = fmt.Sprintf("runtime returned a non terminal status %q", rr.Status)
		return t
	}

	if rr.Result != nil && t.Status == model.TaskStatusCompleted {
		data, err := json.Marshal(rr.Result)
		if err != nil {
			t.Status = model.TaskStatusFailed
			t.Error = fmt.Sprintf("task result is not JSON serializable: %s", err)
			return t
		}
		t.Result = string(data)
	}

	return t
}

// transition stores the task transition and publishes its event. When the
// transition conflicts it's not applied and the stored task is returned.
func (d *Dispatcher) transition(ctx context.Context, logger log.Logger, from model.TaskStatus, t model.Task) (*model.Task, bool, error) {
	if !from.CanTransition(t.Status) {
		return nil, false, fmt.Errorf("invalid task transition %s -> %s: %w", from, t.Status, model.ErrNotValid)
	}

	err := d.repo.TransitionTask(ctx, from, t)
	if err != nil {
		if errors.Is(err, model.ErrConflict) {
			logger.Debugf("Task transition %s -> %s lost, task already moved", from, t.Status)
			stored, err := d.repo.GetTask(ctx, t.ID)
			if err != nil {
				return nil, false, fmt.Errorf("could not get task: %w", err)
			}
			return stored, false, nil
		}
		return nil, false, fmt.Errorf("could not store task transition %s -> %s: %w", from, t.Status, err)
	}

	if t.Status.IsTerminal() {
		logger.Infof("Task %s", t.Status)
	}

	if err := d.publisher.Publish(ctx, model.NewTaskEvent(t)); err != nil {
		logger.Errorf("Could not publish task event: %s", err)
	}

	return &t, true, nil
}

// Abort cancels a running task of this dispatcher, the task ends as failed.
func (d *Dispatcher) Abort(taskID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cancel, ok := d.running[taskID]
	if !ok {
		return fmt.Errorf("task %s is not running here: %w", taskID, model.ErrNotFound)
	}
	cancel()

	return nil
}

// DispatchAsync dispatches the task in the background, the dispatch doesn't
// end with ctx. Use Wait to wait for the background dispatches.
func (d *Dispatcher) DispatchAsync(ctx context.Context, taskID string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if _, err := d.Dispatch(context.WithoutCancel(ctx), taskID); err != nil {
			d.logger.WithValues(log.Kv{"task-id": taskID}).Errorf("Could not dispatch task: %s", err)
		}
	}()
}

// Wait blocks until all the background dispatches end.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) track(taskID string, cancel context.CancelFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running[taskID] = cancel
}

func (d *Dispatcher) untrack(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.running, taskID)
}
