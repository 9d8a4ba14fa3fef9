package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/slok/codebroker/internal/model"
	"github.com/slok/codebroker/internal/script"
)

// Runtime ids persisted on the tasks.
const (
	IDInProcess     = "inprocess"
	IDSubprocess    = "subprocess"
	IDRemoteIsolate = "remote_isolate"
	IDContainer     = "container"
)

// InvokeToolFunc brokers a tool call of the running task and blocks until it
// has a final result.
type InvokeToolFunc func(ctx context.Context, callID, toolPath string, input map[string]any) model.ToolCallResult

// RunRequest is a task run on an execution adapter.
type RunRequest struct {
	TaskID     string
	Code       string
	Timeout    time.Duration
	InvokeTool InvokeToolFunc
}

// Adapter runs task code on an execution backend.
type Adapter interface {
	// Check performs preflight checks of the backend dependencies.
	Check(ctx context.Context) []model.CheckResult
	// Run runs the code until it ends, the timeout expires or the context is cancelled.
	// Backend failures are translated into a terminal status, never returned as errors.
	Run(ctx context.Context, req RunRequest) model.RunResult
}

type registryEntry struct {
	adapter Adapter
	enabled bool
}

// Registry holds the execution adapters by runtime id.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registryEntry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: map[string]registryEntry{}}
}

// Register registers an adapter, disabled adapters are known but can't run tasks.
func (r *Registry) Register(id string, a Adapter, enabled bool) error {
	if id == "" {
		return fmt.Errorf("runtime id is required: %w", model.ErrNotValid)
	}
	if a == nil {
		return fmt.Errorf("runtime %s adapter is required: %w", id, model.ErrNotValid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; ok {
		return fmt.Errorf("runtime %s: %w", id, model.ErrAlreadyExists)
	}
	r.entries[id] = registryEntry{adapter: a, enabled: enabled}

	return nil
}

// SetEnabled enables or disables a registered runtime.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("unknown runtime %q: %w", id, model.ErrNotFound)
	}
	e.enabled = enabled
	r.entries[id] = e

	return nil
}

// Get returns the adapter of an enabled runtime. Unknown runtimes return
// model.ErrNotFound and disabled ones model.ErrNotValid.
func (r *Registry) Get(id string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("unknown runtime %q: %w", id, model.ErrNotFound)
	}
	if !e.enabled {
		return nil, fmt.Errorf("runtime %q is disabled: %w", id, model.ErrNotValid)
	}

	return e.adapter, nil
}

// Enabled returns the ids of the enabled runtimes sorted.
func (r *Registry) Enabled() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := []string{}
	for id, e := range r.entries {
		if e.enabled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	return ids
}

// Check runs the preflight checks of the enabled runtimes, check ids are prefixed with the runtime id.
func (r *Registry) Check(ctx context.Context) []model.CheckResult {
	results := []model.CheckResult{}
	for _, id := range r.Enabled() {
		a, err := r.Get(id)
		if err != nil {
			continue
		}
		for _, res := range a.Check(ctx) {
			res.ID = id + "/" + res.ID
			results = append(results, res)
		}
	}

	return results
}

// ClassifyError returns the terminal status of a failure message: denied when
// it carries the approval denied sentinel, failed otherwise.
func ClassifyError(msg string) model.TaskStatus {
	if model.IsApprovalDenied(msg) {
		return model.TaskStatusDenied
	}
	return model.TaskStatusFailed
}

// Failure returns the run result of a failure message.
func Failure(msg string, exitCode *int, duration time.Duration) model.RunResult {
	return model.RunResult{
		Status:   ClassifyError(msg),
		ExitCode: exitCode,
		Error:    msg,
		Duration: duration,
	}
}

// AbortedMessage is the error of runs cancelled before they ended.
const AbortedMessage = "task aborted"

// TimedOut returns the run result of a run that exhausted its timeout budget.
func TimedOut(timeout, duration time.Duration) model.RunResult {
	return model.RunResult{
		Status:   model.TaskStatusTimedOut,
		Error:    fmt.Sprintf("task timed out after %s", timeout),
		Duration: duration,
	}
}

// ScriptResult translates a script run into a run result.
func ScriptResult(res script.Result, err error, timeout, duration time.Duration) model.RunResult {
	if err == nil {
		return model.RunResult{
			Status:   model.TaskStatusCompleted,
			ExitCode: IntPtr(0),
			Result:   res.Value,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
			Duration: duration,
		}
	}

	var rr model.RunResult
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		rr = TimedOut(timeout, duration)
	case errors.Is(err, context.Canceled):
		rr = Failure(AbortedMessage, nil, duration)
	default:
		rr = Failure(script.ErrorMessage(err), IntPtr(1), duration)
	}
	rr.Stdout = res.Stdout
	rr.Stderr = res.Stderr

	return rr
}

// IntPtr returns a pointer to i.
func IntPtr(i int) *int { return &i }
