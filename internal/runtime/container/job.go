package container

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/slok/codebroker/internal/model"
	"github.com/slok/codebroker/internal/runtime"
	"github.com/slok/codebroker/internal/script"
)

// Job is the task a worker container runs, passed by environment.
type Job struct {
	TaskID         string
	Code           string
	Timeout        time.Duration
	CallbackURL    string
	CallbackSecret string
}

// Env returns the job as container environment variables.
func (j Job) Env() []string {
	return []string{
		EnvTaskID + "=" + j.TaskID,
		EnvCode + "=" + j.Code,
		EnvTimeoutMs + "=" + strconv.FormatInt(j.Timeout.Milliseconds(), 10),
		EnvCallbackURL + "=" + j.CallbackURL,
		EnvCallbackSecret + "=" + j.CallbackSecret,
	}
}

// JobFromEnv loads the job of the worker container environment.
func JobFromEnv(getenv func(string) string) (Job, error) {
	j := Job{
		TaskID:         getenv(EnvTaskID),
		Code:           getenv(EnvCode),
		CallbackURL:    getenv(EnvCallbackURL),
		CallbackSecret: getenv(EnvCallbackSecret),
	}
	if j.TaskID == "" {
		return j, fmt.Errorf("%s is required: %w", EnvTaskID, model.ErrNotValid)
	}
	if j.CallbackURL == "" {
		return j, fmt.Errorf("%s is required: %w", EnvCallbackURL, model.ErrNotValid)
	}

	if s := getenv(EnvTimeoutMs); s != "" {
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil || ms <= 0 {
			return j, fmt.Errorf("invalid %s %q: %w", EnvTimeoutMs, s, model.ErrNotValid)
		}
		j.Timeout = time.Duration(ms) * time.Millisecond
	}

	return j, nil
}

// ToolCaller brokers the job tool calls, usually through the broker callback.
type ToolCaller interface {
	Call(ctx context.Context, runID, callID, toolPath string, input map[string]any) model.ToolCallResult
}

// RunJob runs the job code with its tool calls going through the caller. The
// report is what the worker prints as its last stdout line.
func RunJob(ctx context.Context, runner *script.Runner, caller ToolCaller, j Job) runtime.Report {
	start := time.Now()
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}

	res, err := runner.Run(ctx, script.RunRequest{
		Code: j.Code,
		InvokeTool: func(ctx context.Context, callID, toolPath string, input map[string]any) model.ToolCallResult {
			return caller.Call(ctx, j.TaskID, callID, toolPath, input)
		},
	})

	return runtime.NewReport(runtime.ScriptResult(res, err, j.Timeout, time.Since(start)))
}
