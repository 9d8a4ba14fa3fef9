package subprocess

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/slok/codebroker/internal/log"
	"github.com/slok/codebroker/internal/model"
	"github.com/slok/codebroker/internal/runtime"
)

// AdapterConfig is the configuration for the subprocess adapter.
type AdapterConfig struct {
	// Command is the worker command, by default this binary `worker` command.
	Command []string
	// Env is appended to the current process environment.
	Env    []string
	Logger log.Logger
}

func (c *AdapterConfig) defaults() error {
	if len(c.Command) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("could not get current executable: %w", err)
		}
		c.Command = []string{exe, "worker", "--mode", "stdio"}
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "runtime.Subprocess"})
	return nil
}

// Adapter runs every task in a new worker process. Tool calls and the final
// result travel as JSON lines over the worker stdin and stdout, the process
// is killed when the task times out.
type Adapter struct {
	command []string
	env     []string
	logger  log.Logger
}

// NewAdapter returns a new subprocess adapter.
func NewAdapter(cfg AdapterConfig) (*Adapter, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Adapter{
		command: cfg.Command,
		env:     cfg.Env,
		logger:  cfg.Logger,
	}, nil
}

func (a *Adapter) Check(ctx context.Context) []model.CheckResult {
	if _, err := exec.LookPath(a.command[0]); err != nil {
		return []model.CheckResult{{ID: "worker_binary", Message: fmt.Sprintf("Worker command %q not found: %s", a.command[0], err), Status: model.CheckStatusError}}
	}
	return []model.CheckResult{{ID: "worker_binary", Message: fmt.Sprintf("Worker command %q available", a.command[0]), Status: model.CheckStatusOK}}
}

func (a *Adapter) Run(ctx context.Context, req runtime.RunRequest) model.RunResult {
	logger := a.logger.WithValues(log.Kv{"task-id": req.TaskID})
	start := time.Now()

	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, a.command[0], a.command[1:]...)
	cmd.Env = append(os.Environ(), a.env...)
	cmd.WaitDelay = 2 * time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return runtime.Failure(fmt.Sprintf("could not create worker stdin: %s", err), nil, time.Since(start))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return runtime.Failure(fmt.Sprintf("could not create worker stdout: %s", err), nil, time.Since(start))
	}

	if err := cmd.Start(); err != nil {
		return runtime.Failure(fmt.Sprintf("could not start worker: %s", err), nil, time.Since(start))
	}
	logger.Debugf("Worker process %d started", cmd.Process.Pid)

	done, protoErr := a.serve(runCtx, req, stdin, stdout)
	_ = stdin.Close()
	waitErr := cmd.Wait()
	duration := time.Since(start)

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return runtime.TimedOut(req.Timeout, duration)
	case ctx.Err() != nil:
		return runtime.Failure(runtime.AbortedMessage, nil, duration)
	}

	if done != nil {
		return doneResult(*done, duration)
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		code := exitErr.ExitCode()
		msg := fmt.Sprintf("worker exited with code %d", code)
		if s := strings.TrimSpace(stderr.String()); s != "" {
			msg += ": " + lastLine(s)
		}
		return runtime.Failure(msg, &code, duration)
	}
	if protoErr != nil {
		return runtime.Failure(fmt.Sprintf("worker protocol error: %s", protoErr), nil, duration)
	}

	return runtime.Failure("worker exited without a result", nil, duration)
}

// serve speaks the protocol until the worker sends its done message or the stream ends.
func (a *Adapter) serve(ctx context.Context, req runtime.RunRequest, stdin io.Writer, stdout io.Reader) (*Message, error) {
	enc := newEncoder(stdin)
	dec := newDecoder(stdout)

	err := enc.Encode(Message{
		Type:      MessageTypeRun,
		TaskID:    req.TaskID,
		Code:      req.Code,
		TimeoutMs: req.Timeout.Milliseconds(),
	})
	if err != nil {
		return nil, err
	}

	for {
		msg, err := dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, nil
			}
			return nil, err
		}

		switch msg.Type {
		case MessageTypeDone:
			return &msg, nil

		case MessageTypeToolCall:
			var res model.ToolCallResult = model.ToolCallFailed{Error: "tools are not available"}
			if req.InvokeTool != nil {
				res = req.InvokeTool(ctx, msg.CallID, msg.ToolPath, msg.Input)
			}
			data, err := model.MarshalToolCallResult(res)
			if err != nil {
				return nil, err
			}
			if err := enc.Encode(Message{Type: MessageTypeToolResult, CallID: msg.CallID, Result: data}); err != nil {
				return nil, err
			}

		default:
			return nil, fmt.Errorf("unexpected %q message: %w", msg.Type, model.ErrNotValid)
		}
	}
}

func doneResult(msg Message, duration time.Duration) model.RunResult {
	rr := model.RunResult{
		Status:   msg.Status,
		ExitCode: msg.ExitCode,
		Error:    msg.Error,
		Stdout:   msg.Stdout,
		Stderr:   msg.Stderr,
		Duration: duration,
	}

	if !rr.Status.IsTerminal() {
		return runtime.Failure(fmt.Sprintf("worker returned an invalid status %q", msg.Status), msg.ExitCode, duration)
	}
	if rr.Status == model.TaskStatusFailed {
		rr.Status = runtime.ClassifyError(rr.Error)
	}

	if len(msg.Result) > 0 {
		var v any
		if err := json.Unmarshal(msg.Result, &v); err != nil {
			return runtime.Failure(fmt.Sprintf("worker returned an invalid result: %s", err), msg.ExitCode, duration)
		}
		rr.Result = v
	}

	return rr
}

func lastLine(s string) string {
	lines := strings.Split(s, "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

var _ runtime.Adapter = &Adapter{}
