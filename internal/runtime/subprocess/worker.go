package subprocess

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/slok/codebroker/internal/log"
	"github.com/slok/codebroker/internal/model"
	"github.com/slok/codebroker/internal/runtime"
	"github.com/slok/codebroker/internal/script"
)

// WorkerConfig is the configuration for the subprocess worker.
type WorkerConfig struct {
	Runner *script.Runner
	Logger log.Logger
}

func (c *WorkerConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "runtime.SubprocessWorker"})

	if c.Runner == nil {
		r, err := script.NewRunner(script.RunnerConfig{Logger: c.Logger})
		if err != nil {
			return fmt.Errorf("could not create script runner: %w", err)
		}
		c.Runner = r
	}
	return nil
}

// Worker is the process side of the subprocess adapter: it runs one task
// received on its input and asks the adapter for the tool call results.
type Worker struct {
	runner *script.Runner
	logger log.Logger
}

// NewWorker returns a new subprocess worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Worker{
		runner: cfg.Runner,
		logger: cfg.Logger,
	}, nil
}

// Serve reads the run message, runs the code and writes the done message.
func (w *Worker) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	dec := newDecoder(in)
	enc := newEncoder(out)

	run, err := dec.Decode()
	if err != nil {
		return fmt.Errorf("could not read run message: %w", err)
	}
	if run.Type != MessageTypeRun {
		return fmt.Errorf("expected %s message, got %q: %w", MessageTypeRun, run.Type, model.ErrNotValid)
	}

	logger := w.logger.WithValues(log.Kv{"task-id": run.TaskID})
	timeout := time.Duration(run.TimeoutMs) * time.Millisecond
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var protoErr error
	invoke := func(ctx context.Context, callID, toolPath string, input map[string]any) model.ToolCallResult {
		if protoErr != nil {
			return model.ToolCallFailed{Error: "tool transport is broken"}
		}
		res, err := w.callTool(enc, dec, callID, toolPath, input)
		if err != nil {
			protoErr = err
			logger.Errorf("Tool call transport failed: %s", err)
			return model.ToolCallFailed{Error: "tool transport failed"}
		}
		return res
	}

	start := time.Now()
	res, err := w.runner.Run(ctx, script.RunRequest{Code: run.Code, InvokeTool: invoke})
	rr := runtime.ScriptResult(res, err, timeout, time.Since(start))
	if protoErr != nil {
		return protoErr
	}

	done := Message{
		Type:     MessageTypeDone,
		TaskID:   run.TaskID,
		Status:   rr.Status,
		Error:    rr.Error,
		Stdout:   rr.Stdout,
		Stderr:   rr.Stderr,
		ExitCode: rr.ExitCode,
	}
	if rr.Result != nil {
		data, err := json.Marshal(rr.Result)
		if err != nil {
			done.Status = model.TaskStatusFailed
			done.Error = fmt.Sprintf("task result is not JSON serializable: %s", err)
		} else {
			done.Result = data
		}
	}

	return enc.Encode(done)
}

func (w *Worker) callTool(enc *encoder, dec *decoder, callID, toolPath string, input map[string]any) (model.ToolCallResult, error) {
	err := enc.Encode(Message{Type: MessageTypeToolCall, CallID: callID, ToolPath: toolPath, Input: input})
	if err != nil {
		return nil, err
	}

	msg, err := dec.Decode()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("input closed waiting for tool result %s", callID)
		}
		return nil, err
	}
	if msg.Type != MessageTypeToolResult || msg.CallID != callID {
		return nil, fmt.Errorf("expected %s for %s, got %s for %q: %w", MessageTypeToolResult, callID, msg.Type, msg.CallID, model.ErrNotValid)
	}

	return model.UnmarshalToolCallResult(msg.Result)
}
