package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/dop251/goja"

	"github.com/slok/codebroker/internal/log"
	"github.com/slok/codebroker/internal/model"
)

// ErrScript is returned when the code throws or can't be compiled.
var ErrScript = errors.New("script error")

// Error is a code error, Message is what the code threw.
type Error struct {
	Message string
}

func (e *Error) Error() string        { return ErrScript.Error() + ": " + e.Message }
func (e *Error) Is(target error) bool { return target == ErrScript }

// ErrorMessage returns the message the code threw, or the error text for other errors.
func ErrorMessage(err error) string {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.Message
	}
	return err.Error()
}

// toolsPrelude builds the `tools` proxy, any dotted property chain becomes a
// callable tool path.
const toolsPrelude = `
const tools = (() => {
  const make = (path) => new Proxy(function () {}, {
    get(_target, prop) {
      if (typeof prop !== "string" || prop === "then") {
        return undefined;
      }
      return make(path === "" ? prop : path + "." + prop);
    },
    apply(_target, _this, args) {
      return __invokeTool(path, args.length > 0 ? args[0] : undefined);
    },
  });
  return make("");
})();
`

// RunnerConfig is the configuration for the script runner.
type RunnerConfig struct {
	// MaxOutputBytes truncates the captured stdout and stderr.
	MaxOutputBytes int
	Logger         log.Logger
}

func (c *RunnerConfig) defaults() error {
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = 1 << 20
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "script.Runner"})
	return nil
}

// Runner runs task code in a fresh JavaScript VM per run. The code is the body
// of an async function, its return value is the task result.
type Runner struct {
	maxOutput int
	logger    log.Logger
}

// NewRunner returns a new script runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Runner{
		maxOutput: cfg.MaxOutputBytes,
		logger:    cfg.Logger,
	}, nil
}

// RunRequest is a code run.
type RunRequest struct {
	Code string
	// InvokeTool is called on every tool call the code makes, call ids are
	// sequential per run (`call_1`, `call_2`...).
	InvokeTool func(ctx context.Context, callID, toolPath string, input map[string]any) model.ToolCallResult
}

// Result is the outcome of a run. Output is captured even when the run fails.
type Result struct {
	Value  any
	Stdout string
	Stderr string
}

// Run runs the code until it settles or the context is done. Code errors are
// returned as *Error, context ends wrap the context error.
func (r *Runner) Run(ctx context.Context, req RunRequest) (Result, error) {
	if req.InvokeTool == nil {
		req.InvokeTool = func(context.Context, string, string, map[string]any) model.ToolCallResult {
			return model.ToolCallFailed{Error: "tools are not available"}
		}
	}

	vm := goja.New()
	stdout := newOutput(r.maxOutput)
	stderr := newOutput(r.maxOutput)

	if err := r.setupConsole(vm, stdout, stderr); err != nil {
		return Result{}, fmt.Errorf("could not setup console: %w", err)
	}
	if err := r.setupTools(ctx, vm, req.InvokeTool); err != nil {
		return Result{}, fmt.Errorf("could not setup tools: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(ctx.Err())
	})
	defer stop()

	v, err := vm.RunString(toolsPrelude + "\n(async () => {\n" + req.Code + "\n})()")
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) && ctx.Err() != nil {
			return res, fmt.Errorf("script interrupted: %w", ctx.Err())
		}
		return res, &Error{Message: exceptionMessage(err)}
	}

	p, ok := v.Export().(*goja.Promise)
	if !ok {
		return res, &Error{Message: "code did not return a promise"}
	}

	switch p.State() {
	case goja.PromiseStateFulfilled:
		res.Value = exportValue(p.Result())
		return res, nil
	case goja.PromiseStateRejected:
		return res, &Error{Message: valueMessage(p.Result())}
	}

	if ctx.Err() != nil {
		return res, fmt.Errorf("script interrupted: %w", ctx.Err())
	}
	return res, &Error{Message: "code never settled, only tool calls can be awaited"}
}

func (r *Runner) setupConsole(vm *goja.Runtime, stdout, stderr *output) error {
	console := vm.NewObject()
	write := func(o *output) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, 0, len(call.Arguments))
			for _, a := range call.Arguments {
				parts = append(parts, formatValue(a))
			}
			o.WriteLine(strings.Join(parts, " "))
			return goja.Undefined()
		}
	}

	for name, o := range map[string]*output{"log": stdout, "info": stdout, "debug": stdout, "error": stderr, "warn": stderr} {
		if err := console.Set(name, write(o)); err != nil {
			return err
		}
	}

	return vm.Set("console", console)
}

func (r *Runner) setupTools(ctx context.Context, vm *goja.Runtime, invoke func(ctx context.Context, callID, toolPath string, input map[string]any) model.ToolCallResult) error {
	var seq atomic.Int64
	return vm.Set("__invokeTool", func(call goja.FunctionCall) goja.Value {
		toolPath := call.Argument(0).String()
		if toolPath == "" {
			panic(vm.NewTypeError("tools is not a function, call a tool like tools.source.tool(input)"))
		}

		var input map[string]any
		arg := call.Argument(1)
		if !goja.IsUndefined(arg) && !goja.IsNull(arg) {
			m, ok := arg.Export().(map[string]any)
			if !ok {
				panic(vm.NewTypeError("tool %s input must be an object", toolPath))
			}
			input = m
		}

		callID := "call_" + strconv.FormatInt(seq.Add(1), 10)
		r.logger.Debugf("Calling tool %s (%s)", toolPath, callID)

		switch res := invoke(ctx, callID, toolPath, input).(type) {
		case model.ToolCallOK:
			return vm.ToValue(res.Value)
		case model.ToolCallDenied:
			panic(vm.NewGoError(errors.New(model.ApprovalDeniedMessage(res.Reason))))
		case model.ToolCallFailed:
			panic(vm.NewGoError(errors.New(res.Error)))
		case model.ToolCallPending:
			panic(vm.NewGoError(fmt.Errorf("tool %s is waiting for approval %s", toolPath, res.ApprovalID)))
		default:
			panic(vm.NewGoError(fmt.Errorf("tool %s returned an unknown result", toolPath)))
		}
	})
}

func exportValue(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}

// valueMessage returns the message of a thrown value, errors use their message.
func valueMessage(v goja.Value) string {
	if v == nil {
		return "unknown error"
	}
	if obj, ok := v.(*goja.Object); ok {
		if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) {
			return m.String()
		}
	}
	return v.String()
}

func exceptionMessage(err error) string {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return valueMessage(ex.Value())
	}
	return err.Error()
}

func formatValue(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	if obj, ok := v.(*goja.Object); ok {
		if _, isFunc := goja.AssertFunction(obj); isFunc {
			return "[Function]"
		}
		if obj.ClassName() == "Error" {
			return v.String()
		}
		if data, err := json.Marshal(obj.Export()); err == nil {
			return string(data)
		}
	}
	return v.String()
}

// output is a size bounded line writer.
type output struct {
	b         strings.Builder
	max       int
	truncated bool
}

func newOutput(max int) *output { return &output{max: max} }

func (o *output) WriteLine(s string) {
	if o.truncated {
		return
	}
	if o.b.Len()+len(s)+1 > o.max {
		o.b.WriteString("[output truncated]\n")
		o.truncated = true
		return
	}
	o.b.WriteString(s)
	o.b.WriteString("\n")
}

func (o *output) String() string { return o.b.String() }
