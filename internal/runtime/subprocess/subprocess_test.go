package subprocess_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/codebroker/internal/model"
	"github.com/slok/codebroker/internal/runtime"
	"github.com/slok/codebroker/internal/runtime/subprocess"
)

const helperEnv = "CODEBROKER_TEST_WORKER"

// TestHelperWorker is not a real test, it's the worker process the adapter
// tests spawn.
func TestHelperWorker(t *testing.T) {
	switch os.Getenv(helperEnv) {
	case "":
		return
	case "crash":
		fmt.Fprintln(os.Stderr, "panic: worker exploded")
		os.Exit(3)
	case "hang":
		time.Sleep(time.Minute)
		os.Exit(0)
	}

	w, err := subprocess.NewWorker(subprocess.WorkerConfig{})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := w.Serve(context.Background(), os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	os.Exit(0)
}

func newHelperAdapter(t *testing.T, mode string) *subprocess.Adapter {
	t.Helper()
	a, err := subprocess.NewAdapter(subprocess.AdapterConfig{
		Command: []string{os.Args[0], "-test.run=^TestHelperWorker$"},
		Env:     []string{helperEnv + "=" + mode},
	})
	require.NoError(t, err)
	return a
}

func TestAdapterRun(t *testing.T) {
	tests := map[string]struct {
		mode        string
		code        string
		timeout     time.Duration
		toolResults map[string]model.ToolCallResult
		expStatus   model.TaskStatus
		expResult   any
		expError    string
		expExitCode *int
		expStdout   string
		expCalls    []string
	}{
		"Code should run in the worker and return its result.": {
			mode:        "serve",
			code:        `console.log("hi"); return {n: 1};`,
			timeout:     10 * time.Second,
			expStatus:   model.TaskStatusCompleted,
			expResult:   map[string]any{"n": float64(1)},
			expExitCode: runtime.IntPtr(0),
			expStdout:   "hi\n",
		},

		"Tool calls should be brokered through the adapter.": {
			mode:    "serve",
			code:    `const a = await tools.github.repos.list({}); const b = await tools.github.repos.get({name: a[0]}); return b;`,
			timeout: 10 * time.Second,
			toolResults: map[string]model.ToolCallResult{
				"call_1": model.ToolCallOK{Value: []any{"sbx"}},
				"call_2": model.ToolCallOK{Value: "sbx-details"},
			},
			expStatus:   model.TaskStatusCompleted,
			expResult:   "sbx-details",
			expExitCode: runtime.IntPtr(0),
			expCalls:    []string{"call_1:github.repos.list", "call_2:github.repos.get"},
		},

		"A denied tool call should deny the task.": {
			mode:    "serve",
			code:    `await tools.github.repos.delete({name: "sbx"});`,
			timeout: 10 * time.Second,
			toolResults: map[string]model.ToolCallResult{
				"call_1": model.ToolCallDenied{Reason: "nope"},
			},
			expStatus:   model.TaskStatusDenied,
			expError:    "APPROVAL_DENIED: nope",
			expExitCode: runtime.IntPtr(1),
			expCalls:    []string{"call_1:github.repos.delete"},
		},

		"A crashing worker should fail with its exit code.": {
			mode:        "crash",
			code:        `return 1;`,
			timeout:     10 * time.Second,
			expStatus:   model.TaskStatusFailed,
			expError:    "worker exited with code 3: panic: worker exploded",
			expExitCode: runtime.IntPtr(3),
		},

		"A worker running past the timeout should be killed and time out.": {
			mode:      "hang",
			code:      `return 1;`,
			timeout:   200 * time.Millisecond,
			expStatus: model.TaskStatusTimedOut,
			expError:  "task timed out after 200ms",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			a := newHelperAdapter(t, test.mode)

			var mu sync.Mutex
			var gotCalls []string
			got := a.Run(context.Background(), runtime.RunRequest{
				TaskID:  "t1",
				Code:    test.code,
				Timeout: test.timeout,
				InvokeTool: func(ctx context.Context, callID, toolPath string, input map[string]any) model.ToolCallResult {
					mu.Lock()
					defer mu.Unlock()
					gotCalls = append(gotCalls, callID+":"+toolPath)
					return test.toolResults[callID]
				},
			})

			assert.Equal(test.expStatus, got.Status)
			assert.Equal(test.expResult, got.Result)
			assert.Equal(test.expError, got.Error)
			assert.Equal(test.expExitCode, got.ExitCode)
			assert.Equal(test.expStdout, got.Stdout)
			assert.Equal(test.expCalls, gotCalls)
		})
	}
}

func TestAdapterCheck(t *testing.T) {
	a, err := subprocess.NewAdapter(subprocess.AdapterConfig{Command: []string{"/nonexistent/codebroker-worker"}})
	require.NoError(t, err)

	checks := a.Check(context.Background())
	require.Len(t, checks, 1)
	assert.Equal(t, model.CheckStatusError, checks[0].Status)
}
