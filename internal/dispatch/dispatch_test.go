package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/codebroker/internal/dispatch"
	"github.com/slok/codebroker/internal/event"
	"github.com/slok/codebroker/internal/model"
	"github.com/slok/codebroker/internal/runtime"
	"github.com/slok/codebroker/internal/runtime/fake"
	"github.com/slok/codebroker/internal/storage/memory"
)

type brokerFunc func(ctx context.Context, runID, callID, toolPath string, input map[string]any) model.ToolCallResult

func (f brokerFunc) Call(ctx context.Context, runID, callID, toolPath string, input map[string]any) model.ToolCallResult {
	return f(ctx, runID, callID, toolPath, input)
}

var okBroker = brokerFunc(func(ctx context.Context, runID, callID, toolPath string, input map[string]any) model.ToolCallResult {
	return model.ToolCallOK{Value: toolPath}
})

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

type testEnv struct {
	repo       *memory.Repository
	adapter    *fake.Adapter
	recorder   *event.Recorder
	dispatcher *dispatch.Dispatcher
}

func newTestEnv(t *testing.T, runtimeID string, run func(ctx context.Context, req runtime.RunRequest) model.RunResult) testEnv {
	t.Helper()
	require := require.New(t)

	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(err)
	require.NoError(repo.CreateTask(context.Background(), model.Task{
		ID:          "t1",
		WorkspaceID: "ws1",
		Code:        "return 1;",
		RuntimeID:   runtimeID,
		Status:      model.TaskStatusQueued,
		TimeoutMs:   5000,
		CreatedAt:   t0,
	}))

	adapter, err := fake.NewAdapter(fake.AdapterConfig{RunFunc: run})
	require.NoError(err)
	disabled, err := fake.NewAdapter(fake.AdapterConfig{})
	require.NoError(err)

	registry := runtime.NewRegistry()
	require.NoError(registry.Register("fake", adapter, true))
	require.NoError(registry.Register("disabled", disabled, false))

	recorder := event.NewRecorder()
	d, err := dispatch.NewDispatcher(dispatch.DispatcherConfig{
		Repository: repo,
		Registry:   registry,
		Broker:     okBroker,
		Publisher:  recorder,
		Clock:      func() time.Time { return t0 },
	})
	require.NoError(err)

	return testEnv{repo: repo, adapter: adapter, recorder: recorder, dispatcher: d}
}

func eventTypes(evs []model.TaskEvent) []model.TaskEventType {
	types := []model.TaskEventType{}
	for _, ev := range evs {
		types = append(types, ev.Type)
	}
	return types
}

func TestDispatcherDispatch(t *testing.T) {
	tests := map[string]struct {
		runtimeID string
		run       func(ctx context.Context, req runtime.RunRequest) model.RunResult
		expTask   func(t model.Task) model.Task
		expRuns   int
		expEvents []model.TaskEventType
	}{
		"A completed run should complete the task with its result.": {
			runtimeID: "fake",
			run: func(ctx context.Context, req runtime.RunRequest) model.RunResult {
				return model.RunResult{
					Status:   model.TaskStatusCompleted,
					ExitCode: runtime.IntPtr(0),
					Result:   map[string]any{"n": 1},
					Stdout:   "hi\n",
				}
			},
			expTask: func(t model.Task) model.Task {
				t.Status = model.TaskStatusCompleted
				t.ExitCode = runtime.IntPtr(0)
				t.Result = `{"n":1}`
				t.Stdout = "hi\n"
				t.StartedAt = &t0
				t.CompletedAt = &t0
				return t
			},
			expRuns:   1,
			expEvents: []model.TaskEventType{model.TaskEventRunning, model.TaskEventCompleted},
		},

		"Tool calls of the run should be brokered.": {
			runtimeID: "fake",
			run: func(ctx context.Context, req runtime.RunRequest) model.RunResult {
				res := req.InvokeTool(ctx, "call_1", "github.repos.list", nil)
				return model.RunResult{Status: model.TaskStatusCompleted, Result: res.(model.ToolCallOK).Value}
			},
			expTask: func(t model.Task) model.Task {
				t.Status = model.TaskStatusCompleted
				t.Result = `"github.repos.list"`
				t.StartedAt = &t0
				t.CompletedAt = &t0
				return t
			},
			expRuns:   1,
			expEvents: []model.TaskEventType{model.TaskEventRunning, model.TaskEventCompleted},
		},

		"A denied run should deny the task.": {
			runtimeID: "fake",
			run: func(ctx context.Context, req runtime.RunRequest) model.RunResult {
				return runtime.Failure("APPROVAL_DENIED: no", runtime.IntPtr(1), 0)
			},
			expTask: func(t model.Task) model.Task {
				t.Status = model.TaskStatusDenied
				t.ExitCode = runtime.IntPtr(1)
				t.Error = "APPROVAL_DENIED: no"
				t.StartedAt = &t0
				t.CompletedAt = &t0
				return t
			},
			expRuns:   1,
			expEvents: []model.TaskEventType{model.TaskEventRunning, model.TaskEventDenied},
		},

		"A timed out run should time out the task.": {
			runtimeID: "fake",
			run: func(ctx context.Context, req runtime.RunRequest) model.RunResult {
				return runtime.TimedOut(req.Timeout, req.Timeout)
			},
			expTask: func(t model.Task) model.Task {
				t.Status = model.TaskStatusTimedOut
				t.Error = "task timed out after 5s"
				t.StartedAt = &t0
				t.CompletedAt = &t0
				return t
			},
			expRuns:   1,
			expEvents: []model.TaskEventType{model.TaskEventRunning, model.TaskEventTimedOut},
		},

		"A panicking adapter with the denied sentinel should deny the task.": {
			runtimeID: "fake",
			run: func(ctx context.Context, req runtime.RunRequest) model.RunResult {
				panic(errors.New("APPROVAL_DENIED: boom"))
			},
			expTask: func(t model.Task) model.Task {
				t.Status = model.TaskStatusDenied
				t.Error = "APPROVAL_DENIED: boom"
				t.StartedAt = &t0
				t.CompletedAt = &t0
				return t
			},
			expRuns:   1,
			expEvents: []model.TaskEventType{model.TaskEventRunning, model.TaskEventDenied},
		},

		"A panicking adapter should fail the task.": {
			runtimeID: "fake",
			run: func(ctx context.Context, req runtime.RunRequest) model.RunResult {
				panic("something broke")
			},
			expTask: func(t model.Task) model.Task {
				t.Status = model.TaskStatusFailed
				t.Error = "something broke"
				t.StartedAt = &t0
				t.CompletedAt = &t0
				return t
			},
			expRuns:   1,
			expEvents: []model.TaskEventType{model.TaskEventRunning, model.TaskEventFailed},
		},

		"A non terminal run status should fail the task.": {
			runtimeID: "fake",
			run: func(ctx context.Context, req runtime.RunRequest) model.RunResult {
				return model.RunResult{Status: model.TaskStatusRunning}
			},
			expTask: func(t model.Task) model.Task {
				t.Status = model.TaskStatusFailed
				t.Error = `runtime returned a non terminal status "running"`
				t.StartedAt = &t0
				t.CompletedAt = &t0
				return t
			},
			expRuns:   1,
			expEvents: []model.TaskEventType{model.TaskEventRunning, model.TaskEventFailed},
		},

		"A non serializable result should fail the task.": {
			runtimeID: "fake",
			run: func(ctx context.Context, req runtime.RunRequest) model.RunResult {
				return model.RunResult{Status: model.TaskStatusCompleted, Result: func() {}}
			},
			expTask: func(t model.Task) model.Task {
				t.Status = model.TaskStatusFailed
				t.Error = "task result is not JSON serializable: json: unsupported type: func()"
				t.StartedAt = &t0
				t.CompletedAt = &t0
				return t
			},
			expRuns:   1,
			expEvents: []model.TaskEventType{model.TaskEventRunning, model.TaskEventFailed},
		},

		"An unknown runtime should fail the task without running it.": {
			runtimeID: "unknown_backend",
			expTask: func(t model.Task) model.Task {
				t.Status = model.TaskStatusFailed
				t.Error = `unknown runtime "unknown_backend": not found`
				t.CompletedAt = &t0
				return t
			},
			expEvents: []model.TaskEventType{model.TaskEventFailed},
		},

		"A disabled runtime should fail the task without running it.": {
			runtimeID: "disabled",
			expTask: func(t model.Task) model.Task {
				t.Status = model.TaskStatusFailed
				t.Error = `runtime "disabled" is disabled: not valid`
				t.CompletedAt = &t0
				return t
			},
			expEvents: []model.TaskEventType{model.TaskEventFailed},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			env := newTestEnv(t, test.runtimeID, test.run)
			queued, err := env.repo.GetTask(context.Background(), "t1")
			require.NoError(err)

			got, err := env.dispatcher.Dispatch(context.Background(), "t1")
			require.NoError(err)

			exp := test.expTask(*queued)
			assert.Equal(exp, *got)

			stored, err := env.repo.GetTask(context.Background(), "t1")
			require.NoError(err)
			assert.Equal(exp, *stored)

			assert.Len(env.adapter.Runs(), test.expRuns)
			assert.Equal(test.expEvents, eventTypes(env.recorder.Events()))
		})
	}
}

func TestDispatcherDispatchIsIdempotent(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	env := newTestEnv(t, "fake", nil)

	first, err := env.dispatcher.Dispatch(context.Background(), "t1")
	require.NoError(err)
	second, err := env.dispatcher.Dispatch(context.Background(), "t1")
	require.NoError(err)

	assert.Equal(model.TaskStatusCompleted, first.Status)
	assert.Equal(first, second)
	assert.Len(env.adapter.Runs(), 1)
	assert.Len(env.recorder.Events(), 2)
}

func TestDispatcherDispatchConcurrentTriggersRunOnce(t *testing.T) {
	assert := assert.New(t)

	env := newTestEnv(t, "fake", nil)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.dispatcher.Dispatch(context.Background(), "t1")
			assert.NoError(err)
		}()
	}
	wg.Wait()

	assert.Len(env.adapter.Runs(), 1)
	assert.Equal([]model.TaskEventType{model.TaskEventRunning, model.TaskEventCompleted}, eventTypes(env.recorder.Events()))
}

func TestDispatcherDispatchBrokersToolCallsWithTheTaskID(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	env := newTestEnv(t, "fake", func(ctx context.Context, req runtime.RunRequest) model.RunResult {
		res := req.InvokeTool(ctx, "call_1", "github.repos.list", map[string]any{"org": "slok"})
		return model.RunResult{Status: model.TaskStatusCompleted, Result: res.(model.ToolCallOK).Value}
	})

	var gotRunIDs []string
	d, err := dispatch.NewDispatcher(dispatch.DispatcherConfig{
		Repository: env.repo,
		Registry:   newSingleRegistry(t, env.adapter),
		Broker: brokerFunc(func(ctx context.Context, runID, callID, toolPath string, input map[string]any) model.ToolCallResult {
			gotRunIDs = append(gotRunIDs, runID+"/"+callID+"/"+toolPath)
			return model.ToolCallOK{Value: input["org"]}
		}),
		Clock: func() time.Time { return t0 },
	})
	require.NoError(err)

	task, err := d.Dispatch(context.Background(), "t1")
	require.NoError(err)

	assert.Equal(model.TaskStatusCompleted, task.Status)
	assert.Equal(`"slok"`, task.Result)
	assert.Equal([]string{"t1/call_1/github.repos.list"}, gotRunIDs)
}

func newSingleRegistry(t *testing.T, a runtime.Adapter) *runtime.Registry {
	t.Helper()
	registry := runtime.NewRegistry()
	require.NoError(t, registry.Register("fake", a, true))
	return registry
}

func TestDispatcherDispatchMissingTask(t *testing.T) {
	env := newTestEnv(t, "fake", nil)

	_, err := env.dispatcher.Dispatch(context.Background(), "nope")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestDispatcherAbort(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	started := make(chan struct{})
	env := newTestEnv(t, "fake", func(ctx context.Context, req runtime.RunRequest) model.RunResult {
		close(started)
		<-ctx.Done()
		return runtime.Failure(runtime.AbortedMessage, nil, 0)
	})

	assert.ErrorIs(env.dispatcher.Abort("t1"), model.ErrNotFound)

	env.dispatcher.DispatchAsync(context.Background(), "t1")
	<-started
	require.NoError(env.dispatcher.Abort("t1"))
	env.dispatcher.Wait()

	got, err := env.repo.GetTask(context.Background(), "t1")
	require.NoError(err)
	assert.Equal(model.TaskStatusFailed, got.Status)
	assert.Equal("task aborted", got.Error)
	assert.Equal([]model.TaskEventType{model.TaskEventRunning, model.TaskEventFailed}, eventTypes(env.recorder.Events()))
}
