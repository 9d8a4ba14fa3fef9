package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/codebroker/internal/app/evaluate"
	"github.com/slok/codebroker/internal/app/inspect"
	"github.com/slok/codebroker/internal/app/resolve"
	"github.com/slok/codebroker/internal/app/submit"
	"github.com/slok/codebroker/internal/approval"
	"github.com/slok/codebroker/internal/broker"
	"github.com/slok/codebroker/internal/dispatch"
	"github.com/slok/codebroker/internal/httpapi"
	"github.com/slok/codebroker/internal/metrics"
	"github.com/slok/codebroker/internal/model"
	notifymemory "github.com/slok/codebroker/internal/notify/memory"
	"github.com/slok/codebroker/internal/policy"
	"github.com/slok/codebroker/internal/runtime"
	"github.com/slok/codebroker/internal/runtime/inprocess"
	"github.com/slok/codebroker/internal/storage/memory"
	"github.com/slok/codebroker/internal/tool"
)

const secret = "s3cr3t"

type testEnv struct {
	repo   *memory.Repository
	server *httpapi.Server
}

func newTestEnv(t *testing.T, rules []model.PolicyRule) testEnv {
	t.Helper()
	require := require.New(t)

	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(err)
	for _, r := range rules {
		require.NoError(repo.SavePolicyRule(context.Background(), r))
	}

	catalog, err := tool.NewCatalog([]model.ToolSource{{Name: "github", Kind: model.ToolSourceKindHTTP, Endpoint: "http://github.test"}})
	require.NoError(err)
	policySvc, err := policy.NewService(policy.ServiceConfig{Repository: repo})
	require.NoError(err)

	reg := prometheus.NewRegistry()
	rec := metrics.NewPrometheusRecorder(reg)

	// Waits only wake up by the notifier, the poll never fires in a test.
	notifier, err := notifymemory.NewNotifier(notifymemory.NotifierConfig{})
	require.NoError(err)
	waiter, err := approval.NewWaiter(approval.WaiterConfig{Repository: repo, Notifier: notifier, PollInterval: time.Hour})
	require.NoError(err)

	b, err := broker.NewBroker(broker.BrokerConfig{
		Repository: repo,
		Policy:     policySvc,
		Catalog:    catalog,
		Invoker: tool.InvokerFunc(func(ctx context.Context, call tool.Call) (any, error) {
			return map[string]any{"path": call.Path}, nil
		}),
		Waiter:          waiter,
		ApprovalTimeout: 5 * time.Second,
		Metrics:         rec,
	})
	require.NoError(err)

	adapter, err := inprocess.NewAdapter(inprocess.AdapterConfig{})
	require.NoError(err)
	registry := runtime.NewRegistry()
	require.NoError(registry.Register(runtime.IDInProcess, adapter, true))

	d, err := dispatch.NewDispatcher(dispatch.DispatcherConfig{Repository: repo, Registry: registry, Broker: b, Metrics: rec})
	require.NoError(err)

	submitSvc, err := submit.NewService(submit.ServiceConfig{Repository: repo, Dispatcher: d, DefaultRuntimeID: runtime.IDInProcess})
	require.NoError(err)
	inspectSvc, err := inspect.NewService(inspect.ServiceConfig{Repository: repo})
	require.NoError(err)
	resolver, err := approval.NewResolver(approval.ResolverConfig{Repository: repo, Notifier: notifier})
	require.NoError(err)
	resolveSvc, err := resolve.NewService(resolve.ServiceConfig{Resolver: resolver, Repository: repo, Metrics: rec})
	require.NoError(err)
	evaluateSvc, err := evaluate.NewService(evaluate.ServiceConfig{Catalog: catalog, Policy: policySvc})
	require.NoError(err)

	s, err := httpapi.NewServer(httpapi.ServerConfig{
		Submitter:      submitSvc,
		Inspector:      inspectSvc,
		Approvals:      resolveSvc,
		Policy:         evaluateSvc,
		Aborter:        d,
		Broker:         b,
		InternalSecret: secret,
		Gatherer:       reg,
	})
	require.NoError(err)

	return testEnv{repo: repo, server: s}
}

func (e testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = httptest.NewRequest(method, path, bytes.NewReader(data))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, r)
	return w
}

func (e testEnv) runningTask(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	task := model.Task{ID: "t1", WorkspaceID: "ws1", Code: "return 1;", RuntimeID: "remote_isolate", Status: model.TaskStatusQueued, TimeoutMs: 60000, CreatedAt: time.Now().UTC()}
	require.NoError(t, e.repo.CreateTask(ctx, task))
	task.Status = model.TaskStatusRunning
	require.NoError(t, e.repo.TransitionTask(ctx, model.TaskStatusQueued, task))
}

func requireApproval() []model.PolicyRule {
	return []model.PolicyRule{{
		ID:           "review-deletes",
		Selector:     model.Selector{Type: model.SelectorTypeToolPath, Pattern: "github.repos.delete"},
		Effect:       model.PolicyEffectAllow,
		ApprovalMode: model.ApprovalModeRequired,
		Priority:     10,
	}}
}

func TestSubmitTask(t *testing.T) {
	tests := map[string]struct {
		body       map[string]any
		expCode    int
		expStatus  string
		expResult  any
		expBodyHas string
	}{
		"A sync submission should run the task and return its result.": {
			body:      map[string]any{"workspaceId": "ws1", "code": `return await tools.github.repos.list({});`, "mode": "sync"},
			expCode:   http.StatusOK,
			expStatus: "completed",
			expResult: map[string]any{"path": "repos.list"},
		},

		"A queued submission should only store the task.": {
			body:      map[string]any{"workspaceId": "ws1", "code": `return 1;`, "mode": "queue"},
			expCode:   http.StatusAccepted,
			expStatus: "queued",
		},

		"A submission on an unknown runtime should fail the task.": {
			body:      map[string]any{"workspaceId": "ws1", "code": `return 1;`, "runtimeId": "unknown_backend", "mode": "sync"},
			expCode:   http.StatusOK,
			expStatus: "failed",
		},

		"A submission without code should be rejected.": {
			body:       map[string]any{"workspaceId": "ws1"},
			expCode:    http.StatusBadRequest,
			expBodyHas: "code is required",
		},
	}

	gin.SetMode(gin.TestMode)
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			env := newTestEnv(t, nil)
			w := env.do(t, http.MethodPost, "/v1/tasks", test.body)

			assert.Equal(test.expCode, w.Code)
			if test.expBodyHas != "" {
				assert.Contains(w.Body.String(), test.expBodyHas)
				return
			}

			var got map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
			assert.Equal(test.expStatus, got["status"])
			assert.Equal(test.expResult, got["result"])
		})
	}
}

func TestGetTask(t *testing.T) {
	gin.SetMode(gin.TestMode)
	assert := assert.New(t)

	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodPost, "/v1/tasks", map[string]any{"workspaceId": "ws1", "code": `await tools.github.repos.list({}); return 1;`, "mode": "sync"})
	require.Equal(t, http.StatusOK, w.Code)
	var submitted map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &submitted))

	w = env.do(t, http.MethodGet, "/v1/tasks/"+submitted["id"].(string), nil)
	assert.Equal(http.StatusOK, w.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal("completed", got["status"])
	assert.Equal(float64(1), got["result"])
	calls := got["toolCalls"].([]any)
	require.Len(t, calls, 1)
	assert.Equal("github.repos.list", calls[0].(map[string]any)["toolPath"])
	assert.Equal("completed", calls[0].(map[string]any)["status"])

	w = env.do(t, http.MethodGet, "/v1/tasks/missing", nil)
	assert.Equal(http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/v1/tasks/missing/abort", nil)
	assert.Equal(http.StatusNotFound, w.Code)
}

func TestInternalCallbacksRejectWrongSecrets(t *testing.T) {
	tests := map[string]struct {
		path string
		body map[string]any
	}{
		"A tool call with a wrong secret should be rejected.": {
			path: "/internal/tool-calls",
			body: map[string]any{"internalSecret": "nope", "runId": "t1", "callId": "call_1", "toolPath": "github.repos.list"},
		},
		"A tool call without secret should be rejected.": {
			path: "/internal/tool-calls",
			body: map[string]any{"runId": "t1", "callId": "call_1", "toolPath": "github.repos.list"},
		},
		"An approval status query with a wrong secret should be rejected.": {
			path: "/internal/approval-status",
			body: map[string]any{"internalSecret": "nope", "runId": "t1", "approvalId": "a1"},
		},
	}

	gin.SetMode(gin.TestMode)
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.runningTask(t)

			w := env.do(t, http.MethodPost, test.path, test.body)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.JSONEq(t, `{"error":"Unauthorized"}`, w.Body.String())
		})
	}
}

func TestInternalCallbackApprovalRoundTrip(t *testing.T) {
	gin.SetMode(gin.TestMode)
	assert := assert.New(t)
	require := require.New(t)

	env := newTestEnv(t, requireApproval())
	env.runningTask(t)
	call := map[string]any{"internalSecret": secret, "runId": "t1", "callId": "call_1", "toolPath": "github.repos.delete", "input": map[string]any{"repo": "sbx"}}

	// The call needs an approval.
	w := env.do(t, http.MethodPost, "/internal/tool-calls", call)
	require.Equal(http.StatusOK, w.Code)
	var pending map[string]any
	require.NoError(json.Unmarshal(w.Body.Bytes(), &pending))
	assert.Equal("pending", pending["kind"])
	approvalID := pending["approvalId"].(string)

	w = env.do(t, http.MethodPost, "/internal/approval-status", map[string]any{"internalSecret": secret, "runId": "t1", "approvalId": approvalID})
	assert.JSONEq(`{"status":"pending"}`, w.Body.String())

	w = env.do(t, http.MethodGet, "/v1/approvals", nil)
	require.Equal(http.StatusOK, w.Code)
	assert.Contains(w.Body.String(), approvalID)

	// A human approves it.
	w = env.do(t, http.MethodPost, "/v1/approvals/"+approvalID+"/approve", map[string]any{"reviewerId": "bob"})
	require.Equal(http.StatusOK, w.Code)
	assert.Contains(w.Body.String(), `"status":"approved"`)

	w = env.do(t, http.MethodPost, "/v1/approvals/"+approvalID+"/deny", map[string]any{"reviewerId": "alice"})
	assert.Equal(http.StatusConflict, w.Code)

	w = env.do(t, http.MethodPost, "/internal/approval-status", map[string]any{"internalSecret": secret, "runId": "t1", "approvalId": approvalID})
	assert.JSONEq(`{"status":"approved"}`, w.Body.String())

	// The retry with the same call id executes the tool.
	w = env.do(t, http.MethodPost, "/internal/tool-calls", call)
	require.Equal(http.StatusOK, w.Code)
	assert.JSONEq(`{"ok":true,"value":{"path":"repos.delete"}}`, w.Body.String())

	tcs, err := env.repo.ListToolCalls(context.Background(), "t1")
	require.NoError(err)
	assert.Len(tcs, 1)
}

func TestSyncSubmissionResumesWhenApproved(t *testing.T) {
	gin.SetMode(gin.TestMode)
	assert := assert.New(t)
	require := require.New(t)

	env := newTestEnv(t, requireApproval())

	// The sync submission blocks on the approval of the delete.
	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- env.do(t, http.MethodPost, "/v1/tasks", map[string]any{
			"workspaceId": "ws1",
			"code":        `return await tools.github.repos.delete({repo: "sbx"});`,
			"mode":        "sync",
		})
	}()

	var approvalID string
	require.Eventually(func() bool {
		as, err := env.repo.ListApprovals(context.Background(), model.ApprovalListOpts{Status: model.ApprovalStatusPending})
		if err != nil || len(as) == 0 {
			return false
		}
		approvalID = as[0].ID
		return true
	}, 2*time.Second, 10*time.Millisecond)

	start := time.Now()
	w := env.do(t, http.MethodPost, "/v1/approvals/"+approvalID+"/approve", map[string]any{"reviewerId": "bob"})
	require.Equal(http.StatusOK, w.Code)

	select {
	case w := <-done:
		require.Equal(http.StatusOK, w.Code)
		var got map[string]any
		require.NoError(json.Unmarshal(w.Body.Bytes(), &got))
		assert.Equal("completed", got["status"])
		assert.Equal(map[string]any{"path": "repos.delete"}, got["result"])
		assert.Less(time.Since(start), time.Second)
	case <-time.After(3 * time.Second):
		t.Fatal("the approved task did not resume")
	}
}

func TestEvaluatePolicy(t *testing.T) {
	gin.SetMode(gin.TestMode)
	env := newTestEnv(t, requireApproval())

	w := env.do(t, http.MethodPost, "/v1/policy/evaluate", map[string]any{"toolPath": "github.repos.delete", "workspaceId": "ws1"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"effect":"require_approval","approvalMode":"required","ruleId":"review-deletes"}`, w.Body.String())

	w = env.do(t, http.MethodPost, "/v1/policy/evaluate", map[string]any{"toolPath": "gitlab.repos.delete"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsAndHealth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/v1/tasks", map[string]any{"workspaceId": "ws1", "code": `return await tools.github.repos.list({});`, "mode": "sync"})
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `codebroker_dispatch_task_run_duration_seconds_count{runtime="inprocess",status="completed"} 1`)
	assert.Contains(t, body, `codebroker_policy_decisions_total{effect="allow"} 1`)
}
