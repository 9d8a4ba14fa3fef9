package isolatehost_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/codebroker/internal/isolatehost"
	"github.com/slok/codebroker/internal/model"
	"github.com/slok/codebroker/internal/runtime"
	"github.com/slok/codebroker/internal/runtime/remote"
)

type callerFunc func(ctx context.Context, runID, callID, toolPath string, input map[string]any) model.ToolCallResult

func (f callerFunc) Call(ctx context.Context, runID, callID, toolPath string, input map[string]any) model.ToolCallResult {
	return f(ctx, runID, callID, toolPath, input)
}

func TestServerRun(t *testing.T) {
	tests := map[string]struct {
		auth      string
		body      any
		caller    callerFunc
		expCode   int
		expReport runtime.Report
		expBody   string
		expCB     remote.Callback
	}{
		"A run should return the code result.": {
			auth:    "Bearer tk",
			body:    remote.RunRequest{TaskID: "t1", Code: `console.log("x"); return "done";`, TimeoutMs: 5000},
			expCode: http.StatusOK,
			expReport: runtime.Report{
				Status:   model.TaskStatusCompleted,
				Result:   "done",
				ExitCode: runtime.IntPtr(0),
				Stdout:   "x\n",
			},
		},

		"Tool calls should go through the run callback.": {
			auth: "Bearer tk",
			body: remote.RunRequest{
				TaskID:    "t1",
				Code:      `return await tools.github.repos.get({name: "sbx"});`,
				TimeoutMs: 5000,
				Callback:  remote.Callback{URL: "http://broker", Secret: "s3cr3t"},
			},
			caller: func(ctx context.Context, runID, callID, toolPath string, input map[string]any) model.ToolCallResult {
				if runID != "t1" || callID != "call_1" || toolPath != "github.repos.get" || input["name"] != "sbx" {
					return model.ToolCallFailed{Error: "unexpected call"}
				}
				return model.ToolCallOK{Value: "repo"}
			},
			expCode:   http.StatusOK,
			expReport: runtime.Report{Status: model.TaskStatusCompleted, Result: "repo", ExitCode: runtime.IntPtr(0)},
			expCB:     remote.Callback{URL: "http://broker", Secret: "s3cr3t"},
		},

		"A denied tool call should be reported as denied.": {
			auth: "Bearer tk",
			body: remote.RunRequest{TaskID: "t1", Code: `await tools.github.repos.delete({});`, TimeoutMs: 5000},
			caller: func(ctx context.Context, runID, callID, toolPath string, input map[string]any) model.ToolCallResult {
				return model.ToolCallDenied{Reason: "no"}
			},
			expCode:   http.StatusOK,
			expReport: runtime.Report{Status: model.TaskStatusDenied, Error: "APPROVAL_DENIED: no", ExitCode: runtime.IntPtr(1)},
		},

		"Code running past the timeout should be reported as timed out.": {
			auth:      "Bearer tk",
			body:      remote.RunRequest{TaskID: "t1", Code: `while (true) {}`, TimeoutMs: 50},
			expCode:   http.StatusOK,
			expReport: runtime.Report{Status: model.TaskStatusTimedOut, Error: "task timed out after 50ms"},
		},

		"A wrong bearer token should be rejected.": {
			auth:    "Bearer nope",
			body:    remote.RunRequest{TaskID: "t1", Code: `return 1;`},
			expCode: http.StatusUnauthorized,
			expBody: `{"error":"Unauthorized"}`,
		},

		"A request without task id should be rejected.": {
			auth:    "Bearer tk",
			body:    remote.RunRequest{Code: `return 1;`},
			expCode: http.StatusBadRequest,
			expBody: `{"error":"taskId is required"}`,
		},
	}

	gin.SetMode(gin.TestMode)
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			var gotCB remote.Callback
			s, err := isolatehost.NewServer(isolatehost.ServerConfig{
				AuthToken:  "tk",
				MaxTimeout: 10 * time.Second,
				NewToolCaller: func(cb remote.Callback) (isolatehost.ToolCaller, error) {
					gotCB = cb
					if test.caller == nil {
						return callerFunc(func(context.Context, string, string, string, map[string]any) model.ToolCallResult {
							return model.ToolCallFailed{Error: "no tools"}
						}), nil
					}
					return test.caller, nil
				},
			})
			require.NoError(err)

			data, err := json.Marshal(test.body)
			require.NoError(err)
			req := httptest.NewRequest(http.MethodPost, "/run", bytes.NewReader(data))
			req.Header.Set("Authorization", test.auth)
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			s.Handler().ServeHTTP(w, req)

			assert.Equal(test.expCode, w.Code)
			if test.expBody != "" {
				assert.JSONEq(test.expBody, w.Body.String())
				return
			}

			var got runtime.Report
			require.NoError(json.Unmarshal(w.Body.Bytes(), &got))
			assert.Equal(test.expReport, got)
			assert.Equal(test.expCB, gotCB)
		})
	}
}
