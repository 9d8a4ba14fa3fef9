package callback_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/codebroker/internal/callback"
	"github.com/slok/codebroker/internal/model"
)

// fakeBroker answers the callback routes with scripted results.
type fakeBroker struct {
	mu        sync.Mutex
	secret    string
	results   []model.ToolCallResult
	statuses  []model.ApprovalStatus
	toolCalls []callback.ToolCallRequest
}

func (f *fakeBroker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body["internalSecret"] != f.secret {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"Unauthorized"}`))
		return
	}

	switch r.URL.Path {
	case callback.ToolCallsPath:
		data, _ := json.Marshal(body)
		var req callback.ToolCallRequest
		_ = json.Unmarshal(data, &req)
		f.toolCalls = append(f.toolCalls, req)

		res := f.results[0]
		if len(f.results) > 1 {
			f.results = f.results[1:]
		}
		out, _ := model.MarshalToolCallResult(res)
		_, _ = w.Write(out)

	case callback.ApprovalStatusPath:
		st := f.statuses[0]
		if len(f.statuses) > 1 {
			f.statuses = f.statuses[1:]
		}
		_ = json.NewEncoder(w).Encode(callback.ApprovalStatusResponse{Status: st})

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestClientCall(t *testing.T) {
	tests := map[string]struct {
		clientSecret string
		results      []model.ToolCallResult
		statuses     []model.ApprovalStatus
		timeout      time.Duration
		expResult    model.ToolCallResult
		expToolCalls int
	}{
		"An allowed tool call should return the value.": {
			clientSecret: "s3cr3t",
			results:      []model.ToolCallResult{model.ToolCallOK{Value: "v"}},
			expResult:    model.ToolCallOK{Value: "v"},
			expToolCalls: 1,
		},

		"A denied tool call should return the denial.": {
			clientSecret: "s3cr3t",
			results:      []model.ToolCallResult{model.ToolCallDenied{Reason: "no"}},
			expResult:    model.ToolCallDenied{Reason: "no"},
			expToolCalls: 1,
		},

		"A pending tool call should be retried once the approval is approved.": {
			clientSecret: "s3cr3t",
			results:      []model.ToolCallResult{model.ToolCallPending{ApprovalID: "a1"}, model.ToolCallOK{Value: "v"}},
			statuses:     []model.ApprovalStatus{model.ApprovalStatusPending, model.ApprovalStatusApproved},
			expResult:    model.ToolCallOK{Value: "v"},
			expToolCalls: 2,
		},

		"A pending tool call should be retried once the approval is denied.": {
			clientSecret: "s3cr3t",
			results:      []model.ToolCallResult{model.ToolCallPending{ApprovalID: "a1"}, model.ToolCallDenied{Reason: "tool x denied by bob: no"}},
			statuses:     []model.ApprovalStatus{model.ApprovalStatusDenied},
			expResult:    model.ToolCallDenied{Reason: "tool x denied by bob: no"},
			expToolCalls: 2,
		},

		"A missing approval should fail the call.": {
			clientSecret: "s3cr3t",
			results:      []model.ToolCallResult{model.ToolCallPending{ApprovalID: "a1"}},
			statuses:     []model.ApprovalStatus{model.ApprovalStatusMissing},
			expResult:    model.ToolCallFailed{Error: "approval a1 not found"},
			expToolCalls: 1,
		},

		"An approval not resolved in time should fail the call.": {
			clientSecret: "s3cr3t",
			results:      []model.ToolCallResult{model.ToolCallPending{ApprovalID: "a1"}},
			statuses:     []model.ApprovalStatus{model.ApprovalStatusPending},
			timeout:      50 * time.Millisecond,
			expResult:    model.ToolCallFailed{Error: "approval a1 was not resolved within 50ms"},
			expToolCalls: 1,
		},

		"A wrong secret should fail the call.": {
			clientSecret: "wrong",
			expResult:    model.ToolCallFailed{Error: "tool call callback failed: bad internal secret: unauthorized"},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			fb := &fakeBroker{secret: "s3cr3t", results: test.results, statuses: test.statuses}
			srv := httptest.NewServer(fb)
			defer srv.Close()

			c, err := callback.NewClient(callback.ClientConfig{
				BaseURL:         srv.URL + "/",
				Secret:          test.clientSecret,
				PollInterval:    5 * time.Millisecond,
				ApprovalTimeout: test.timeout,
			})
			require.NoError(t, err)

			got := c.Call(context.Background(), "t1", "call_1", "github.repos.delete", map[string]any{"repo": "sbx"})

			assert.Equal(test.expResult, got)
			fb.mu.Lock()
			defer fb.mu.Unlock()
			assert.Len(fb.toolCalls, test.expToolCalls)
			for _, tc := range fb.toolCalls {
				assert.Equal(callback.ToolCallRequest{
					Secret:   "s3cr3t",
					RunID:    "t1",
					CallID:   "call_1",
					ToolPath: "github.repos.delete",
					Input:    map[string]any{"repo": "sbx"},
				}, tc)
			}
		})
	}
}

func TestClientApprovalStatus(t *testing.T) {
	fb := &fakeBroker{secret: "s3cr3t", statuses: []model.ApprovalStatus{model.ApprovalStatusApproved}}
	srv := httptest.NewServer(fb)
	defer srv.Close()

	c, err := callback.NewClient(callback.ClientConfig{BaseURL: srv.URL, Secret: "s3cr3t"})
	require.NoError(t, err)

	got, err := c.ApprovalStatus(context.Background(), "t1", "a1")
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalStatusApproved, got)
}
