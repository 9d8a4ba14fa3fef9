package model_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/codebroker/internal/model"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return ts
}

func TestToolCallResultWireFormat(t *testing.T) {
	tests := map[string]struct {
		result  model.ToolCallResult
		expJSON string
	}{
		"An ok result should be encoded with its value.": {
			result:  model.ToolCallOK{Value: map[string]any{"n": 1.0}},
			expJSON: `{"ok":true,"value":{"n":1}}`,
		},
		"A pending result should carry the approval id.": {
			result:  model.ToolCallPending{ApprovalID: "ap1"},
			expJSON: `{"ok":false,"kind":"pending","approvalId":"ap1"}`,
		},
		"A denied result should carry the reason.": {
			result:  model.ToolCallDenied{Reason: "policy"},
			expJSON: `{"ok":false,"kind":"denied","reason":"policy"}`,
		},
		"A failed result should carry the error.": {
			result:  model.ToolCallFailed{Error: "boom"},
			expJSON: `{"ok":false,"kind":"failed","error":"boom"}`,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			data, err := model.MarshalToolCallResult(test.result)
			require.NoError(err)
			assert.JSONEq(test.expJSON, string(data))

			got, err := model.UnmarshalToolCallResult(data)
			require.NoError(err)
			assert.Equal(test.result, got)
		})
	}
}

func TestUnmarshalToolCallResultInvalid(t *testing.T) {
	tests := map[string]string{
		"Invalid JSON should fail.":                   `{`,
		"Unknown kind should fail.":                   `{"ok":false,"kind":"maybe"}`,
		"Pending without an approval id should fail.": `{"ok":false,"kind":"pending"}`,
	}

	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := model.UnmarshalToolCallResult([]byte(raw))
			assert.Error(t, err)
		})
	}
}
