package graphqlsource_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/codebroker/internal/model"
	"github.com/slok/codebroker/internal/tool"
	"github.com/slok/codebroker/internal/tool/graphqlsource"
)

const viewerQuery = `query Viewer($login: String!) { user(login: $login) { id } }`

func TestInvokerInvoke(t *testing.T) {
	tests := map[string]struct {
		tool       model.ToolDefinition
		response   string
		status     int
		expResult  any
		expErr     bool
		expErrText string
	}{
		"The data of a successful query should be returned.": {
			tool:      model.ToolDefinition{Path: "user.get", Query: viewerQuery},
			response:  `{"data":{"user":{"id":"u1"}}}`,
			expResult: map[string]any{"user": map[string]any{"id": "u1"}},
		},

		"GraphQL errors should fail the call.": {
			tool:       model.ToolDefinition{Path: "user.get", Query: viewerQuery},
			response:   `{"data":null,"errors":[{"message":"not found"},{"message":"forbidden"}]}`,
			expErr:     true,
			expErrText: "graphql errors: not found; forbidden",
		},

		"A non 2xx response should fail the call.": {
			tool:       model.ToolDefinition{Path: "user.get", Query: viewerQuery},
			response:   `boom`,
			status:     http.StatusInternalServerError,
			expErr:     true,
			expErrText: "graphql error (500): boom",
		},

		"A tool without query should fail the call.": {
			tool:       model.ToolDefinition{Path: "user.get"},
			expErr:     true,
			expErrText: "has no query document",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var req struct {
					Query     string         `json:"query"`
					Variables map[string]any `json:"variables"`
				}
				require.NoError(json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(viewerQuery, req.Query)
				assert.Equal(map[string]any{"login": "slok"}, req.Variables)

				w.Header().Set("Content-Type", "application/json")
				if test.status != 0 {
					w.WriteHeader(test.status)
				}
				_, _ = w.Write([]byte(test.response))
			}))
			defer srv.Close()

			inv, err := graphqlsource.NewInvoker(graphqlsource.InvokerConfig{})
			require.NoError(err)

			gotResult, err := inv.Invoke(context.Background(), tool.Call{
				ToolPath: "github.user.get",
				Path:     "user.get",
				Source:   model.ToolSource{Name: "github", Kind: model.ToolSourceKindGraphQL, Endpoint: srv.URL},
				Tool:     test.tool,
				Input:    map[string]any{"login": "slok"},
			})

			if test.expErr {
				require.Error(err)
				assert.Contains(err.Error(), test.expErrText)
			} else if assert.NoError(err) {
				assert.Equal(test.expResult, gotResult)
			}
		})
	}
}
