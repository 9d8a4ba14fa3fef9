package lib

import (
	"context"
	"fmt"
	"net/http"
)

// EvaluatePolicyOpts are the options for [Client.EvaluatePolicy].
type EvaluatePolicyOpts struct {
	// ToolPath is the dotted tool path, e.g github.repos.delete. Required.
	ToolPath       string
	Input          map[string]any
	WorkspaceID    string
	AccountID      string
	OrganizationID string
	ClientID       string
}

type evaluatePolicyRequest struct {
	ToolPath       string         `json:"toolPath"`
	Input          map[string]any `json:"input,omitempty"`
	WorkspaceID    string         `json:"workspaceId,omitempty"`
	AccountID      string         `json:"accountId,omitempty"`
	OrganizationID string         `json:"organizationId,omitempty"`
	ClientID       string         `json:"clientId,omitempty"`
}

// EvaluatePolicy returns the decision the broker would take for a tool call
// without calling the tool.
//
// Returns [ErrNotFound] if the tool is not in the broker catalog.
func (c *Client) EvaluatePolicy(ctx context.Context, opts EvaluatePolicyOpts) (*Decision, error) {
	if opts.ToolPath == "" {
		return nil, fmt.Errorf("tool path is required: %w", ErrNotValid)
	}

	var d Decision
	err := c.do(ctx, http.MethodPost, "/v1/policy/evaluate", nil, evaluatePolicyRequest(opts), &d)
	if err != nil {
		return nil, err
	}

	return &d, nil
}
