package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/slok/codebroker/internal/approval"
	"github.com/slok/codebroker/internal/log"
	"github.com/slok/codebroker/internal/model"
)

// Broker internal routes.
const (
	ToolCallsPath      = "/internal/tool-calls"
	ApprovalStatusPath = "/internal/approval-status"
)

// ToolCallRequest is the tool call callback body, the response is the
// encoded model.ToolCallResult.
type ToolCallRequest struct {
	Secret   string         `json:"internalSecret"`
	RunID    string         `json:"runId"`
	CallID   string         `json:"callId"`
	ToolPath string         `json:"toolPath"`
	Input    map[string]any `json:"input,omitempty"`
}

// ApprovalStatusRequest is the approval status query body.
type ApprovalStatusRequest struct {
	Secret     string `json:"internalSecret"`
	RunID      string `json:"runId"`
	ApprovalID string `json:"approvalId"`
}

// ApprovalStatusResponse is the approval status query response.
type ApprovalStatusResponse struct {
	Status model.ApprovalStatus `json:"status"`
}

// ClientConfig is the configuration for the callback client.
type ClientConfig struct {
	// BaseURL is the broker URL.
	BaseURL string
	Secret  string
	// PollInterval is the approval status polling interval of Call.
	PollInterval time.Duration
	// ApprovalTimeout is how long Call waits for an approval.
	ApprovalTimeout time.Duration
	Client          *resty.Client
	Logger          log.Logger
}

func (c *ClientConfig) defaults() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = approval.DefaultTimeout
	}
	if c.Client == nil {
		c.Client = resty.New().SetTimeout(2 * time.Minute)
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "callback.Client"})
	return nil
}

// Client calls back into the broker from out of process runtimes. Transport
// failures are returned as failed tool call results.
type Client struct {
	baseURL         string
	secret          string
	pollInterval    time.Duration
	approvalTimeout time.Duration
	client          *resty.Client
	logger          log.Logger
}

// NewClient returns a new callback client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Client{
		baseURL:         cfg.BaseURL,
		secret:          cfg.Secret,
		pollInterval:    cfg.PollInterval,
		approvalTimeout: cfg.ApprovalTimeout,
		client:          cfg.Client,
		logger:          cfg.Logger,
	}, nil
}

// InvokeTool sends one tool call to the broker and returns its result as is,
// pending results included.
func (c *Client) InvokeTool(ctx context.Context, runID, callID, toolPath string, input map[string]any) model.ToolCallResult {
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(ToolCallRequest{
			Secret:   c.secret,
			RunID:    runID,
			CallID:   callID,
			ToolPath: toolPath,
			Input:    input,
		}).
		Post(c.baseURL + ToolCallsPath)
	if err != nil {
		return model.ToolCallFailed{Error: fmt.Sprintf("tool call callback failed: %s", err)}
	}
	if err := checkResponse(resp); err != nil {
		return model.ToolCallFailed{Error: fmt.Sprintf("tool call callback failed: %s", err)}
	}

	res, err := model.UnmarshalToolCallResult(resp.Body())
	if err != nil {
		return model.ToolCallFailed{Error: fmt.Sprintf("tool call callback returned an invalid result: %s", err)}
	}

	return res
}

// ApprovalStatus queries the status of an approval of the run.
func (c *Client) ApprovalStatus(ctx context.Context, runID, approvalID string) (model.ApprovalStatus, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(ApprovalStatusRequest{Secret: c.secret, RunID: runID, ApprovalID: approvalID}).
		Post(c.baseURL + ApprovalStatusPath)
	if err != nil {
		return "", fmt.Errorf("approval status callback failed: %w", err)
	}
	if err := checkResponse(resp); err != nil {
		return "", fmt.Errorf("approval status callback failed: %w", err)
	}

	var out ApprovalStatusResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("invalid approval status response: %w", err)
	}

	return out.Status, nil
}

// Call is InvokeTool blocking until pending results are resolved. The approval
// status is polled and the call is retried with the same call id once the
// approval is no longer pending.
func (c *Client) Call(ctx context.Context, runID, callID, toolPath string, input map[string]any) model.ToolCallResult {
	res := c.InvokeTool(ctx, runID, callID, toolPath, input)
	pending, ok := res.(model.ToolCallPending)
	if !ok {
		return res
	}

	logger := c.logger.WithValues(log.Kv{"run-id": runID, "call-id": callID, "approval-id": pending.ApprovalID})
	logger.Infof("Tool %s waiting for approval", toolPath)

	waitCtx, cancel := context.WithTimeout(ctx, c.approvalTimeout)
	defer cancel()

	t := time.NewTicker(c.pollInterval)
	defer t.Stop()
	for {
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return model.ToolCallFailed{Error: fmt.Sprintf("approval %s wait interrupted: %s", pending.ApprovalID, ctx.Err())}
			}
			return model.ToolCallFailed{Error: fmt.Sprintf("approval %s was not resolved within %s", pending.ApprovalID, c.approvalTimeout)}
		case <-t.C:
		}

		status, err := c.ApprovalStatus(waitCtx, runID, pending.ApprovalID)
		if err != nil {
			logger.Warningf("Could not get approval status: %s", err)
			continue
		}

		switch status {
		case model.ApprovalStatusPending:
			continue
		case model.ApprovalStatusMissing:
			return model.ToolCallFailed{Error: fmt.Sprintf("approval %s not found", pending.ApprovalID)}
		}

		res := c.InvokeTool(ctx, runID, callID, toolPath, input)
		if _, ok := res.(model.ToolCallPending); ok {
			return model.ToolCallFailed{Error: fmt.Sprintf("approval %s is still pending", pending.ApprovalID)}
		}
		return res
	}
}

func checkResponse(resp *resty.Response) error {
	switch {
	case resp.StatusCode() == http.StatusUnauthorized:
		return fmt.Errorf("bad internal secret: %w", model.ErrUnauthorized)
	case resp.StatusCode() != http.StatusOK:
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return nil
}
