package lib

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// SubmitMode is how the broker dispatches a submitted task.
type SubmitMode string

const (
	// SubmitModeAsync dispatches the task in the background (default).
	SubmitModeAsync SubmitMode = "async"
	// SubmitModeSync waits until the task ends.
	SubmitModeSync SubmitMode = "sync"
	// SubmitModeQueue only stores the task, the broker queue poller dispatches it later.
	SubmitModeQueue SubmitMode = "queue"
)

// SubmitTaskOpts are the options for [Client.SubmitTask].
type SubmitTaskOpts struct {
	// WorkspaceID is required.
	WorkspaceID    string
	AccountID      string
	OrganizationID string
	ClientID       string
	// Code is the JavaScript to run, required.
	Code string
	// RuntimeID selects the runtime, empty uses the broker default.
	RuntimeID string
	// Timeout of the run, zero uses the broker default.
	Timeout time.Duration
	Mode    SubmitMode
}

type submitTaskRequest struct {
	WorkspaceID    string `json:"workspaceId"`
	AccountID      string `json:"accountId,omitempty"`
	OrganizationID string `json:"organizationId,omitempty"`
	ClientID       string `json:"clientId,omitempty"`
	Code           string `json:"code"`
	RuntimeID      string `json:"runtimeId,omitempty"`
	TimeoutMs      int64  `json:"timeoutMs,omitempty"`
	Mode           string `json:"mode,omitempty"`
}

// SubmitTask submits code to the broker.
//
// With [SubmitModeSync] the returned task is terminal, otherwise it is the
// task as stored before running. Returns [ErrNotValid] on invalid options.
func (c *Client) SubmitTask(ctx context.Context, opts SubmitTaskOpts) (*Task, error) {
	if opts.WorkspaceID == "" {
		return nil, fmt.Errorf("workspace id is required: %w", ErrNotValid)
	}
	if opts.Code == "" {
		return nil, fmt.Errorf("code is required: %w", ErrNotValid)
	}

	var t Task
	err := c.do(ctx, http.MethodPost, "/v1/tasks", nil, submitTaskRequest{
		WorkspaceID:    opts.WorkspaceID,
		AccountID:      opts.AccountID,
		OrganizationID: opts.OrganizationID,
		ClientID:       opts.ClientID,
		Code:           opts.Code,
		RuntimeID:      opts.RuntimeID,
		TimeoutMs:      opts.Timeout.Milliseconds(),
		Mode:           string(opts.Mode),
	}, &t)
	if err != nil {
		return nil, err
	}

	return &t, nil
}

// GetTask returns the task with its tool calls and approvals.
//
// Returns [ErrNotFound] if the task does not exist.
func (c *Client) GetTask(ctx context.Context, id string) (*TaskDetail, error) {
	var d TaskDetail
	if err := c.do(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(id), nil, nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// ListTasksOpts are the options for [Client.ListTasks].
type ListTasksOpts struct {
	WorkspaceID string
	Status      TaskStatus
	Limit       int
}

// ListTasks returns the tasks, newest first. Pass nil to list all tasks.
func (c *Client) ListTasks(ctx context.Context, opts *ListTasksOpts) ([]Task, error) {
	query := map[string]string{}
	if opts != nil {
		if opts.WorkspaceID != "" {
			query["workspaceId"] = opts.WorkspaceID
		}
		if opts.Status != "" {
			query["status"] = string(opts.Status)
		}
		if opts.Limit > 0 {
			query["limit"] = strconv.Itoa(opts.Limit)
		}
	}

	var out struct {
		Tasks []Task `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/tasks", query, nil, &out); err != nil {
		return nil, err
	}

	return out.Tasks, nil
}

// AbortTask requests the abort of a running task. The abort is asynchronous,
// use [Client.WaitTask] to know when the task ended.
//
// Returns [ErrNotFound] if the task is not running on the broker.
func (c *Client) AbortTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/tasks/"+url.PathEscape(id)+"/abort", nil, nil, nil)
}

// WaitTask polls the task every interval until it is terminal or the context ends.
func (c *Client) WaitTask(ctx context.Context, id string, interval time.Duration) (*TaskDetail, error) {
	if interval <= 0 {
		interval = time.Second
	}

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		d, err := c.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if d.Status.IsTerminal() {
			return d, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}
