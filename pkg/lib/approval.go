package lib

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// ListApprovalsOpts are the options for [Client.ListApprovals].
type ListApprovalsOpts struct {
	TaskID string
	// Status filters by status, empty lists the pending ones.
	Status ApprovalStatus
}

// ListApprovals returns the approvals, by default the pending ones.
func (c *Client) ListApprovals(ctx context.Context, opts *ListApprovalsOpts) ([]Approval, error) {
	query := map[string]string{}
	if opts != nil {
		if opts.TaskID != "" {
			query["taskId"] = opts.TaskID
		}
		if opts.Status != "" {
			query["status"] = string(opts.Status)
		}
	}

	var out struct {
		Approvals []Approval `json:"approvals"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/approvals", query, nil, &out); err != nil {
		return nil, err
	}

	return out.Approvals, nil
}

// ResolveApprovalOpts are the options to approve or deny an approval.
type ResolveApprovalOpts struct {
	// ReviewerID is required.
	ReviewerID string
	Reason     string
}

type resolveApprovalRequest struct {
	ReviewerID string `json:"reviewerId"`
	Reason     string `json:"reason,omitempty"`
}

// Approve approves a pending approval and resumes the waiting tool call.
//
// Returns [ErrNotFound] if the approval does not exist or [ErrConflict] if it
// was already resolved.
func (c *Client) Approve(ctx context.Context, id string, opts ResolveApprovalOpts) (*Approval, error) {
	return c.resolve(ctx, id, "approve", opts)
}

// Deny denies a pending approval, the waiting tool call fails as denied.
//
// Returns [ErrNotFound] if the approval does not exist or [ErrConflict] if it
// was already resolved.
func (c *Client) Deny(ctx context.Context, id string, opts ResolveApprovalOpts) (*Approval, error) {
	return c.resolve(ctx, id, "deny", opts)
}

func (c *Client) resolve(ctx context.Context, id, action string, opts ResolveApprovalOpts) (*Approval, error) {
	if opts.ReviewerID == "" {
		return nil, fmt.Errorf("reviewer id is required: %w", ErrNotValid)
	}

	var a Approval
	path := "/v1/approvals/" + url.PathEscape(id) + "/" + action
	err := c.do(ctx, http.MethodPost, path, nil, resolveApprovalRequest{ReviewerID: opts.ReviewerID, Reason: opts.Reason}, &a)
	if err != nil {
		return nil, err
	}

	return &a, nil
}
