package model

import "time"

// ApprovalStatus represents the state of an approval.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusDenied   ApprovalStatus = "denied"
	// ApprovalStatusMissing is only used on status queries for unknown approvals.
	ApprovalStatusMissing ApprovalStatus = "missing"
)

// IsResolved returns true if a human already decided.
func (s ApprovalStatus) IsResolved() bool {
	return s == ApprovalStatusApproved || s == ApprovalStatusDenied
}

// Approval is the human decision record gating a policy flagged tool call.
// Approvals are never deleted.
type Approval struct {
	ID         string
	TaskID     string
	CallID     string
	ToolPath   string
	Input      map[string]any
	Status     ApprovalStatus
	Reason     string
	ReviewerID string
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// ApprovalListOpts filters approval listings.
type ApprovalListOpts struct {
	TaskID string
	Status ApprovalStatus
}
