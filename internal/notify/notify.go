package notify

import (
	"context"

	"github.com/slok/codebroker/internal/model"
)

// Notifier signals approval status changes to the waiters of an approval.
// Notifications are hints, waiters must read the record store for the source of truth.
type Notifier interface {
	// Subscribe returns a channel receiving the status changes of the approval and
	// an unsubscribe function. The channel is closed after unsubscribing.
	Subscribe(ctx context.Context, approvalID string) (<-chan model.ApprovalStatus, func(), error)
	Notify(ctx context.Context, approvalID string, status model.ApprovalStatus) error
}

// Noop is a notifier that never notifies, waiters fall back to polling.
const Noop = noop(0)

type noop int

var _ Notifier = Noop

func (noop) Subscribe(ctx context.Context, approvalID string) (<-chan model.ApprovalStatus, func(), error) {
	return nil, func() {}, nil
}

func (noop) Notify(ctx context.Context, approvalID string, status model.ApprovalStatus) error {
	return nil
}
