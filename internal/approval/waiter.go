package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/slok/codebroker/internal/log"
	"github.com/slok/codebroker/internal/model"
	"github.com/slok/codebroker/internal/notify"
	"github.com/slok/codebroker/internal/storage"
)

// Outcome is the result of waiting for an approval.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeDenied   Outcome = "denied"
	OutcomeTimeout  Outcome = "timeout"
)

const (
	// DefaultTimeout is how long a tool call waits for a human by default.
	DefaultTimeout      = 10 * time.Minute
	defaultPollInterval = 2 * time.Second
)

// WaiterConfig is the configuration for the approval waiter.
type WaiterConfig struct {
	Repository storage.ApprovalRepository
	// Notifier wakes up the waits, optional. Waits always poll the repository
	// as a fallback.
	Notifier     notify.Notifier
	PollInterval time.Duration
	Logger       log.Logger
}

func (c *WaiterConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Notifier == nil {
		c.Notifier = notify.Noop
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "approval.Waiter"})
	return nil
}

// Waiter blocks a tool call until its approval is resolved.
type Waiter struct {
	repo     storage.ApprovalRepository
	notifier notify.Notifier
	poll     time.Duration
	logger   log.Logger
}

// NewWaiter returns a new approval waiter.
func NewWaiter(cfg WaiterConfig) (*Waiter, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Waiter{
		repo:     cfg.Repository,
		notifier: cfg.Notifier,
		poll:     cfg.PollInterval,
		logger:   cfg.Logger,
	}, nil
}

// Await waits until the approval is approved, denied or the timeout expires.
// Cancelling the context tears the wait down and returns the context error, the
// approval record is left untouched.
func (w *Waiter) Await(ctx context.Context, taskID, approvalID string, timeout time.Duration) (Outcome, error) {
	if timeout <= 0 {
		return OutcomeTimeout, nil
	}

	logger := w.logger.WithValues(log.Kv{"task-id": taskID, "approval-id": approvalID})

	// Subscribe before reading so a resolution between the read and the wait is not lost.
	changes, unsubscribe, err := w.notifier.Subscribe(ctx, approvalID)
	if err != nil {
		logger.Warningf("Could not subscribe to approval changes, polling only: %s", err)
		changes, unsubscribe = nil, func() {}
	}
	defer unsubscribe()

	outcome, resolved, err := w.current(ctx, taskID, approvalID)
	if err != nil || resolved {
		return outcome, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debugf("Approval wait cancelled")
			return "", ctx.Err()

		case <-timer.C:
			logger.Infof("Approval wait timed out after %s", timeout)
			return OutcomeTimeout, nil

		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}

		case <-ticker.C:
		}

		outcome, resolved, err := w.current(ctx, taskID, approvalID)
		if err != nil || resolved {
			return outcome, err
		}
	}
}

func (w *Waiter) current(ctx context.Context, taskID, approvalID string) (Outcome, bool, error) {
	a, err := w.repo.GetApproval(ctx, approvalID)
	if err != nil {
		return "", false, fmt.Errorf("could not get approval: %w", err)
	}
	if a.TaskID != taskID {
		return "", false, fmt.Errorf("approval %s does not belong to task %s: %w", approvalID, taskID, model.ErrNotValid)
	}

	switch a.Status {
	case model.ApprovalStatusApproved:
		return OutcomeApproved, true, nil
	case model.ApprovalStatusDenied:
		return OutcomeDenied, true, nil
	}

	return "", false, nil
}
