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

// ResolverConfig is the configuration for the approval resolver.
type ResolverConfig struct {
	Repository storage.ApprovalRepository
	Notifier   notify.Notifier
	Clock      func() time.Time
	Logger     log.Logger
}

func (c *ResolverConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Notifier == nil {
		c.Notifier = notify.Noop
	}
	if c.Clock == nil {
		c.Clock = func() time.Time { return time.Now().UTC() }
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "approval.Resolver"})
	return nil
}

// Resolver records human decisions on pending approvals.
type Resolver struct {
	repo     storage.ApprovalRepository
	notifier notify.Notifier
	clock    func() time.Time
	logger   log.Logger
}

// NewResolver returns a new approval resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Resolver{
		repo:     cfg.Repository,
		notifier: cfg.Notifier,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}, nil
}

// Resolve approves or denies a pending approval and wakes up its waiters.
// Returns model.ErrConflict when the approval was already resolved.
func (r *Resolver) Resolve(ctx context.Context, approvalID string, status model.ApprovalStatus, reviewerID, reason string) (*model.Approval, error) {
	if !status.IsResolved() {
		return nil, fmt.Errorf("approvals can only be approved or denied, got %q: %w", status, model.ErrNotValid)
	}

	a, err := r.repo.ResolveApproval(ctx, approvalID, status, reviewerID, reason, r.clock())
	if err != nil {
		return nil, fmt.Errorf("could not resolve approval: %w", err)
	}

	// The record is the source of truth, waiters poll when the notification is lost.
	if err := r.notifier.Notify(ctx, approvalID, status); err != nil {
		r.logger.Warningf("Could not notify approval %s resolution: %s", approvalID, err)
	}

	r.logger.WithValues(log.Kv{"approval-id": approvalID, "task-id": a.TaskID, "reviewer": reviewerID}).Infof("Approval %s", status)

	return a, nil
}
