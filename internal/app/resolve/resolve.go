package resolve

import (
	"context"
	"fmt"

	"github.com/slok/codebroker/internal/log"
	"github.com/slok/codebroker/internal/metrics"
	"github.com/slok/codebroker/internal/model"
	"github.com/slok/codebroker/internal/storage"
)

// Resolver resolves pending approvals.
type Resolver interface {
	Resolve(ctx context.Context, approvalID string, status model.ApprovalStatus, reviewerID, reason string) (*model.Approval, error)
}

// ServiceConfig is the configuration for the resolve service.
type ServiceConfig struct {
	Resolver   Resolver
	Repository storage.ApprovalRepository
	Metrics    metrics.Recorder
	Logger     log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Resolver == nil {
		return fmt.Errorf("resolver is required")
	}
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Noop
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Resolve"})
	return nil
}

// Service handles the human decisions on approvals.
type Service struct {
	resolver Resolver
	repo     storage.ApprovalRepository
	metrics  metrics.Recorder
	logger   log.Logger
}

// NewService creates a new resolve service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		resolver: cfg.Resolver,
		repo:     cfg.Repository,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}, nil
}

// Request is an approval decision.
type Request struct {
	ApprovalID string
	Approve    bool
	ReviewerID string
	Reason     string
}

// Resolve approves or denies a pending approval.
func (s *Service) Resolve(ctx context.Context, req Request) (*model.Approval, error) {
	if req.ApprovalID == "" {
		return nil, fmt.Errorf("approval id is required: %w", model.ErrNotValid)
	}
	if req.ReviewerID == "" {
		return nil, fmt.Errorf("reviewer id is required: %w", model.ErrNotValid)
	}

	status := model.ApprovalStatusDenied
	if req.Approve {
		status = model.ApprovalStatusApproved
	}

	a, err := s.resolver.Resolve(ctx, req.ApprovalID, status, req.ReviewerID, req.Reason)
	if err != nil {
		return nil, err
	}
	s.metrics.IncApprovalResolution(ctx, a.Status)

	return a, nil
}

// List lists the approvals.
func (s *Service) List(ctx context.Context, opts model.ApprovalListOpts) ([]model.Approval, error) {
	as, err := s.repo.ListApprovals(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("could not list approvals: %w", err)
	}
	return as, nil
}
