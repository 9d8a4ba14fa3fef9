package policy

import (
	"context"
	"fmt"

	"github.com/slok/codebroker/internal/log"
	"github.com/slok/codebroker/internal/model"
	"github.com/slok/codebroker/internal/storage"
)

// ServiceConfig is the configuration for the policy service.
type ServiceConfig struct {
	Repository storage.PolicyRuleRepository
	Engine     *Engine
	Logger     log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Engine == nil {
		c.Engine = NewEngine()
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "policy.Service"})
	return nil
}

// Service evaluates tool calls against the stored rules.
type Service struct {
	repo   storage.PolicyRuleRepository
	engine *Engine
	logger log.Logger
}

// NewService returns a new policy service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:   cfg.Repository,
		engine: cfg.Engine,
		logger: cfg.Logger,
	}, nil
}

// Evaluate loads the current rules and evaluates the request.
func (s *Service) Evaluate(ctx context.Context, req Request) (model.Decision, error) {
	rules, err := s.repo.ListPolicyRules(ctx)
	if err != nil {
		return model.Decision{}, fmt.Errorf("could not list policy rules: %w", err)
	}

	d := s.engine.Evaluate(rules, req)
	s.logger.Debugf("Policy decision for %s: %s (approval: %s, rule: %q)", req.ToolPath, d.Effect, d.ApprovalMode, d.RuleID)

	return d, nil
}
