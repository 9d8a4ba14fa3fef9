package evaluate

import (
	"context"
	"fmt"

	"github.com/slok/codebroker/internal/log"
	"github.com/slok/codebroker/internal/model"
	"github.com/slok/codebroker/internal/policy"
	"github.com/slok/codebroker/internal/tool"
)

// PolicyEvaluator evaluates the policy of a tool call.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, req policy.Request) (model.Decision, error)
}

// ServiceConfig is the configuration for the evaluate service.
type ServiceConfig struct {
	Catalog *tool.Catalog
	Policy  PolicyEvaluator
	Logger  log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Catalog == nil {
		return fmt.Errorf("catalog is required")
	}
	if c.Policy == nil {
		return fmt.Errorf("policy is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Evaluate"})
	return nil
}

// Service evaluates the policy of a tool call without calling the tool.
type Service struct {
	catalog *tool.Catalog
	policy  PolicyEvaluator
	logger  log.Logger
}

// NewService creates a new evaluate service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		catalog: cfg.Catalog,
		policy:  cfg.Policy,
		logger:  cfg.Logger,
	}, nil
}

// Request is a dry run tool call.
type Request struct {
	ToolPath  string
	Input     map[string]any
	Requestor model.Requestor
	ClientID  string
}

// Evaluate returns the decision the broker would take for the tool call.
func (s *Service) Evaluate(ctx context.Context, req Request) (model.Decision, error) {
	res, err := s.catalog.Resolve(req.ToolPath)
	if err != nil {
		return model.Decision{}, fmt.Errorf("unknown tool %s: %w", req.ToolPath, err)
	}

	d, err := s.policy.Evaluate(ctx, policy.Request{
		ToolPath:            req.ToolPath,
		SourceKey:           res.SourceKey,
		NamespacePrefix:     res.NamespacePrefix,
		Input:               req.Input,
		Requestor:           req.Requestor,
		ClientID:            req.ClientID,
		ToolDefaultApproval: res.DefaultApproval,
	})
	if err != nil {
		return model.Decision{}, fmt.Errorf("could not evaluate policy: %w", err)
	}

	return d, nil
}
