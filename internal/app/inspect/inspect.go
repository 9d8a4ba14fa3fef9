package inspect

import (
	"context"
	"fmt"

	"github.com/slok/codebroker/internal/log"
	"github.com/slok/codebroker/internal/model"
	"github.com/slok/codebroker/internal/storage"
)

// Repository is the storage the inspect service reads.
type Repository interface {
	storage.TaskRepository
	storage.ToolCallRepository
	storage.ApprovalRepository
}

// ServiceConfig is the configuration for the inspect service.
type ServiceConfig struct {
	Repository Repository
	Logger     log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Inspect"})
	return nil
}

// Service retrieves tasks with everything that happened while they ran.
type Service struct {
	repo   Repository
	logger log.Logger
}

// NewService creates a new inspect service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:   cfg.Repository,
		logger: cfg.Logger,
	}, nil
}

// TaskDetail is a task with its tool calls and approvals.
type TaskDetail struct {
	Task      model.Task
	ToolCalls []model.ToolCall
	Approvals []model.Approval
}

// Get returns the detail of a task.
func (s *Service) Get(ctx context.Context, taskID string) (*TaskDetail, error) {
	t, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("could not get task: %w", err)
	}

	tcs, err := s.repo.ListToolCalls(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("could not list tool calls: %w", err)
	}

	as, err := s.repo.ListApprovals(ctx, model.ApprovalListOpts{TaskID: taskID})
	if err != nil {
		return nil, fmt.Errorf("could not list approvals: %w", err)
	}

	return &TaskDetail{Task: *t, ToolCalls: tcs, Approvals: as}, nil
}

// List lists the tasks.
func (s *Service) List(ctx context.Context, opts model.TaskListOpts) ([]model.Task, error) {
	ts, err := s.repo.ListTasks(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("could not list tasks: %w", err)
	}
	return ts, nil
}
