package submit

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/slok/codebroker/internal/log"
	"github.com/slok/codebroker/internal/model"
	"github.com/slok/codebroker/internal/storage"
)

// Dispatcher runs the submitted tasks.
type Dispatcher interface {
	Dispatch(ctx context.Context, taskID string) (*model.Task, error)
	DispatchAsync(ctx context.Context, taskID string)
}

// Mode is how a submitted task is dispatched.
type Mode string

const (
	// ModeQueue only stores the task.
	ModeQueue Mode = "queue"
	// ModeSync dispatches the task and waits until it ends.
	ModeSync Mode = "sync"
	// ModeAsync dispatches the task in the background.
	ModeAsync Mode = "async"
)

// ServiceConfig is the configuration for the submit service.
type ServiceConfig struct {
	Repository storage.TaskRepository
	// Dispatcher is required for the sync and async modes.
	Dispatcher       Dispatcher
	DefaultRuntimeID string
	DefaultTimeout   time.Duration
	MaxTimeout       time.Duration
	IDGen            func() string
	Clock            func() time.Time
	Logger           log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.DefaultRuntimeID == "" {
		return fmt.Errorf("default runtime id is required")
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = 15 * time.Minute
	}
	if c.IDGen == nil {
		c.IDGen = func() string { return ulid.Make().String() }
	}
	if c.Clock == nil {
		c.Clock = func() time.Time { return time.Now().UTC() }
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Submit"})
	return nil
}

// Service handles task submissions.
type Service struct {
	repo             storage.TaskRepository
	dispatcher       Dispatcher
	defaultRuntimeID string
	defaultTimeout   time.Duration
	maxTimeout       time.Duration
	idGen            func() string
	clock            func() time.Time
	logger           log.Logger
}

// NewService creates a new submit service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:             cfg.Repository,
		dispatcher:       cfg.Dispatcher,
		defaultRuntimeID: cfg.DefaultRuntimeID,
		defaultTimeout:   cfg.DefaultTimeout,
		maxTimeout:       cfg.MaxTimeout,
		idGen:            cfg.IDGen,
		clock:            cfg.Clock,
		logger:           cfg.Logger,
	}, nil
}

// Request is a task submission.
type Request struct {
	WorkspaceID    string
	AccountID      string
	OrganizationID string
	ClientID       string
	Code           string
	// RuntimeID defaults to the service default runtime.
	RuntimeID string
	// Timeout defaults to the service default timeout.
	Timeout time.Duration
	Mode    Mode
}

// Submit stores a new queued task and dispatches it depending on the mode.
// Sync submissions return the task once it ended.
func (s *Service) Submit(ctx context.Context, req Request) (*model.Task, error) {
	switch req.Mode {
	case "":
		req.Mode = ModeQueue
	case ModeQueue, ModeSync, ModeAsync:
	default:
		return nil, fmt.Errorf("unknown submit mode %q: %w", req.Mode, model.ErrNotValid)
	}
	if req.Mode != ModeQueue && s.dispatcher == nil {
		return nil, fmt.Errorf("%s submissions need a dispatcher: %w", req.Mode, model.ErrNotValid)
	}
	if req.RuntimeID == "" {
		req.RuntimeID = s.defaultRuntimeID
	}
	if req.Timeout <= 0 {
		req.Timeout = s.defaultTimeout
	}
	if req.Timeout > s.maxTimeout {
		return nil, fmt.Errorf("timeout %s is over the %s limit: %w", req.Timeout, s.maxTimeout, model.ErrNotValid)
	}

	t := model.Task{
		ID:             s.idGen(),
		WorkspaceID:    req.WorkspaceID,
		AccountID:      req.AccountID,
		OrganizationID: req.OrganizationID,
		ClientID:       req.ClientID,
		Code:           req.Code,
		RuntimeID:      req.RuntimeID,
		Status:         model.TaskStatusQueued,
		TimeoutMs:      req.Timeout.Milliseconds(),
		CreatedAt:      s.clock(),
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task: %w", err)
	}

	if err := s.repo.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("could not store task: %w", err)
	}
	s.logger.WithValues(log.Kv{"task-id": t.ID, "runtime": t.RuntimeID}).Infof("Task submitted")

	switch req.Mode {
	case ModeSync:
		// Client cancellations don't abort the task.
		done, err := s.dispatcher.Dispatch(context.WithoutCancel(ctx), t.ID)
		if err != nil {
			return nil, fmt.Errorf("could not dispatch task: %w", err)
		}
		return done, nil
	case ModeAsync:
		s.dispatcher.DispatchAsync(ctx, t.ID)
	}

	return &t, nil
}
