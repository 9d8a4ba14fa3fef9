package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/slok/codebroker/internal/log"
	"github.com/slok/codebroker/internal/model"
	"github.com/slok/codebroker/internal/storage"
)

// AsyncDispatcher starts task dispatches in the background.
type AsyncDispatcher interface {
	DispatchAsync(ctx context.Context, taskID string)
}

// PollerConfig is the configuration of the queued task poller.
type PollerConfig struct {
	Repository storage.TaskRepository
	Dispatcher AsyncDispatcher
	Interval   time.Duration
	// MinAge skips the tasks queued less than MinAge ago, the submitters
	// dispatching their own tasks have that time to do it.
	MinAge    time.Duration
	BatchSize int
	Clock     func() time.Time
	Logger    log.Logger
}

func (c *PollerConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Dispatcher == nil {
		return fmt.Errorf("dispatcher is required")
	}
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.MinAge <= 0 {
		c.MinAge = c.Interval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Clock == nil {
		c.Clock = func() time.Time { return time.Now().UTC() }
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "dispatch.Poller"})
	return nil
}

// Poller dispatches the tasks left queued, like the ones submitted in queue
// mode by other processes sharing the storage.
type Poller struct {
	repo       storage.TaskRepository
	dispatcher AsyncDispatcher
	interval   time.Duration
	minAge     time.Duration
	batchSize  int
	clock      func() time.Time
	logger     log.Logger
}

// NewPoller returns a new queued task poller.
func NewPoller(cfg PollerConfig) (*Poller, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Poller{
		repo:       cfg.Repository,
		dispatcher: cfg.Dispatcher,
		interval:   cfg.Interval,
		minAge:     cfg.MinAge,
		batchSize:  cfg.BatchSize,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
	}, nil
}

// Run polls until the context is done.
func (p *Poller) Run(ctx context.Context) error {
	t := time.NewTicker(p.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := p.Poll(ctx); err != nil {
				p.logger.Errorf("Could not poll queued tasks: %s", err)
			}
		}
	}
}

// Poll dispatches the queued tasks old enough, oldest first, and returns how
// many were dispatched.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	tasks, err := p.repo.ListTasks(ctx, model.TaskListOpts{
		Status:        model.TaskStatusQueued,
		CreatedBefore: p.clock().Add(-p.minAge),
		OldestFirst:   true,
		Limit:         p.batchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("could not list queued tasks: %w", err)
	}

	n := 0
	for _, t := range tasks {
		p.logger.Debugf("Dispatching queued task %s", t.ID)
		p.dispatcher.DispatchAsync(ctx, t.ID)
		n++
	}

	return n, nil
}
