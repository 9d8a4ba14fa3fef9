package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/slok/codebroker/internal/log"
	"github.com/slok/codebroker/internal/model"
	"github.com/slok/codebroker/internal/notify"
)

// NotifierConfig is the configuration for the memory notifier.
type NotifierConfig struct {
	Logger log.Logger
}

func (c *NotifierConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "notify.Memory"})
	return nil
}

// Notifier fans out approval status changes to in-process subscribers.
type Notifier struct {
	mu     sync.RWMutex
	subs   map[string][]chan model.ApprovalStatus
	logger log.Logger
}

var _ notify.Notifier = &Notifier{}

// NewNotifier returns a new memory notifier.
func NewNotifier(cfg NotifierConfig) (*Notifier, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Notifier{
		subs:   make(map[string][]chan model.ApprovalStatus),
		logger: cfg.Logger,
	}, nil
}

// Subscribe subscribes to the status changes of an approval.
func (n *Notifier) Subscribe(ctx context.Context, approvalID string) (<-chan model.ApprovalStatus, func(), error) {
	ch := make(chan model.ApprovalStatus, 1)

	n.mu.Lock()
	n.subs[approvalID] = append(n.subs[approvalID], ch)
	n.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()

			subs := n.subs[approvalID]
			for i, candidate := range subs {
				if candidate == ch {
					n.subs[approvalID] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			if len(n.subs[approvalID]) == 0 {
				delete(n.subs, approvalID)
			}
			close(ch)
		})
	}

	return ch, unsubscribe, nil
}

// Notify sends the status to every subscriber without blocking.
func (n *Notifier) Notify(ctx context.Context, approvalID string, status model.ApprovalStatus) error {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, ch := range n.subs[approvalID] {
		select {
		case ch <- status:
		default:
		}
	}
	n.logger.Debugf("Notified %d subscribers of approval %s: %s", len(n.subs[approvalID]), approvalID, status)

	return nil
}
