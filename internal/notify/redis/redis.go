package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/slok/codebroker/internal/log"
	"github.com/slok/codebroker/internal/model"
	"github.com/slok/codebroker/internal/notify"
)

const defaultChannelPrefix = "codebroker:approvals:"

// PubSub is a redis subscription.
type PubSub interface {
	Channel(...redis.ChannelOption) <-chan *redis.Message
	Close() error
}

// Client is the subset of the redis client the notifier uses.
type Client interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) PubSub
	Close() error
}

// NotifierConfig is the configuration for the redis notifier.
type NotifierConfig struct {
	// Client is the redis client, created from URL when missing.
	Client        Client
	URL           string
	ChannelPrefix string
	Logger        log.Logger
}

func (c *NotifierConfig) defaults() error {
	if c.Client == nil {
		if c.URL == "" {
			c.URL = "redis://127.0.0.1:6379"
		}
		opts, err := redis.ParseURL(c.URL)
		if err != nil {
			return fmt.Errorf("could not parse redis url: %w", err)
		}
		c.Client = &clientAdapter{Client: redis.NewClient(opts)}
	}
	if c.ChannelPrefix == "" {
		c.ChannelPrefix = defaultChannelPrefix
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "notify.Redis"})
	return nil
}

// Notifier broadcasts approval status changes over redis pub/sub so waiters
// on other broker processes wake up.
type Notifier struct {
	client Client
	prefix string
	logger log.Logger
}

var _ notify.Notifier = &Notifier{}

// NewNotifier returns a new redis notifier.
func NewNotifier(cfg NotifierConfig) (*Notifier, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Notifier{
		client: cfg.Client,
		prefix: cfg.ChannelPrefix,
		logger: cfg.Logger,
	}, nil
}

type message struct {
	ApprovalID string               `json:"approvalId"`
	Status     model.ApprovalStatus `json:"status"`
}

// Notify publishes the approval status.
func (n *Notifier) Notify(ctx context.Context, approvalID string, status model.ApprovalStatus) error {
	raw, err := json.Marshal(message{ApprovalID: approvalID, Status: status})
	if err != nil {
		return fmt.Errorf("could not marshal message: %w", err)
	}

	if err := n.client.Publish(ctx, n.prefix+approvalID, raw).Err(); err != nil {
		return fmt.Errorf("could not publish approval status: %w", err)
	}

	return nil
}

// Subscribe subscribes to the approval channel. The subscription ends when the
// context is done or unsubscribe is called.
func (n *Notifier) Subscribe(ctx context.Context, approvalID string) (<-chan model.ApprovalStatus, func(), error) {
	ps := n.client.Subscribe(ctx, n.prefix+approvalID)
	if ps == nil {
		return nil, nil, fmt.Errorf("could not subscribe to approval %s", approvalID)
	}

	rawCh := ps.Channel()
	out := make(chan model.ApprovalStatus, 1)
	stop := make(chan struct{})
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			_ = ps.Close()
			close(stop)
		})
	}

	go func() {
		defer close(out)
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case raw, ok := <-rawCh:
				if !ok {
					return
				}
				var msg message
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					n.logger.Warningf("Ignoring invalid approval message: %s", err)
					continue
				}
				select {
				case out <- msg.Status:
				default:
				}
			}
		}
	}()

	return out, unsubscribe, nil
}

// Close closes the redis client.
func (n *Notifier) Close() error {
	return n.client.Close()
}

type clientAdapter struct {
	*redis.Client
}

func (c *clientAdapter) Subscribe(ctx context.Context, channels ...string) PubSub {
	return c.Client.Subscribe(ctx, channels...)
}
