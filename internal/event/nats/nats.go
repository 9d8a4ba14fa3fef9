package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/slok/codebroker/internal/event"
	"github.com/slok/codebroker/internal/log"
	"github.com/slok/codebroker/internal/model"
)

const defaultSubjectPrefix = "codebroker"

// Conn is the subset of the NATS connection the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
	Close()
}

// PublisherConfig is the configuration for the NATS publisher.
type PublisherConfig struct {
	// Conn is the NATS connection, dialed from URL when missing.
	Conn          Conn
	URL           string
	SubjectPrefix string
	Logger        log.Logger
}

func (c *PublisherConfig) defaults() error {
	if c.Conn == nil {
		if c.URL == "" {
			c.URL = nats.DefaultURL
		}
		conn, err := nats.Connect(c.URL, nats.Name("codebroker"))
		if err != nil {
			return fmt.Errorf("could not connect to nats: %w", err)
		}
		c.Conn = conn
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = defaultSubjectPrefix
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "event.NATS"})
	return nil
}

// Publisher publishes the task lifecycle events as JSON on NATS subjects
// named `<prefix>.<event type>`, e.g. `codebroker.task.completed`.
type Publisher struct {
	conn   Conn
	prefix string
	logger log.Logger
}

var _ event.Publisher = &Publisher{}

// NewPublisher returns a new NATS publisher.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Publisher{
		conn:   cfg.Conn,
		prefix: cfg.SubjectPrefix,
		logger: cfg.Logger,
	}, nil
}

// Publish publishes the event.
func (p *Publisher) Publish(ctx context.Context, ev model.TaskEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("could not marshal event: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	subject := p.prefix + "." + string(ev.Type)
	if err := p.conn.Publish(subject, raw); err != nil {
		return fmt.Errorf("could not publish on %s: %w", subject, err)
	}
	p.logger.Debugf("Published %s for task %s", subject, ev.TaskID)

	return nil
}

// Close closes the NATS connection.
func (p *Publisher) Close() error {
	p.conn.Close()
	return nil
}
