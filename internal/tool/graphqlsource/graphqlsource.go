package graphqlsource

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/slok/codebroker/internal/log"
	"github.com/slok/codebroker/internal/tool"
)

// InvokerConfig is the configuration for the GraphQL tool invoker.
type InvokerConfig struct {
	// Client is the HTTP client, a default one will be created if missing.
	Client  *resty.Client
	Timeout time.Duration
	Logger  log.Logger
}

func (c *InvokerConfig) defaults() error {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Client == nil {
		c.Client = resty.New().SetRetryCount(0)
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "tool.GraphQLInvoker"})
	return nil
}

// Invoker invokes the query documents declared on GraphQL tools, the tool
// input is sent as the query variables.
type Invoker struct {
	client  *resty.Client
	timeout time.Duration
	logger  log.Logger
}

// NewInvoker returns a new GraphQL tool invoker.
func NewInvoker(cfg InvokerConfig) (*Invoker, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Invoker{
		client:  cfg.Client,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}, nil
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphqlError struct {
	Message string `json:"message"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors"`
}

func (i *Invoker) Invoke(ctx context.Context, call tool.Call) (any, error) {
	if call.Tool.Query == "" {
		return nil, fmt.Errorf("graphql tool %s has no query document", call.ToolPath)
	}

	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	vars := call.Input
	if vars == nil {
		vars = map[string]any{}
	}

	var gqlResp graphqlResponse
	resp, err := i.client.R().
		SetContext(ctx).
		SetHeaders(call.Source.Headers).
		SetHeader("Content-Type", "application/json").
		SetBody(graphqlRequest{Query: call.Tool.Query, Variables: vars}).
		SetResult(&gqlResp).
		Post(call.Source.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("graphql request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("graphql error (%d): %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}

	if len(gqlResp.Errors) > 0 {
		msgs := make([]string, 0, len(gqlResp.Errors))
		for _, e := range gqlResp.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, fmt.Errorf("graphql errors: %s", strings.Join(msgs, "; "))
	}

	i.logger.Debugf("GraphQL tool %s called", call.ToolPath)

	if len(gqlResp.Data) == 0 {
		return nil, nil
	}

	var data any
	if err := json.Unmarshal(gqlResp.Data, &data); err != nil {
		return nil, fmt.Errorf("invalid graphql data: %w", err)
	}

	return data, nil
}

var _ tool.Invoker = &Invoker{}
