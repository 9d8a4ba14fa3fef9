package httpsource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/slok/codebroker/internal/log"
	"github.com/slok/codebroker/internal/tool"
)

// InvokerConfig is the configuration for the HTTP tool invoker.
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
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "tool.HTTPInvoker"})
	return nil
}

// Invoker invokes tools exposed as plain HTTP JSON APIs.
// A tool `github.repos.list` is called on `{endpoint}/repos/list`.
type Invoker struct {
	client  *resty.Client
	timeout time.Duration
	logger  log.Logger
}

// NewInvoker returns a new HTTP tool invoker.
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

func (i *Invoker) Invoke(ctx context.Context, call tool.Call) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	url := strings.TrimRight(call.Source.Endpoint, "/") + "/" + strings.ReplaceAll(call.Path, ".", "/")
	req := i.client.R().
		SetContext(ctx).
		SetHeaders(call.Source.Headers).
		SetHeader("Accept", "application/json")

	method := strings.ToUpper(call.Tool.Method)
	if method == "" {
		method = http.MethodPost
	}

	switch method {
	case http.MethodGet, http.MethodDelete:
		for k, v := range call.Input {
			req.SetQueryParam(k, fmt.Sprint(v))
		}
	default:
		req.SetHeader("Content-Type", "application/json")
		input := call.Input
		if input == nil {
			input = map[string]any{}
		}
		req.SetBody(input)
	}

	resp, err := req.Execute(method, url)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("http tool error (%d): %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}

	i.logger.Debugf("Tool %s called on %s %s", call.ToolPath, method, url)

	body := resp.Body()
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}

	var out any
	if err := json.Unmarshal(body, &out); err != nil {
		// Non JSON responses are returned as text.
		return string(body), nil
	}

	return out, nil
}

var _ tool.Invoker = &Invoker{}
