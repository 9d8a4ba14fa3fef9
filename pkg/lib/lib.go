package lib

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/slok/codebroker/pkg/lib/log"
)

// Config configures the SDK client.
type Config struct {
	// URL is the broker base URL.
	// Default: http://127.0.0.1:8080.
	URL string

	// Timeout is the HTTP request timeout. Sync submissions block until the
	// task finishes, so keep it above the task timeouts you use.
	// Default: 16m.
	Timeout time.Duration

	// HTTPClient overrides the resty client, useful for custom transports.
	HTTPClient *resty.Client

	// Logger receives structured log output from the SDK.
	// Default: noop (silent). See the log sub-package for the interface.
	Logger log.Logger
}

func (c *Config) defaults() error {
	if c.URL == "" {
		c.URL = "http://127.0.0.1:8080"
	}
	if !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
		return fmt.Errorf("url %q must be http or https", c.URL)
	}
	c.URL = strings.TrimSuffix(c.URL, "/")

	if c.Timeout <= 0 {
		c.Timeout = 16 * time.Minute
	}
	if c.HTTPClient == nil {
		c.HTTPClient = resty.New()
	}
	c.HTTPClient.SetTimeout(c.Timeout)

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "lib.Client"})

	return nil
}

// Client is the main SDK entry point for using a broker programmatically.
//
// Create a Client with [New]. A Client is safe for concurrent use.
type Client struct {
	url    string
	client *resty.Client
	logger log.Logger
}

// New creates a new SDK client for the broker at Config.URL.
func New(cfg Config) (*Client, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Client{
		url:    cfg.URL,
		client: cfg.HTTPClient,
		logger: cfg.Logger,
	}, nil
}

// Healthy returns nil when the broker answers its health check.
func (c *Client) Healthy(ctx context.Context) error {
	resp, err := c.client.R().SetContext(ctx).Get(c.url + "/healthz")
	if err != nil {
		return fmt.Errorf("could not reach broker: %w", err)
	}
	return checkResponse(resp)
}

// do sends the request and decodes the successful response body into out.
func (c *Client) do(ctx context.Context, method, path string, query map[string]string, body, out any) error {
	req := c.client.R().SetContext(ctx).SetHeader("Accept", "application/json")
	if len(query) > 0 {
		req.SetQueryParams(query)
	}
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	c.logger.Debugf("%s %s", method, path)
	resp, err := req.Execute(method, c.url+path)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	if err := checkResponse(resp); err != nil {
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("invalid %s %s response: %w", method, path, err)
	}

	return nil
}

func checkResponse(resp *resty.Response) error {
	if !resp.IsError() {
		return nil
	}

	var body struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(resp.Body(), &body)
	if body.Error == "" {
		body.Error = strings.TrimSpace(resp.String())
	}

	return &APIError{StatusCode: resp.StatusCode(), Message: body.Error}
}
