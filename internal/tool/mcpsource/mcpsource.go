package mcpsource

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/slok/codebroker/internal/log"
	"github.com/slok/codebroker/internal/tool"
)

// InvokerConfig is the configuration for the MCP tool invoker.
type InvokerConfig struct {
	// Client is the HTTP client, a default one will be created if missing.
	Client  *resty.Client
	Timeout time.Duration
	Logger  log.Logger
}

func (c *InvokerConfig) defaults() error {
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.Client == nil {
		c.Client = resty.New().SetRetryCount(0)
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "tool.MCPInvoker"})
	return nil
}

// Invoker invokes tools of MCP servers using JSON-RPC `tools/call` over HTTP.
type Invoker struct {
	client  *resty.Client
	timeout time.Duration
	nextID  atomic.Int64
	logger  log.Logger
}

// NewInvoker returns a new MCP tool invoker.
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

	name := call.Tool.RemoteName
	if name == "" {
		name = call.Path
	}
	args := call.Input
	if args == nil {
		args = map[string]any{}
	}

	payload := map[string]any{
		"jsonrpc": "2.0",
		"method":  "tools/call",
		"params": map[string]any{
			"name":      name,
			"arguments": args,
		},
		"id": i.nextID.Add(1),
	}

	var rpcResp rpcResponse
	resp, err := i.client.R().
		SetContext(ctx).
		SetHeaders(call.Source.Headers).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetBody(payload).
		SetResult(&rpcResp).
		Post(call.Source.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("mcp request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("mcp call error (%d): %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}

	var result callResult
	if err := json.Unmarshal(rpcResp.Result, &result); err != nil {
		return nil, fmt.Errorf("invalid mcp tools/call result: %w", err)
	}

	i.logger.Debugf("MCP tool %s called as %s", call.ToolPath, name)

	text := result.text()
	if result.IsError {
		if text == "" {
			text = "unknown error"
		}
		return nil, fmt.Errorf("mcp tool %s failed: %s", name, text)
	}

	if result.StructuredContent != nil {
		return result.StructuredContent, nil
	}

	// Text content that is JSON is returned decoded.
	var decoded any
	if err := json.Unmarshal([]byte(text), &decoded); err == nil {
		return decoded, nil
	}

	return text, nil
}

var _ tool.Invoker = &Invoker{}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	ID      any             `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (r *rpcError) Error() string {
	return fmt.Sprintf("mcp error (%d): %s", r.Code, r.Message)
}

type content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type callResult struct {
	Content           []content `json:"content"`
	StructuredContent any       `json:"structuredContent"`
	IsError           bool      `json:"isError"`
}

func (c callResult) text() string {
	parts := make([]string, 0, len(c.Content))
	for _, ct := range c.Content {
		if ct.Type == "text" {
			parts = append(parts, ct.Text)
		}
	}
	return strings.Join(parts, "\n")
}
