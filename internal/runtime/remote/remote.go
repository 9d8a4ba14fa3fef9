package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/slok/codebroker/internal/log"
	"github.com/slok/codebroker/internal/model"
	"github.com/slok/codebroker/internal/runtime"
)

// DefaultSafetyMargin is added to the task timeout for the host request so the
// task timeout always fires first on the host.
const DefaultSafetyMargin = 30 * time.Second

// Callback is where the isolate host calls back for the task tool calls.
type Callback struct {
	URL    string `json:"convexUrl"`
	Secret string `json:"internalSecret"`
}

// RunRequest is the isolate host run request body.
type RunRequest struct {
	TaskID    string   `json:"taskId"`
	Code      string   `json:"code"`
	TimeoutMs int64    `json:"timeoutMs"`
	Callback  Callback `json:"callback"`
}

// AdapterConfig is the configuration for the remote isolate adapter.
type AdapterConfig struct {
	// RunURL is the isolate host run endpoint.
	RunURL    string
	AuthToken string
	// CallbackURL is the broker base URL the host calls back to.
	CallbackURL    string
	CallbackSecret string
	SafetyMargin   time.Duration
	// Client is the HTTP client, a default one will be created if missing.
	Client *resty.Client
	Logger log.Logger
}

func (c *AdapterConfig) defaults() error {
	if c.RunURL == "" {
		return fmt.Errorf("run URL is required")
	}
	if c.SafetyMargin <= 0 {
		c.SafetyMargin = DefaultSafetyMargin
	}
	if c.Client == nil {
		c.Client = resty.New().SetRetryCount(0)
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "runtime.Remote"})
	return nil
}

// Adapter runs the tasks on a remote isolate host. The tool calls don't go
// through this adapter, the host calls back into the broker, the adapter only
// waits for the terminal result.
type Adapter struct {
	runURL         string
	authToken      string
	callbackURL    string
	callbackSecret string
	margin         time.Duration
	client         *resty.Client
	logger         log.Logger
}

// NewAdapter returns a new remote isolate adapter.
func NewAdapter(cfg AdapterConfig) (*Adapter, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Adapter{
		runURL:         cfg.RunURL,
		authToken:      cfg.AuthToken,
		callbackURL:    cfg.CallbackURL,
		callbackSecret: cfg.CallbackSecret,
		margin:         cfg.SafetyMargin,
		client:         cfg.Client,
		logger:         cfg.Logger,
	}, nil
}

func (a *Adapter) Check(ctx context.Context) []model.CheckResult {
	results := []model.CheckResult{}
	if a.authToken == "" {
		results = append(results, model.CheckResult{ID: "auth_token", Message: "Isolate host auth token is not set", Status: model.CheckStatusError})
	} else {
		results = append(results, model.CheckResult{ID: "auth_token", Message: "Isolate host auth token is set", Status: model.CheckStatusOK})
	}
	if a.callbackURL == "" || a.callbackSecret == "" {
		results = append(results, model.CheckResult{ID: "callback", Message: "Callback URL or secret missing, tool calls will fail", Status: model.CheckStatusWarning})
	} else {
		results = append(results, model.CheckResult{ID: "callback", Message: fmt.Sprintf("Tool calls callback on %s", a.callbackURL), Status: model.CheckStatusOK})
	}

	return results
}

func (a *Adapter) Run(ctx context.Context, req runtime.RunRequest) model.RunResult {
	logger := a.logger.WithValues(log.Kv{"task-id": req.TaskID})
	start := time.Now()

	// Configuration errors fail the task without calling the host.
	if a.authToken == "" {
		return runtime.Failure("remote isolate auth token is not configured", nil, 0)
	}

	reqCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, req.Timeout+a.margin)
		defer cancel()
	}

	resp, err := a.client.R().
		SetContext(reqCtx).
		SetAuthToken(a.authToken).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetBody(RunRequest{
			TaskID:    req.TaskID,
			Code:      req.Code,
			TimeoutMs: req.Timeout.Milliseconds(),
			Callback:  Callback{URL: a.callbackURL, Secret: a.callbackSecret},
		}).
		Post(a.runURL)
	duration := time.Since(start)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return runtime.Failure(runtime.AbortedMessage, nil, duration)
		case errors.Is(reqCtx.Err(), context.DeadlineExceeded):
			return runtime.TimedOut(req.Timeout, duration)
		}
		logger.Warningf("Remote isolate request failed: %s", err)
		return runtime.Failure(fmt.Sprintf("remote isolate request failed: %s", err), nil, duration)
	}

	if resp.StatusCode() != http.StatusOK {
		return runtime.Failure(fmt.Sprintf("remote isolate returned HTTP %d: %s", resp.StatusCode(), truncate(strings.TrimSpace(resp.String()), 512)), nil, duration)
	}

	var report runtime.Report
	if err := json.Unmarshal(resp.Body(), &report); err != nil {
		return runtime.Failure(fmt.Sprintf("remote isolate returned invalid JSON (HTTP %d): %s", resp.StatusCode(), truncate(resp.String(), 512)), nil, duration)
	}

	rr := report.RunResult(duration)
	logger.Debugf("Remote isolate run %s in %s", rr.Status, duration)

	return rr
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ runtime.Adapter = &Adapter{}
