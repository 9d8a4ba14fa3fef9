package isolatehost

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/slok/codebroker/internal/callback"
	"github.com/slok/codebroker/internal/httpapi/middleware"
	"github.com/slok/codebroker/internal/log"
	"github.com/slok/codebroker/internal/model"
	"github.com/slok/codebroker/internal/runtime"
	"github.com/slok/codebroker/internal/runtime/remote"
	"github.com/slok/codebroker/internal/script"
)

// ToolCaller brokers the tool calls of a run through the broker callback.
type ToolCaller interface {
	Call(ctx context.Context, runID, callID, toolPath string, input map[string]any) model.ToolCallResult
}

// ServerConfig is the configuration of the isolate host.
type ServerConfig struct {
	// AuthToken is the bearer token callers must present.
	AuthToken string
	Runner    *script.Runner
	// DefaultTimeout is used when the request has no timeout.
	DefaultTimeout time.Duration
	// MaxTimeout caps the request timeouts.
	MaxTimeout time.Duration
	// NewToolCaller returns the tool caller of a request callback.
	NewToolCaller func(cb remote.Callback) (ToolCaller, error)
	Logger        log.Logger
}

func (c *ServerConfig) defaults() error {
	if c.AuthToken == "" {
		return fmt.Errorf("auth token is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "isolatehost.Server"})
	if c.Runner == nil {
		r, err := script.NewRunner(script.RunnerConfig{Logger: c.Logger})
		if err != nil {
			return fmt.Errorf("could not create script runner: %w", err)
		}
		c.Runner = r
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = 15 * time.Minute
	}
	if c.NewToolCaller == nil {
		logger := c.Logger
		c.NewToolCaller = func(cb remote.Callback) (ToolCaller, error) {
			c, err := callback.NewClient(callback.ClientConfig{BaseURL: cb.URL, Secret: cb.Secret, Logger: logger})
			if err != nil {
				return nil, err
			}
			return c, nil
		}
	}
	return nil
}

// Server is the remote isolate host. Every run gets a fresh VM, the tool calls
// go back to the broker of the run callback.
type Server struct {
	router         *gin.Engine
	runner         *script.Runner
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	newToolCaller  func(cb remote.Callback) (ToolCaller, error)
	logger         log.Logger
}

// NewServer returns a new isolate host server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Server{
		router:         gin.New(),
		runner:         cfg.Runner,
		defaultTimeout: cfg.DefaultTimeout,
		maxTimeout:     cfg.MaxTimeout,
		newToolCaller:  cfg.NewToolCaller,
		logger:         cfg.Logger,
	}

	s.router.Use(gin.Recovery(), middleware.RequestLogger(s.logger))
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.router.POST("/run", middleware.BearerAuth(cfg.AuthToken), s.run)

	return s, nil
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) run(c *gin.Context) {
	var req remote.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid run request: %s", err)})
		return
	}
	if req.TaskID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "taskId is required"})
		return
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	switch {
	case timeout <= 0:
		timeout = s.defaultTimeout
	case timeout > s.maxTimeout:
		timeout = s.maxTimeout
	}

	logger := s.logger.WithValues(log.Kv{"task-id": req.TaskID})
	start := time.Now()

	caller, err := s.newToolCaller(req.Callback)
	if err != nil {
		logger.Warningf("Invalid callback, tool calls will fail: %s", err)
		caller = nil
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	res, err := s.runner.Run(ctx, script.RunRequest{
		Code: req.Code,
		InvokeTool: func(ctx context.Context, callID, toolPath string, input map[string]any) model.ToolCallResult {
			if caller == nil {
				return model.ToolCallFailed{Error: "tool calls are not available, the run has no valid callback"}
			}
			return caller.Call(ctx, req.TaskID, callID, toolPath, input)
		},
	})
	rr := runtime.ScriptResult(res, err, timeout, time.Since(start))
	logger.Infof("Run %s in %s", rr.Status, rr.Duration)

	c.JSON(http.StatusOK, runtime.NewReport(rr))
}
