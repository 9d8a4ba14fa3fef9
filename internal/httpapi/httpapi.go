package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/slok/codebroker/internal/app/evaluate"
	"github.com/slok/codebroker/internal/app/inspect"
	"github.com/slok/codebroker/internal/app/resolve"
	"github.com/slok/codebroker/internal/app/submit"
	"github.com/slok/codebroker/internal/callback"
	"github.com/slok/codebroker/internal/httpapi/middleware"
	"github.com/slok/codebroker/internal/log"
	"github.com/slok/codebroker/internal/model"
)

// Submitter submits tasks.
type Submitter interface {
	Submit(ctx context.Context, req submit.Request) (*model.Task, error)
}

// Inspector reads tasks.
type Inspector interface {
	Get(ctx context.Context, taskID string) (*inspect.TaskDetail, error)
	List(ctx context.Context, opts model.TaskListOpts) ([]model.Task, error)
}

// ApprovalService lists and resolves approvals.
type ApprovalService interface {
	Resolve(ctx context.Context, req resolve.Request) (*model.Approval, error)
	List(ctx context.Context, opts model.ApprovalListOpts) ([]model.Approval, error)
}

// PolicyEvaluator dry runs the policy of a tool call.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, req evaluate.Request) (model.Decision, error)
}

// Aborter aborts running tasks.
type Aborter interface {
	Abort(taskID string) error
}

// Broker serves the out of process runtime callbacks.
type Broker interface {
	Invoke(ctx context.Context, runID, callID, toolPath string, input map[string]any) model.ToolCallResult
	ApprovalStatus(ctx context.Context, runID, approvalID string) (model.ApprovalStatus, error)
}

// ServerConfig is the configuration of the HTTP API.
type ServerConfig struct {
	Submitter Submitter
	Inspector Inspector
	Approvals ApprovalService
	Policy    PolicyEvaluator
	Aborter   Aborter
	Broker    Broker
	// InternalSecret authenticates the runtime callbacks, callbacks are
	// rejected when it's empty.
	InternalSecret string
	// Gatherer serves the metrics, /metrics is not registered when missing.
	Gatherer prometheus.Gatherer
	Logger   log.Logger
}

func (c *ServerConfig) defaults() error {
	if c.Submitter == nil {
		return fmt.Errorf("submitter is required")
	}
	if c.Inspector == nil {
		return fmt.Errorf("inspector is required")
	}
	if c.Approvals == nil {
		return fmt.Errorf("approval service is required")
	}
	if c.Policy == nil {
		return fmt.Errorf("policy evaluator is required")
	}
	if c.Aborter == nil {
		return fmt.Errorf("aborter is required")
	}
	if c.Broker == nil {
		return fmt.Errorf("broker is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "httpapi.Server"})
	return nil
}

// Server is the broker HTTP API: the public task and approval routes and the
// internal routes the out of process runtimes call back to.
type Server struct {
	router    *gin.Engine
	submitter Submitter
	inspector Inspector
	approvals ApprovalService
	policy    PolicyEvaluator
	aborter   Aborter
	broker    Broker
	secret    string
	logger    log.Logger
}

// NewServer returns a new HTTP API server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Server{
		router:    gin.New(),
		submitter: cfg.Submitter,
		inspector: cfg.Inspector,
		approvals: cfg.Approvals,
		policy:    cfg.Policy,
		aborter:   cfg.Aborter,
		broker:    cfg.Broker,
		secret:    cfg.InternalSecret,
		logger:    cfg.Logger,
	}

	s.router.Use(gin.Recovery(), middleware.RequestLogger(s.logger))
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := s.router.Group("/v1")
	v1.POST("/tasks", s.submitTask)
	v1.GET("/tasks", s.listTasks)
	v1.GET("/tasks/:id", s.getTask)
	v1.POST("/tasks/:id/abort", s.abortTask)
	v1.GET("/approvals", s.listApprovals)
	v1.POST("/approvals/:id/approve", s.resolveApproval(true))
	v1.POST("/approvals/:id/deny", s.resolveApproval(false))
	v1.POST("/policy/evaluate", s.evaluatePolicy)

	s.router.POST(callback.ToolCallsPath, s.toolCall)
	s.router.POST(callback.ApprovalStatusPath, s.approvalStatus)

	return s, nil
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) submitTask(c *gin.Context) {
	var req submitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, fmt.Errorf("invalid task: %w", err))
		return
	}
	mode := submit.Mode(req.Mode)
	if mode == "" {
		mode = submit.ModeAsync
	}

	t, err := s.submitter.Submit(c.Request.Context(), submit.Request{
		WorkspaceID:    req.WorkspaceID,
		AccountID:      req.AccountID,
		OrganizationID: req.OrganizationID,
		ClientID:       req.ClientID,
		Code:           req.Code,
		RuntimeID:      req.RuntimeID,
		Timeout:        time.Duration(req.TimeoutMs) * time.Millisecond,
		Mode:           mode,
	})
	if err != nil {
		s.error(c, err)
		return
	}

	code := http.StatusAccepted
	if t.Status.IsTerminal() {
		code = http.StatusOK
	}
	c.JSON(code, newTaskView(*t))
}

func (s *Server) listTasks(c *gin.Context) {
	opts := model.TaskListOpts{
		WorkspaceID: c.Query("workspaceId"),
		Status:      model.TaskStatus(c.Query("status")),
	}
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			s.badRequest(c, fmt.Errorf("invalid limit %q", l))
			return
		}
		opts.Limit = n
	}

	ts, err := s.inspector.List(c.Request.Context(), opts)
	if err != nil {
		s.error(c, err)
		return
	}

	vs := make([]taskView, 0, len(ts))
	for _, t := range ts {
		vs = append(vs, newTaskView(t))
	}
	c.JSON(http.StatusOK, gin.H{"tasks": vs})
}

func (s *Server) getTask(c *gin.Context) {
	d, err := s.inspector.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.error(c, err)
		return
	}
	c.JSON(http.StatusOK, newTaskDetailView(*d))
}

func (s *Server) abortTask(c *gin.Context) {
	if err := s.aborter.Abort(c.Param("id")); err != nil {
		s.error(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "aborting"})
}

func (s *Server) listApprovals(c *gin.Context) {
	status := model.ApprovalStatus(c.DefaultQuery("status", string(model.ApprovalStatusPending)))
	as, err := s.approvals.List(c.Request.Context(), model.ApprovalListOpts{
		TaskID: c.Query("taskId"),
		Status: status,
	})
	if err != nil {
		s.error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approvals": newApprovalViews(as)})
}

func (s *Server) resolveApproval(approve bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req resolveApprovalRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			s.badRequest(c, fmt.Errorf("invalid resolution: %w", err))
			return
		}

		a, err := s.approvals.Resolve(c.Request.Context(), resolve.Request{
			ApprovalID: c.Param("id"),
			Approve:    approve,
			ReviewerID: req.ReviewerID,
			Reason:     req.Reason,
		})
		if err != nil {
			s.error(c, err)
			return
		}
		c.JSON(http.StatusOK, newApprovalView(*a))
	}
}

func (s *Server) evaluatePolicy(c *gin.Context) {
	var req evaluatePolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, fmt.Errorf("invalid evaluation: %w", err))
		return
	}

	d, err := s.policy.Evaluate(c.Request.Context(), evaluate.Request{
		ToolPath: req.ToolPath,
		Input:    req.Input,
		Requestor: model.Requestor{
			AccountID:      req.AccountID,
			WorkspaceID:    req.WorkspaceID,
			OrganizationID: req.OrganizationID,
		},
		ClientID: req.ClientID,
	})
	if err != nil {
		s.error(c, err)
		return
	}
	c.JSON(http.StatusOK, decisionView{Effect: d.Effect, ApprovalMode: d.ApprovalMode, RuleID: d.RuleID})
}

func (s *Server) toolCall(c *gin.Context) {
	var req callback.ToolCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, fmt.Errorf("invalid tool call: %w", err))
		return
	}
	if !middleware.SecretsMatch(s.secret, req.Secret) {
		c.JSON(http.StatusUnauthorized, middleware.UnauthorizedBody)
		return
	}
	if req.RunID == "" || req.CallID == "" || req.ToolPath == "" {
		s.badRequest(c, fmt.Errorf("runId, callId and toolPath are required"))
		return
	}

	res := s.broker.Invoke(c.Request.Context(), req.RunID, req.CallID, req.ToolPath, req.Input)
	data, err := model.MarshalToolCallResult(res)
	if err != nil {
		s.error(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

func (s *Server) approvalStatus(c *gin.Context) {
	var req callback.ApprovalStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, fmt.Errorf("invalid approval status query: %w", err))
		return
	}
	if !middleware.SecretsMatch(s.secret, req.Secret) {
		c.JSON(http.StatusUnauthorized, middleware.UnauthorizedBody)
		return
	}

	st, err := s.broker.ApprovalStatus(c.Request.Context(), req.RunID, req.ApprovalID)
	if err != nil {
		s.error(c, err)
		return
	}
	c.JSON(http.StatusOK, callback.ApprovalStatusResponse{Status: st})
}

func (s *Server) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

// error maps the domain errors to HTTP statuses.
func (s *Server) error(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, model.ErrNotValid):
		code = http.StatusBadRequest
	case errors.Is(err, model.ErrConflict), errors.Is(err, model.ErrAlreadyExists):
		code = http.StatusConflict
	case errors.Is(err, model.ErrUnauthorized):
		code = http.StatusUnauthorized
	}

	if code == http.StatusInternalServerError {
		_ = c.Error(err)
		c.JSON(code, gin.H{"error": "internal error"})
		return
	}
	c.JSON(code, gin.H{"error": err.Error()})
}
