package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/slok/codebroker/internal/approval"
	"github.com/slok/codebroker/internal/log"
	"github.com/slok/codebroker/internal/metrics"
	"github.com/slok/codebroker/internal/model"
	"github.com/slok/codebroker/internal/policy"
	"github.com/slok/codebroker/internal/storage"
	"github.com/slok/codebroker/internal/tool"
	"github.com/slok/codebroker/internal/tracing"
)

// Repository is the storage the broker needs.
type Repository interface {
	storage.TaskRepository
	storage.ToolCallRepository
	storage.ApprovalRepository
}

// PolicyEvaluator decides what happens with a tool call.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, req policy.Request) (model.Decision, error)
}

// ApprovalWaiter blocks until an approval is resolved.
type ApprovalWaiter interface {
	Await(ctx context.Context, taskID, approvalID string, timeout time.Duration) (approval.Outcome, error)
}

// BrokerConfig is the configuration for the tool call broker.
type BrokerConfig struct {
	Repository Repository
	Policy     PolicyEvaluator
	Catalog    *tool.Catalog
	Invoker    tool.Invoker
	// Waiter is used by Call, a polling waiter over the repository is used if missing.
	Waiter          ApprovalWaiter
	ApprovalTimeout time.Duration
	Metrics         metrics.Recorder
	Tracer          trace.Tracer
	Clock           func() time.Time
	IDGen           func() string
	Logger          log.Logger
}

func (c *BrokerConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Policy == nil {
		return fmt.Errorf("policy is required")
	}
	if c.Catalog == nil {
		return fmt.Errorf("catalog is required")
	}
	if c.Invoker == nil {
		return fmt.Errorf("invoker is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	if c.Waiter == nil {
		w, err := approval.NewWaiter(approval.WaiterConfig{
			Repository: c.Repository,
			Logger:     c.Logger,
		})
		if err != nil {
			return fmt.Errorf("could not create approval waiter: %w", err)
		}
		c.Waiter = w
	}
	if c.ApprovalTimeout == 0 {
		c.ApprovalTimeout = approval.DefaultTimeout
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Noop
	}
	if c.Tracer == nil {
		c.Tracer = tracing.Tracer()
	}
	if c.Clock == nil {
		c.Clock = func() time.Time { return time.Now().UTC() }
	}
	if c.IDGen == nil {
		c.IDGen = func() string { return ulid.Make().String() }
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "broker.Broker"})
	return nil
}

// Broker brokers the tool calls of the running tasks: evaluates the policy,
// parks the calls that need a human approval and executes the allowed ones.
//
// Invocations are idempotent on the task and call id, retrying a call id
// returns the stored outcome or resumes the call after its approval is resolved,
// the external tool is called at most once per call id.
type Broker struct {
	repo            Repository
	policy          PolicyEvaluator
	catalog         *tool.Catalog
	invoker         tool.Invoker
	waiter          ApprovalWaiter
	approvalTimeout time.Duration
	metrics         metrics.Recorder
	tracer          trace.Tracer
	clock           func() time.Time
	idGen           func() string
	locks           *keyedMutex
	logger          log.Logger
}

// NewBroker returns a new tool call broker.
func NewBroker(cfg BrokerConfig) (*Broker, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Broker{
		repo:            cfg.Repository,
		policy:          cfg.Policy,
		catalog:         cfg.Catalog,
		invoker:         cfg.Invoker,
		waiter:          cfg.Waiter,
		approvalTimeout: cfg.ApprovalTimeout,
		metrics:         cfg.Metrics,
		tracer:          cfg.Tracer,
		clock:           cfg.Clock,
		idGen:           cfg.IDGen,
		locks:           newKeyedMutex(),
		logger:          cfg.Logger,
	}, nil
}

// Invoke brokers a tool call of a running task. It never blocks on a human,
// calls that need an approval return a pending result.
func (b *Broker) Invoke(ctx context.Context, runID, callID, toolPath string, input map[string]any) model.ToolCallResult {
	ctx, span := b.tracer.Start(ctx, "broker.Invoke", trace.WithAttributes(
		attribute.String("task.id", runID),
		attribute.String("tool.call_id", callID),
		attribute.String("tool.path", toolPath),
	))
	defer span.End()

	if runID == "" || callID == "" || toolPath == "" {
		return failed("run id, call id and tool path are required")
	}

	logger := b.logger.WithValues(log.Kv{"task-id": runID, "call-id": callID, "tool": toolPath})

	unlock := b.locks.lock(runID + "/" + callID)
	defer unlock()

	res := b.invoke(ctx, logger, runID, callID, toolPath, input)
	span.SetAttributes(attribute.String("tool.result", resultKind(res)))
	if f, ok := res.(model.ToolCallFailed); ok {
		span.SetStatus(codes.Error, f.Error)
	}

	return res
}

func (b *Broker) invoke(ctx context.Context, logger log.Logger, runID, callID, toolPath string, input map[string]any) model.ToolCallResult {
	task, err := b.repo.GetTask(ctx, runID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return failed(fmt.Sprintf("task %s not found", runID))
		}
		logger.Errorf("Could not get task: %s", err)
		return failed("could not get task")
	}

	existing, err := b.repo.GetToolCall(ctx, runID, callID)
	if err == nil {
		return b.resume(ctx, logger, *task, *existing, toolPath)
	}
	if !errors.Is(err, model.ErrNotFound) {
		logger.Errorf("Could not get tool call: %s", err)
		return failed("could not get tool call")
	}

	if task.Status != model.TaskStatusRunning {
		return failed(fmt.Sprintf("task %s is not running (%s)", task.ID, task.Status))
	}

	tc := model.ToolCall{
		ID:        b.idGen(),
		TaskID:    runID,
		CallID:    callID,
		ToolPath:  toolPath,
		Input:     input,
		Status:    model.ToolCallStatusPending,
		CreatedAt: b.clock(),
	}

	res, err := b.catalog.Resolve(toolPath)
	if err != nil {
		return b.createTerminal(ctx, logger, tc, model.ToolCallStatusFailed, fmt.Sprintf("unknown tool %s: %s", toolPath, err))
	}

	decision, err := b.policy.Evaluate(ctx, policy.Request{
		ToolPath:            toolPath,
		SourceKey:           res.SourceKey,
		NamespacePrefix:     res.NamespacePrefix,
		Input:               input,
		Requestor:           task.Requestor(),
		ClientID:            task.ClientID,
		ToolDefaultApproval: res.DefaultApproval,
	})
	if err != nil {
		logger.Errorf("Could not evaluate policy: %s", err)
		return b.createTerminal(ctx, logger, tc, model.ToolCallStatusFailed, "could not evaluate tool call policy")
	}
	b.metrics.IncPolicyDecision(ctx, decision.Effect)
	logger.Debugf("Policy decision %s (rule %q)", decision.Effect, decision.RuleID)

	switch decision.Effect {
	case model.DecisionEffectDeny:
		return b.createTerminal(ctx, logger, tc, model.ToolCallStatusDenied, deniedByPolicyReason(toolPath, decision.RuleID))

	case model.DecisionEffectRequireApproval:
		// The call is stored first, an approval never exists without its call.
		tc.ApprovalID = b.idGen()
		if err := b.repo.CreateToolCall(ctx, tc); err != nil {
			logger.Errorf("Could not create tool call: %s", err)
			return failed("could not create tool call")
		}
		return b.requestApproval(ctx, logger, tc)
	}

	if err := b.repo.CreateToolCall(ctx, tc); err != nil {
		logger.Errorf("Could not create tool call: %s", err)
		return failed("could not create tool call")
	}

	return b.execute(ctx, logger, tc, res)
}

// resume continues a tool call that was already invoked with the same call id.
func (b *Broker) resume(ctx context.Context, logger log.Logger, task model.Task, tc model.ToolCall, toolPath string) model.ToolCallResult {
	if tc.ToolPath != toolPath {
		return failed(fmt.Sprintf("call id %s was already used for tool %s", tc.CallID, tc.ToolPath))
	}

	switch tc.Status {
	case model.ToolCallStatusCompleted:
		return outputResult(tc.Output)
	case model.ToolCallStatusFailed:
		return model.ToolCallFailed{Error: tc.Error}
	case model.ToolCallStatusDenied:
		return model.ToolCallDenied{Reason: tc.Error}
	}

	// The call lock is held, so a pending call without approval is not being
	// executed by this broker: its execution was interrupted and the outcome of
	// the external call is unknown. It is not executed twice.
	if tc.ApprovalID == "" {
		logger.Warningf("Found an interrupted tool call")
		return b.finish(ctx, logger, tc, model.ToolCallStatusFailed, fmt.Sprintf("tool call %s was interrupted, its outcome is unknown", tc.CallID))
	}

	a, err := b.repo.GetApproval(ctx, tc.ApprovalID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) && task.Status == model.TaskStatusRunning {
			logger.Warningf("Approval %s of the tool call is missing, requesting it again", tc.ApprovalID)
			return b.requestApproval(ctx, logger, tc)
		}
		logger.Errorf("Could not get approval %s: %s", tc.ApprovalID, err)
		return failed("could not get approval")
	}

	if task.Status != model.TaskStatusRunning {
		return b.finish(ctx, logger, tc, model.ToolCallStatusFailed, fmt.Sprintf("approval resolved too late: task %s is not running (%s)", task.ID, task.Status))
	}

	switch a.Status {
	case model.ApprovalStatusPending:
		return model.ToolCallPending{ApprovalID: a.ID}

	case model.ApprovalStatusDenied:
		return b.finish(ctx, logger, tc, model.ToolCallStatusDenied, deniedByReviewerReason(*a))

	case model.ApprovalStatusApproved:
		res, err := b.catalog.Resolve(tc.ToolPath)
		if err != nil {
			return b.finish(ctx, logger, tc, model.ToolCallStatusFailed, fmt.Sprintf("unknown tool %s: %s", tc.ToolPath, err))
		}
		logger.Infof("Tool call approved by %q", a.ReviewerID)
		return b.execute(ctx, logger, tc, res)
	}

	return failed(fmt.Sprintf("approval %s has an unknown status %q", a.ID, a.Status))
}

// requestApproval creates the pending approval of a stored tool call.
func (b *Broker) requestApproval(ctx context.Context, logger log.Logger, tc model.ToolCall) model.ToolCallResult {
	a := model.Approval{
		ID:        tc.ApprovalID,
		TaskID:    tc.TaskID,
		CallID:    tc.CallID,
		ToolPath:  tc.ToolPath,
		Input:     tc.Input,
		Status:    model.ApprovalStatusPending,
		CreatedAt: b.clock(),
	}
	if err := b.repo.CreateApproval(ctx, a); err != nil && !errors.Is(err, model.ErrAlreadyExists) {
		// Retrying the call id requests the approval again.
		logger.Errorf("Could not create approval: %s", err)
		return failed("could not create approval")
	}
	logger.Infof("Tool call waiting for approval %s", a.ID)

	return model.ToolCallPending{ApprovalID: a.ID}
}

// execute calls the external tool and stores the outcome on the pending tool call.
func (b *Broker) execute(ctx context.Context, logger log.Logger, tc model.ToolCall, res tool.Resolution) model.ToolCallResult {
	ctx, span := b.tracer.Start(ctx, "tool.Invoke", trace.WithAttributes(
		attribute.String("tool.source", res.SourceKey),
		attribute.String("tool.source_kind", string(res.Source.Kind)),
	))
	start := time.Now()
	out, err := b.invoker.Invoke(ctx, tool.Call{
		ToolPath: tc.ToolPath,
		Path:     res.Path,
		Source:   res.Source,
		Tool:     res.Tool,
		Input:    tc.Input,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool call failed")
	}
	span.End()

	var result model.ToolCallResult
	status := model.ToolCallStatusCompleted
	if err != nil {
		status = model.ToolCallStatusFailed
		tc.Error = err.Error()
		result = model.ToolCallFailed{Error: tc.Error}
	} else {
		data, err := json.Marshal(out)
		if err != nil {
			status = model.ToolCallStatusFailed
			tc.Error = fmt.Sprintf("tool output is not JSON serializable: %s", err)
			result = model.ToolCallFailed{Error: tc.Error}
		} else {
			tc.Output = string(data)
			result = outputResult(tc.Output)
		}
	}
	b.metrics.ObserveToolCall(ctx, res.SourceKey, status, time.Since(start))

	now := b.clock()
	tc.Status = status
	tc.CompletedAt = &now
	if err := b.repo.FinishToolCall(ctx, tc); err != nil {
		// The external call already happened, the outcome is returned anyway.
		logger.Errorf("Could not store tool call outcome: %s", err)
	}
	logger.Infof("Tool call %s", status)

	return result
}

func (b *Broker) createTerminal(ctx context.Context, logger log.Logger, tc model.ToolCall, status model.ToolCallStatus, msg string) model.ToolCallResult {
	now := b.clock()
	tc.Status = status
	tc.Error = msg
	tc.CompletedAt = &now
	if err := b.repo.CreateToolCall(ctx, tc); err != nil {
		logger.Errorf("Could not create tool call: %s", err)
	}
	logger.Infof("Tool call %s: %s", status, msg)

	return terminalResult(status, msg)
}

func (b *Broker) finish(ctx context.Context, logger log.Logger, tc model.ToolCall, status model.ToolCallStatus, msg string) model.ToolCallResult {
	now := b.clock()
	tc.Status = status
	tc.Error = msg
	tc.CompletedAt = &now
	if err := b.repo.FinishToolCall(ctx, tc); err != nil {
		if errors.Is(err, model.ErrConflict) {
			// Someone else finished it first, theirs is the outcome.
			stored, gerr := b.repo.GetToolCall(ctx, tc.TaskID, tc.CallID)
			if gerr == nil && stored.Status.IsTerminal() {
				return storedResult(*stored)
			}
		}
		logger.Errorf("Could not finish tool call: %s", err)
	}
	logger.Infof("Tool call %s: %s", status, msg)

	return terminalResult(status, msg)
}

func failed(msg string) model.ToolCallResult {
	return model.ToolCallFailed{Error: msg}
}

func terminalResult(status model.ToolCallStatus, msg string) model.ToolCallResult {
	if status == model.ToolCallStatusDenied {
		return model.ToolCallDenied{Reason: msg}
	}
	return model.ToolCallFailed{Error: msg}
}

func storedResult(tc model.ToolCall) model.ToolCallResult {
	if tc.Status == model.ToolCallStatusCompleted {
		return outputResult(tc.Output)
	}
	return terminalResult(tc.Status, tc.Error)
}

func outputResult(output string) model.ToolCallResult {
	if output == "" {
		return model.ToolCallOK{}
	}

	var v any
	if err := json.Unmarshal([]byte(output), &v); err != nil {
		return failed(fmt.Sprintf("stored tool output is not valid JSON: %s", err))
	}

	return model.ToolCallOK{Value: v}
}

func deniedByPolicyReason(toolPath, ruleID string) string {
	if ruleID == "" {
		return fmt.Sprintf("tool %s denied by policy", toolPath)
	}
	return fmt.Sprintf("tool %s denied by policy rule %s", toolPath, ruleID)
}

func deniedByReviewerReason(a model.Approval) string {
	msg := fmt.Sprintf("tool %s denied by reviewer", a.ToolPath)
	if a.ReviewerID != "" {
		msg = fmt.Sprintf("tool %s denied by %s", a.ToolPath, a.ReviewerID)
	}
	if a.Reason != "" {
		msg += ": " + a.Reason
	}
	return msg
}

func resultKind(r model.ToolCallResult) string {
	switch r.(type) {
	case model.ToolCallOK:
		return "ok"
	case model.ToolCallPending:
		return "pending"
	case model.ToolCallDenied:
		return "denied"
	}
	return "failed"
}
