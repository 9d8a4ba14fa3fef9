package metrics

import (
	"context"
	"time"

	"github.com/slok/codebroker/internal/model"
)

// Recorder knows how to record the broker and dispatcher metrics.
type Recorder interface {
	ObserveTaskRun(ctx context.Context, runtimeID string, status model.TaskStatus, duration time.Duration)
	ObserveToolCall(ctx context.Context, sourceKey string, status model.ToolCallStatus, duration time.Duration)
	IncPolicyDecision(ctx context.Context, effect model.DecisionEffect)
	IncApprovalResolution(ctx context.Context, status model.ApprovalStatus)
	ObserveApprovalWait(ctx context.Context, outcome string, duration time.Duration)
}

// Noop recorder doesn't record anything.
const Noop = noop(0)

type noop int

func (noop) ObserveTaskRun(context.Context, string, model.TaskStatus, time.Duration)      {}
func (noop) ObserveToolCall(context.Context, string, model.ToolCallStatus, time.Duration) {}
func (noop) IncPolicyDecision(context.Context, model.DecisionEffect)                      {}
func (noop) IncApprovalResolution(context.Context, model.ApprovalStatus)                  {}
func (noop) ObserveApprovalWait(context.Context, string, time.Duration)                   {}
