package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/slok/codebroker/internal/approval"
	"github.com/slok/codebroker/internal/log"
	"github.com/slok/codebroker/internal/model"
)

// Call invokes a tool call and blocks while its approval is pending, then
// invokes it again with the same call id. An approval that is not resolved
// in time fails the call.
func (b *Broker) Call(ctx context.Context, runID, callID, toolPath string, input map[string]any) model.ToolCallResult {
	res := b.Invoke(ctx, runID, callID, toolPath, input)
	pending, ok := res.(model.ToolCallPending)
	if !ok {
		return res
	}

	logger := b.logger.WithValues(log.Kv{"task-id": runID, "call-id": callID, "approval-id": pending.ApprovalID})

	start := time.Now()
	outcome, err := b.waiter.Await(ctx, runID, pending.ApprovalID, b.approvalTimeout)
	if err != nil {
		b.metrics.ObserveApprovalWait(ctx, "error", time.Since(start))
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return failed(fmt.Sprintf("approval %s wait interrupted: %s", pending.ApprovalID, err))
		}
		logger.Errorf("Approval wait failed: %s", err)
		return failed(fmt.Sprintf("approval %s wait failed", pending.ApprovalID))
	}
	b.metrics.ObserveApprovalWait(ctx, string(outcome), time.Since(start))

	if outcome == approval.OutcomeTimeout {
		return b.expire(ctx, logger, runID, callID, fmt.Sprintf("approval %s was not resolved within %s", pending.ApprovalID, b.approvalTimeout))
	}

	res = b.Invoke(ctx, runID, callID, toolPath, input)
	if _, ok := res.(model.ToolCallPending); ok {
		return failed(fmt.Sprintf("approval %s is still pending", pending.ApprovalID))
	}

	return res
}

// expire fails a tool call whose approval wait timed out, a later approval
// will not execute it.
func (b *Broker) expire(ctx context.Context, logger log.Logger, runID, callID, msg string) model.ToolCallResult {
	unlock := b.locks.lock(runID + "/" + callID)
	defer unlock()

	tc, err := b.repo.GetToolCall(ctx, runID, callID)
	if err != nil {
		logger.Errorf("Could not get tool call: %s", err)
		return failed(msg)
	}
	if tc.Status.IsTerminal() {
		return storedResult(*tc)
	}

	return b.finish(ctx, logger, *tc, model.ToolCallStatusFailed, msg)
}

// ApprovalStatus returns the status of an approval of the task. Approvals
// that don't exist or belong to other tasks are missing.
func (b *Broker) ApprovalStatus(ctx context.Context, runID, approvalID string) (model.ApprovalStatus, error) {
	a, err := b.repo.GetApproval(ctx, approvalID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.ApprovalStatusMissing, nil
		}
		return "", fmt.Errorf("could not get approval: %w", err)
	}

	if a.TaskID != runID {
		return model.ApprovalStatusMissing, nil
	}

	return a.Status, nil
}
