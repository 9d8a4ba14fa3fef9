package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ToolCallResult is the outcome of a tool call invocation. The implementations
// are ToolCallOK, ToolCallPending, ToolCallDenied and ToolCallFailed.
type ToolCallResult interface {
	toolCallResult()
}

// ToolCallOK is a successful tool call with the value returned by the tool.
type ToolCallOK struct {
	Value any
}

// ToolCallPending is a tool call parked until its approval is resolved.
type ToolCallPending struct {
	ApprovalID string
}

// ToolCallDenied is a tool call denied by policy or by a human.
type ToolCallDenied struct {
	Reason string
}

// ToolCallFailed is a tool call that could not be completed.
type ToolCallFailed struct {
	Error string
}

func (ToolCallOK) toolCallResult()      {}
func (ToolCallPending) toolCallResult() {}
func (ToolCallDenied) toolCallResult()  {}
func (ToolCallFailed) toolCallResult()  {}

const (
	toolCallKindPending = "pending"
	toolCallKindDenied  = "denied"
	toolCallKindFailed  = "failed"
)

type toolCallResultJSON struct {
	OK         bool   `json:"ok"`
	Value      any    `json:"value,omitempty"`
	Kind       string `json:"kind,omitempty"`
	ApprovalID string `json:"approvalId,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Error      string `json:"error,omitempty"`
}

// MarshalToolCallResult encodes a result in its wire format.
func MarshalToolCallResult(r ToolCallResult) ([]byte, error) {
	var out toolCallResultJSON
	switch v := r.(type) {
	case ToolCallOK:
		out = toolCallResultJSON{OK: true, Value: v.Value}
	case ToolCallPending:
		out = toolCallResultJSON{Kind: toolCallKindPending, ApprovalID: v.ApprovalID}
	case ToolCallDenied:
		out = toolCallResultJSON{Kind: toolCallKindDenied, Reason: v.Reason}
	case ToolCallFailed:
		out = toolCallResultJSON{Kind: toolCallKindFailed, Error: v.Error}
	default:
		return nil, fmt.Errorf("unknown tool call result %T: %w", r, ErrNotValid)
	}

	return json.Marshal(out)
}

// UnmarshalToolCallResult decodes a result from its wire format.
func UnmarshalToolCallResult(data []byte) (ToolCallResult, error) {
	var in toolCallResultJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("invalid tool call result JSON: %w", err)
	}

	if in.OK {
		return ToolCallOK{Value: in.Value}, nil
	}

	switch in.Kind {
	case toolCallKindPending:
		if in.ApprovalID == "" {
			return nil, fmt.Errorf("pending result without approval id: %w", ErrNotValid)
		}
		return ToolCallPending{ApprovalID: in.ApprovalID}, nil
	case toolCallKindDenied:
		return ToolCallDenied{Reason: in.Reason}, nil
	case toolCallKindFailed:
		return ToolCallFailed{Error: in.Error}, nil
	}

	return nil, fmt.Errorf("unknown tool call result kind %q: %w", in.Kind, ErrNotValid)
}

// RunResult is the terminal outcome of an execution adapter run.
type RunResult struct {
	Status   TaskStatus
	ExitCode *int
	Error    string
	Result   any
	Stdout   string
	Stderr   string
	Duration time.Duration
}
