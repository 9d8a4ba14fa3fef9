package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/slok/codebroker/internal/log"
	"github.com/slok/codebroker/internal/model"
	"github.com/slok/codebroker/internal/storage"
)

// RepositoryConfig is the configuration for the memory repository.
type RepositoryConfig struct {
	Logger log.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.Memory"})
	return nil
}

type toolCallKey struct {
	taskID string
	callID string
}

// Repository is an in-memory implementation of storage.Repository.
type Repository struct {
	tasks         map[string]model.Task
	toolCalls     map[toolCallKey]model.ToolCall
	toolCallOrder map[string][]string
	approvals     map[string]model.Approval
	approvalOrder []string
	rules         map[string]model.PolicyRule
	mu            sync.RWMutex
	logger        log.Logger
}

var _ storage.Repository = &Repository{}

// NewRepository creates a new memory repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Repository{
		tasks:         make(map[string]model.Task),
		toolCalls:     make(map[toolCallKey]model.ToolCall),
		toolCallOrder: make(map[string][]string),
		approvals:     make(map[string]model.Approval),
		rules:         make(map[string]model.PolicyRule),
		logger:        cfg.Logger,
	}, nil
}

// CreateTask creates a new task in the repository.
func (r *Repository) CreateTask(ctx context.Context, t model.Task) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[t.ID]; ok {
		return fmt.Errorf("task with id %s: %w", t.ID, model.ErrAlreadyExists)
	}

	r.tasks[t.ID] = t
	r.logger.Debugf("Created task in repository: %s", t.ID)

	return nil
}

// GetTask retrieves a task by ID.
func (r *Repository) GetTask(ctx context.Context, id string) (*model.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, model.ErrNotFound)
	}

	return &t, nil
}

// ListTasks returns the tasks newest first, or oldest first when asked.
func (r *Repository) ListTasks(ctx context.Context, opts model.TaskListOpts) ([]model.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tasks := make([]model.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		if opts.WorkspaceID != "" && t.WorkspaceID != opts.WorkspaceID {
			continue
		}
		if opts.Status != "" && t.Status != opts.Status {
			continue
		}
		if !opts.CreatedBefore.IsZero() && !t.CreatedAt.Before(opts.CreatedBefore) {
			continue
		}
		tasks = append(tasks, t)
	}

	sort.Slice(tasks, func(i, j int) bool {
		if opts.OldestFirst {
			i, j = j, i
		}
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		}
		return tasks[i].ID > tasks[j].ID
	})

	if opts.Limit > 0 && len(tasks) > opts.Limit {
		tasks = tasks[:opts.Limit]
	}

	return tasks, nil
}

// TransitionTask stores the task only if the stored status is still from.
func (r *Repository) TransitionTask(ctx context.Context, from model.TaskStatus, t model.Task) error {
	if !from.CanTransition(t.Status) {
		return fmt.Errorf("task %s can't transition from %s to %s: %w", t.ID, from, t.Status, model.ErrNotValid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.tasks[t.ID]
	if !ok {
		return fmt.Errorf("task %s: %w", t.ID, model.ErrNotFound)
	}
	if current.Status != from {
		return fmt.Errorf("task %s is %s, expected %s: %w", t.ID, current.Status, from, model.ErrConflict)
	}

	r.tasks[t.ID] = t
	r.logger.Debugf("Transitioned task %s: %s -> %s", t.ID, from, t.Status)

	return nil
}

// CreateToolCall creates a new pending tool call.
func (r *Repository) CreateToolCall(ctx context.Context, tc model.ToolCall) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[tc.TaskID]; !ok {
		return fmt.Errorf("task %s: %w", tc.TaskID, model.ErrNotFound)
	}

	key := toolCallKey{taskID: tc.TaskID, callID: tc.CallID}
	if _, ok := r.toolCalls[key]; ok {
		return fmt.Errorf("tool call %s on task %s: %w", tc.CallID, tc.TaskID, model.ErrAlreadyExists)
	}

	tc.Input = maps.Clone(tc.Input)
	r.toolCalls[key] = tc
	r.toolCallOrder[tc.TaskID] = append(r.toolCallOrder[tc.TaskID], tc.CallID)
	r.logger.Debugf("Created tool call in repository: %s/%s", tc.TaskID, tc.CallID)

	return nil
}

// GetToolCall retrieves a tool call by its task scoped call ID.
func (r *Repository) GetToolCall(ctx context.Context, taskID, callID string) (*model.ToolCall, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tc, ok := r.toolCalls[toolCallKey{taskID: taskID, callID: callID}]
	if !ok {
		return nil, fmt.Errorf("tool call %s on task %s: %w", callID, taskID, model.ErrNotFound)
	}

	tc.Input = maps.Clone(tc.Input)
	return &tc, nil
}

// ListToolCalls returns the task tool calls in creation order.
func (r *Repository) ListToolCalls(ctx context.Context, taskID string) ([]model.ToolCall, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.toolCallOrder[taskID]
	tcs := make([]model.ToolCall, 0, len(ids))
	for _, callID := range ids {
		tc := r.toolCalls[toolCallKey{taskID: taskID, callID: callID}]
		tc.Input = maps.Clone(tc.Input)
		tcs = append(tcs, tc)
	}

	return tcs, nil
}

// FinishToolCall sets the terminal state of a pending tool call.
func (r *Repository) FinishToolCall(ctx context.Context, tc model.ToolCall) error {
	if !tc.Status.IsTerminal() {
		return fmt.Errorf("tool call status %s is not terminal: %w", tc.Status, model.ErrNotValid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := toolCallKey{taskID: tc.TaskID, callID: tc.CallID}
	current, ok := r.toolCalls[key]
	if !ok {
		return fmt.Errorf("tool call %s on task %s: %w", tc.CallID, tc.TaskID, model.ErrNotFound)
	}
	if current.Status != model.ToolCallStatusPending {
		return fmt.Errorf("tool call %s on task %s is already %s: %w", tc.CallID, tc.TaskID, current.Status, model.ErrConflict)
	}

	current.Status = tc.Status
	current.ApprovalID = tc.ApprovalID
	current.Output = tc.Output
	current.Error = tc.Error
	current.CompletedAt = tc.CompletedAt
	r.toolCalls[key] = current
	r.logger.Debugf("Finished tool call %s/%s: %s", tc.TaskID, tc.CallID, tc.Status)

	return nil
}

// CreateApproval creates a new approval.
func (r *Repository) CreateApproval(ctx context.Context, a model.Approval) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.approvals[a.ID]; ok {
		return fmt.Errorf("approval with id %s: %w", a.ID, model.ErrAlreadyExists)
	}

	a.Input = maps.Clone(a.Input)
	r.approvals[a.ID] = a
	r.approvalOrder = append(r.approvalOrder, a.ID)
	r.logger.Debugf("Created approval in repository: %s", a.ID)

	return nil
}

// GetApproval retrieves an approval by ID.
func (r *Repository) GetApproval(ctx context.Context, id string) (*model.Approval, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.approvals[id]
	if !ok {
		return nil, fmt.Errorf("approval %s: %w", id, model.ErrNotFound)
	}

	a.Input = maps.Clone(a.Input)
	return &a, nil
}

// ListApprovals returns the approvals in creation order.
func (r *Repository) ListApprovals(ctx context.Context, opts model.ApprovalListOpts) ([]model.Approval, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	as := []model.Approval{}
	for _, id := range r.approvalOrder {
		a := r.approvals[id]
		if opts.TaskID != "" && a.TaskID != opts.TaskID {
			continue
		}
		if opts.Status != "" && a.Status != opts.Status {
			continue
		}
		a.Input = maps.Clone(a.Input)
		as = append(as, a)
	}

	return as, nil
}

// ResolveApproval moves a pending approval to approved or denied.
func (r *Repository) ResolveApproval(ctx context.Context, id string, status model.ApprovalStatus, reviewerID, reason string, at time.Time) (*model.Approval, error) {
	if !status.IsResolved() {
		return nil, fmt.Errorf("approval status %s is not a resolution: %w", status, model.ErrNotValid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.approvals[id]
	if !ok {
		return nil, fmt.Errorf("approval %s: %w", id, model.ErrNotFound)
	}
	if a.Status != model.ApprovalStatusPending {
		return nil, fmt.Errorf("approval %s is already %s: %w", id, a.Status, model.ErrConflict)
	}

	a.Status = status
	a.ReviewerID = reviewerID
	a.Reason = reason
	a.ResolvedAt = &at
	r.approvals[id] = a
	r.logger.Debugf("Resolved approval %s: %s", id, status)

	a.Input = maps.Clone(a.Input)
	return &a, nil
}

// ListPolicyRules returns the rules sorted by ID.
func (r *Repository) ListPolicyRules(ctx context.Context) ([]model.PolicyRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rules := make([]model.PolicyRule, 0, len(r.rules))
	for _, rule := range r.rules {
		rules = append(rules, rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })

	return rules, nil
}

// SavePolicyRule creates or replaces a rule.
func (r *Repository) SavePolicyRule(ctx context.Context, rule model.PolicyRule) error {
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("invalid policy rule: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rule.ArgumentConditions = append([]model.ArgumentCondition(nil), rule.ArgumentConditions...)
	r.rules[rule.ID] = rule
	r.logger.Debugf("Saved policy rule in repository: %s", rule.ID)

	return nil
}

// DeletePolicyRule deletes a rule.
func (r *Repository) DeletePolicyRule(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rules[id]; !ok {
		return fmt.Errorf("policy rule %s: %w", id, model.ErrNotFound)
	}

	delete(r.rules, id)
	r.logger.Debugf("Deleted policy rule from repository: %s", id)

	return nil
}
