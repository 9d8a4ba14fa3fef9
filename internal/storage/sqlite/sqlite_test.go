package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/codebroker/internal/log"
	"github.com/slok/codebroker/internal/model"
	"github.com/slok/codebroker/internal/storage/sqlite"
)

func taskFixture(id string) model.Task {
	return model.Task{
		ID:             id,
		WorkspaceID:    "ws-1",
		AccountID:      "acc-1",
		OrganizationID: "org-1",
		ClientID:       "cli",
		Code:           "return await tools.github.repos.list({})",
		RuntimeID:      "inprocess",
		Status:         model.TaskStatusQueued,
		TimeoutMs:      30000,
		CreatedAt:      time.UnixMilli(1700000000000).UTC(),
	}
}

func newRepo(t *testing.T) *sqlite.Repository {
	t.Helper()
	repo, err := sqlite.NewRepository(context.Background(), sqlite.RepositoryConfig{
		DBPath: filepath.Join(t.TempDir(), "test.db"),
		Logger: log.Noop,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestRepositorySchemaVersion(t *testing.T) {
	repo := newRepo(t)

	v, err := repo.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)
}

func TestRepositoryTaskLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	task := taskFixture("t1")
	require.NoError(t, repo.CreateTask(ctx, task))

	err := repo.CreateTask(ctx, task)
	assert.True(t, errors.Is(err, model.ErrAlreadyExists))

	got, err := repo.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task, *got)

	started := time.UnixMilli(1700000001000).UTC()
	task.Status = model.TaskStatusRunning
	task.StartedAt = &started
	require.NoError(t, repo.TransitionTask(ctx, model.TaskStatusQueued, task))

	// A second dispatcher losing the race.
	err = repo.TransitionTask(ctx, model.TaskStatusQueued, task)
	assert.True(t, errors.Is(err, model.ErrConflict))

	completed := time.UnixMilli(1700000002000).UTC()
	exitCode := 0
	task.Status = model.TaskStatusCompleted
	task.ExitCode = &exitCode
	task.Result = `{"count":2}`
	task.Stdout = "hello\n"
	task.CompletedAt = &completed
	require.NoError(t, repo.TransitionTask(ctx, model.TaskStatusRunning, task))

	got, err = repo.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task, *got)

	err = repo.TransitionTask(ctx, model.TaskStatusQueued, taskFixture("missing"))
	assert.True(t, errors.Is(err, model.ErrNotValid))

	missing := taskFixture("missing")
	missing.Status = model.TaskStatusRunning
	err = repo.TransitionTask(ctx, model.TaskStatusQueued, missing)
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestRepositoryListTasks(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	base := taskFixture("t1").CreatedAt

	for i, id := range []string{"t1", "t2", "t3"} {
		task := taskFixture(id)
		task.CreatedAt = task.CreatedAt.Add(time.Duration(i) * time.Second)
		if id == "t3" {
			task.WorkspaceID = "ws-2"
		}
		require.NoError(t, repo.CreateTask(ctx, task))
	}

	tests := map[string]struct {
		opts   model.TaskListOpts
		expIDs []string
	}{
		"Without filters all tasks should be returned newest first.": {
			expIDs: []string{"t3", "t2", "t1"},
		},
		"Filtering by workspace should work.": {
			opts:   model.TaskListOpts{WorkspaceID: "ws-1"},
			expIDs: []string{"t2", "t1"},
		},
		"Limiting should work.": {
			opts:   model.TaskListOpts{Limit: 1},
			expIDs: []string{"t3"},
		},
		"Filtering by a status without tasks should return nothing.": {
			opts:   model.TaskListOpts{Status: model.TaskStatusRunning},
			expIDs: []string{},
		},
		"Listing oldest first should return the oldest tasks within the limit.": {
			opts:   model.TaskListOpts{OldestFirst: true, Limit: 2},
			expIDs: []string{"t1", "t2"},
		},
		"Filtering by creation time should skip the recent tasks.": {
			opts:   model.TaskListOpts{CreatedBefore: base.Add(2 * time.Second), OldestFirst: true},
			expIDs: []string{"t1", "t2"},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			tasks, err := repo.ListTasks(ctx, test.opts)
			require.NoError(t, err)

			ids := []string{}
			for _, task := range tasks {
				ids = append(ids, task.ID)
			}
			assert.Equal(t, test.expIDs, ids)
		})
	}
}

func TestRepositoryToolCalls(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	require.NoError(t, repo.CreateTask(ctx, taskFixture("t1")))

	now := time.UnixMilli(1700000000000).UTC()
	for _, callID := range []string{"call_2", "call_1"} {
		err := repo.CreateToolCall(ctx, model.ToolCall{
			ID:        "id-" + callID,
			TaskID:    "t1",
			CallID:    callID,
			ToolPath:  "github.repos.list",
			Input:     map[string]any{"owner": "slok", "page": 2.0},
			Status:    model.ToolCallStatusPending,
			CreatedAt: now,
		})
		require.NoError(t, err)
	}

	err := repo.CreateToolCall(ctx, model.ToolCall{ID: "dup", TaskID: "t1", CallID: "call_1", Status: model.ToolCallStatusPending, CreatedAt: now})
	assert.True(t, errors.Is(err, model.ErrAlreadyExists))

	err = repo.CreateToolCall(ctx, model.ToolCall{ID: "orphan", TaskID: "missing", CallID: "call_1", Status: model.ToolCallStatusPending, CreatedAt: now})
	assert.True(t, errors.Is(err, model.ErrNotFound))

	tcs, err := repo.ListToolCalls(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, tcs, 2)
	assert.Equal(t, "call_2", tcs[0].CallID)
	assert.Equal(t, "call_1", tcs[1].CallID)
	assert.Equal(t, map[string]any{"owner": "slok", "page": 2.0}, tcs[0].Input)

	completed := now.Add(time.Second)
	require.NoError(t, repo.FinishToolCall(ctx, model.ToolCall{
		TaskID:      "t1",
		CallID:      "call_1",
		Status:      model.ToolCallStatusDenied,
		ApprovalID:  "ap-1",
		Error:       "not today",
		CompletedAt: &completed,
	}))

	got, err := repo.GetToolCall(ctx, "t1", "call_1")
	require.NoError(t, err)
	assert.Equal(t, model.ToolCallStatusDenied, got.Status)
	assert.Equal(t, "ap-1", got.ApprovalID)
	assert.Equal(t, "not today", got.Error)
	assert.Equal(t, completed, *got.CompletedAt)

	err = repo.FinishToolCall(ctx, model.ToolCall{TaskID: "t1", CallID: "call_1", Status: model.ToolCallStatusCompleted})
	assert.True(t, errors.Is(err, model.ErrConflict))

	err = repo.FinishToolCall(ctx, model.ToolCall{TaskID: "t1", CallID: "call_9", Status: model.ToolCallStatusCompleted})
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestRepositoryApprovals(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	now := time.UnixMilli(1700000000000).UTC()
	a := model.Approval{
		ID:        "ap-1",
		TaskID:    "t1",
		CallID:    "call_1",
		ToolPath:  "github.repos.delete",
		Input:     map[string]any{"repo": "sbx"},
		Status:    model.ApprovalStatusPending,
		CreatedAt: now,
	}
	require.NoError(t, repo.CreateApproval(ctx, a))
	require.NoError(t, repo.CreateApproval(ctx, model.Approval{ID: "ap-2", TaskID: "t2", CallID: "call_1", ToolPath: "x.y", Status: model.ApprovalStatusPending, CreatedAt: now.Add(time.Second)}))

	err := repo.CreateApproval(ctx, a)
	assert.True(t, errors.Is(err, model.ErrAlreadyExists))

	resolvedAt := now.Add(time.Minute)
	got, err := repo.ResolveApproval(ctx, "ap-1", model.ApprovalStatusApproved, "reviewer", "looks fine", resolvedAt)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalStatusApproved, got.Status)
	assert.Equal(t, "reviewer", got.ReviewerID)
	assert.Equal(t, "looks fine", got.Reason)
	assert.Equal(t, resolvedAt, *got.ResolvedAt)
	assert.Equal(t, map[string]any{"repo": "sbx"}, got.Input)

	_, err = repo.ResolveApproval(ctx, "ap-1", model.ApprovalStatusDenied, "other", "", resolvedAt)
	assert.True(t, errors.Is(err, model.ErrConflict))

	_, err = repo.ResolveApproval(ctx, "ap-x", model.ApprovalStatusDenied, "other", "", resolvedAt)
	assert.True(t, errors.Is(err, model.ErrNotFound))

	pending, err := repo.ListApprovals(ctx, model.ApprovalListOpts{Status: model.ApprovalStatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "ap-2", pending[0].ID)

	byTask, err := repo.ListApprovals(ctx, model.ApprovalListOpts{TaskID: "t1"})
	require.NoError(t, err)
	require.Len(t, byTask, 1)
	assert.Equal(t, "ap-1", byTask[0].ID)
}

func TestRepositoryPolicyRules(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	rule := model.PolicyRule{
		ID:           "deny-delete",
		Selector:     model.Selector{Type: model.SelectorTypeToolPath, Pattern: "github.repos.delete", MatchType: model.MatchTypeExact},
		Effect:       model.PolicyEffectDeny,
		ApprovalMode: model.ApprovalModeInherit,
		ArgumentConditions: []model.ArgumentCondition{
			{Key: "owner", Operator: model.ConditionOperatorEquals, Value: "slok"},
		},
		Scope:    model.Scope{Kind: model.ScopeKindWorkspace, ID: "ws-1"},
		Priority: 100,
		ClientID: "cli",
	}
	require.NoError(t, repo.SavePolicyRule(ctx, rule))

	rules, err := repo.ListPolicyRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, rule, rules[0])

	rule.Priority = 1
	rule.ArgumentConditions = nil
	require.NoError(t, repo.SavePolicyRule(ctx, rule))

	rules, err = repo.ListPolicyRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, 1, rules[0].Priority)
	assert.Empty(t, rules[0].ArgumentConditions)

	err = repo.SavePolicyRule(ctx, model.PolicyRule{ID: "bad", Effect: "maybe"})
	assert.True(t, errors.Is(err, model.ErrNotValid))

	require.NoError(t, repo.DeletePolicyRule(ctx, "deny-delete"))
	err = repo.DeletePolicyRule(ctx, "deny-delete")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}
