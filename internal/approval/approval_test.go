package approval_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/slok/codebroker/internal/approval"
	"github.com/slok/codebroker/internal/model"
	notifymemory "github.com/slok/codebroker/internal/notify/memory"
	"github.com/slok/codebroker/internal/storage/memory"
	"github.com/slok/codebroker/internal/storage/storagemock"
)

func newRepoWithApproval(t *testing.T, status model.ApprovalStatus) *memory.Repository {
	t.Helper()
	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(t, err)
	require.NoError(t, repo.CreateApproval(context.Background(), model.Approval{
		ID:        "ap-1",
		TaskID:    "t1",
		CallID:    "call_1",
		ToolPath:  "github.repos.delete",
		Status:    model.ApprovalStatusPending,
		CreatedAt: time.Now().UTC(),
	}))
	if status.IsResolved() {
		_, err := repo.ResolveApproval(context.Background(), "ap-1", status, "reviewer", "", time.Now().UTC())
		require.NoError(t, err)
	}
	return repo
}

func TestWaiterAwait(t *testing.T) {
	tests := map[string]struct {
		initial    model.ApprovalStatus
		taskID     string
		timeout    time.Duration
		resolveTo  model.ApprovalStatus
		expOutcome approval.Outcome
		expErr     bool
	}{
		"A zero timeout should time out immediately.": {
			initial:    model.ApprovalStatusPending,
			taskID:     "t1",
			timeout:    0,
			expOutcome: approval.OutcomeTimeout,
		},

		"A negative timeout should time out immediately.": {
			initial:    model.ApprovalStatusApproved,
			taskID:     "t1",
			timeout:    -time.Second,
			expOutcome: approval.OutcomeTimeout,
		},

		"An already approved approval should resolve without waiting.": {
			initial:    model.ApprovalStatusApproved,
			taskID:     "t1",
			timeout:    time.Hour,
			expOutcome: approval.OutcomeApproved,
		},

		"An already denied approval should resolve without waiting.": {
			initial:    model.ApprovalStatusDenied,
			taskID:     "t1",
			timeout:    time.Hour,
			expOutcome: approval.OutcomeDenied,
		},

		"A pending approval that is approved later should resolve approved.": {
			initial:    model.ApprovalStatusPending,
			taskID:     "t1",
			timeout:    time.Hour,
			resolveTo:  model.ApprovalStatusApproved,
			expOutcome: approval.OutcomeApproved,
		},

		"A pending approval that is denied later should resolve denied.": {
			initial:    model.ApprovalStatusPending,
			taskID:     "t1",
			timeout:    time.Hour,
			resolveTo:  model.ApprovalStatusDenied,
			expOutcome: approval.OutcomeDenied,
		},

		"A pending approval that is never resolved should time out.": {
			initial:    model.ApprovalStatusPending,
			taskID:     "t1",
			timeout:    50 * time.Millisecond,
			expOutcome: approval.OutcomeTimeout,
		},

		"An approval of another task should fail.": {
			initial: model.ApprovalStatusPending,
			taskID:  "t2",
			timeout: time.Hour,
			expErr:  true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			repo := newRepoWithApproval(t, test.initial)
			notifier, err := notifymemory.NewNotifier(notifymemory.NotifierConfig{})
			require.NoError(err)

			// Long poll interval so the notification is what wakes the wait up.
			w, err := approval.NewWaiter(approval.WaiterConfig{Repository: repo, Notifier: notifier, PollInterval: time.Hour})
			require.NoError(err)
			r, err := approval.NewResolver(approval.ResolverConfig{Repository: repo, Notifier: notifier})
			require.NoError(err)

			if test.resolveTo != "" {
				go func() {
					time.Sleep(20 * time.Millisecond)
					_, _ = r.Resolve(context.Background(), "ap-1", test.resolveTo, "reviewer", "")
				}()
			}

			outcome, err := w.Await(context.Background(), test.taskID, "ap-1", test.timeout)
			if test.expErr {
				assert.Error(err)
				return
			}
			require.NoError(err)
			assert.Equal(test.expOutcome, outcome)
		})
	}
}

func TestWaiterAwaitPollsWithoutNotifier(t *testing.T) {
	repo := newRepoWithApproval(t, model.ApprovalStatusPending)

	w, err := approval.NewWaiter(approval.WaiterConfig{Repository: repo, PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		// Resolved by another process, nobody notifies.
		_, _ = repo.ResolveApproval(context.Background(), "ap-1", model.ApprovalStatusApproved, "", "", time.Now())
	}()

	outcome, err := w.Await(context.Background(), "t1", "ap-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, approval.OutcomeApproved, outcome)
}

func TestWaiterAwaitCancellationDoesNotResolve(t *testing.T) {
	repo := newRepoWithApproval(t, model.ApprovalStatusPending)

	w, err := approval.NewWaiter(approval.WaiterConfig{Repository: repo, PollInterval: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = w.Await(ctx, "t1", "ap-1", time.Minute)
	assert.ErrorIs(t, err, context.Canceled)

	a, err := repo.GetApproval(context.Background(), "ap-1")
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalStatusPending, a.Status)
}

func TestWaiterAwaitMissingApproval(t *testing.T) {
	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(t, err)

	w, err := approval.NewWaiter(approval.WaiterConfig{Repository: repo})
	require.NoError(t, err)

	_, err = w.Await(context.Background(), "t1", "missing", time.Minute)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestResolverResolve(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	tests := map[string]struct {
		mock   func(m *storagemock.MockRepository)
		status model.ApprovalStatus
		expErr error
	}{
		"Approving a pending approval should work.": {
			status: model.ApprovalStatusApproved,
			mock: func(m *storagemock.MockRepository) {
				m.On("ResolveApproval", mock.Anything, "ap-1", model.ApprovalStatusApproved, "reviewer", "ok", now).Once().
					Return(&model.Approval{ID: "ap-1", TaskID: "t1", Status: model.ApprovalStatusApproved}, nil)
			},
		},

		"Resolving an already resolved approval should conflict.": {
			status: model.ApprovalStatusDenied,
			mock: func(m *storagemock.MockRepository) {
				m.On("ResolveApproval", mock.Anything, "ap-1", model.ApprovalStatusDenied, "reviewer", "ok", now).Once().
					Return(nil, model.ErrConflict)
			},
			expErr: model.ErrConflict,
		},

		"Resolving to pending should fail without touching the store.": {
			status: model.ApprovalStatusPending,
			mock:   func(m *storagemock.MockRepository) {},
			expErr: model.ErrNotValid,
		},

		"Store errors should be returned.": {
			status: model.ApprovalStatusApproved,
			mock: func(m *storagemock.MockRepository) {
				m.On("ResolveApproval", mock.Anything, "ap-1", model.ApprovalStatusApproved, "reviewer", "ok", now).Once().
					Return(nil, errors.New("disk full"))
			},
			expErr: errors.New("disk full"),
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			mRepo := storagemock.NewMockRepository(t)
			test.mock(mRepo)

			r, err := approval.NewResolver(approval.ResolverConfig{
				Repository: mRepo,
				Clock:      func() time.Time { return now },
			})
			require.NoError(t, err)

			a, err := r.Resolve(context.Background(), "ap-1", test.status, "reviewer", "ok")
			if test.expErr != nil {
				require.Error(t, err)
				if errors.Is(test.expErr, model.ErrConflict) || errors.Is(test.expErr, model.ErrNotValid) {
					assert.ErrorIs(t, err, test.expErr)
				} else {
					assert.Contains(t, err.Error(), test.expErr.Error())
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.status, a.Status)
		})
	}
}

func TestResolverNotifiesWaiters(t *testing.T) {
	repo := newRepoWithApproval(t, model.ApprovalStatusPending)
	notifier, err := notifymemory.NewNotifier(notifymemory.NotifierConfig{})
	require.NoError(t, err)

	ch, unsub, err := notifier.Subscribe(context.Background(), "ap-1")
	require.NoError(t, err)
	defer unsub()

	r, err := approval.NewResolver(approval.ResolverConfig{Repository: repo, Notifier: notifier})
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), "ap-1", model.ApprovalStatusDenied, "reviewer", "no")
	require.NoError(t, err)

	select {
	case s := <-ch:
		assert.Equal(t, model.ApprovalStatusDenied, s)
	case <-time.After(time.Second):
		t.Fatal("expected notification")
	}
}
