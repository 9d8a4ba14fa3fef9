package dispatch_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/codebroker/internal/dispatch"
	"github.com/slok/codebroker/internal/model"
	"github.com/slok/codebroker/internal/storage/memory"
)

type asyncRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (a *asyncRecorder) DispatchAsync(_ context.Context, taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ids = append(a.ids, taskID)
}

func TestPollerPoll(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	task := func(id string, status model.TaskStatus, age time.Duration) model.Task {
		return model.Task{ID: id, WorkspaceID: "ws1", Code: "return 1;", RuntimeID: "fake", Status: status, TimeoutMs: 1000, CreatedAt: now.Add(-age)}
	}

	tests := map[string]struct {
		tasks     []model.Task
		batchSize int
		expIDs    []string
	}{
		"Queued tasks should be dispatched oldest first.": {
			tasks:  []model.Task{task("t2", model.TaskStatusQueued, time.Minute), task("t1", model.TaskStatusQueued, time.Hour)},
			expIDs: []string{"t1", "t2"},
		},

		"Recently queued tasks should be left to their submitter.": {
			tasks:  []model.Task{task("t1", model.TaskStatusQueued, time.Minute), task("t2", model.TaskStatusQueued, time.Second)},
			expIDs: []string{"t1"},
		},

		"Tasks not queued should be ignored.": {
			tasks:  []model.Task{task("t1", model.TaskStatusQueued, time.Minute), task("t2", model.TaskStatusRunning, time.Minute)},
			expIDs: []string{"t1"},
		},

		"An old queued task should not starve behind a full batch of recent ones.": {
			tasks: []model.Task{
				task("old", model.TaskStatusQueued, time.Hour),
				task("new1", model.TaskStatusQueued, time.Second),
				task("new2", model.TaskStatusQueued, 2*time.Second),
				task("new3", model.TaskStatusQueued, 3*time.Second),
			},
			batchSize: 3,
			expIDs:    []string{"old"},
		},

		"A full batch should take the oldest queued tasks.": {
			tasks: []model.Task{
				task("t4", model.TaskStatusQueued, time.Minute),
				task("t1", model.TaskStatusQueued, 4*time.Minute),
				task("t3", model.TaskStatusQueued, 2*time.Minute),
				task("t2", model.TaskStatusQueued, 3*time.Minute),
			},
			batchSize: 3,
			expIDs:    []string{"t1", "t2", "t3"},
		},

		"Without queued tasks nothing should be dispatched.": {},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			require := require.New(t)
			ctx := context.Background()

			repo, err := memory.NewRepository(memory.RepositoryConfig{})
			require.NoError(err)
			for _, tk := range test.tasks {
				status := tk.Status
				tk.Status = model.TaskStatusQueued
				require.NoError(repo.CreateTask(ctx, tk))
				if status != model.TaskStatusQueued {
					tk.Status = status
					require.NoError(repo.TransitionTask(ctx, model.TaskStatusQueued, tk))
				}
			}

			rec := &asyncRecorder{}
			p, err := dispatch.NewPoller(dispatch.PollerConfig{
				Repository: repo,
				Dispatcher: rec,
				MinAge:     10 * time.Second,
				BatchSize:  test.batchSize,
				Clock:      func() time.Time { return now },
			})
			require.NoError(err)

			n, err := p.Poll(ctx)
			require.NoError(err)
			assert.Equal(t, len(test.expIDs), n)
			assert.Equal(t, test.expIDs, rec.ids)
		})
	}
}
