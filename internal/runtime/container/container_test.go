package container_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/codebroker/internal/model"
	"github.com/slok/codebroker/internal/runtime"
	rcontainer "github.com/slok/codebroker/internal/runtime/container"
)

// fakeDocker simulates a container that exits with exitCode after delay
// writing stdout and stderr.
type fakeDocker struct {
	mu       sync.Mutex
	exitCode int64
	delay    time.Duration
	stdout   string
	stderr   string
	pingErr  error
	created  *container.Config
	name     string
	stopped  bool
	removed  bool
}

func (f *fakeDocker) ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(nil)), nil
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = config
	f.name = containerName
	return container.CreateResponse{ID: "c1"}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	return nil
}

func (f *fakeDocker) ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	respC := make(chan container.WaitResponse, 1)
	errC := make(chan error, 1)
	go func() {
		select {
		case <-time.After(f.delay):
			respC <- container.WaitResponse{StatusCode: f.exitCode}
		case <-ctx.Done():
			errC <- ctx.Err()
		}
	}()
	return respC, errC
}

func (f *fakeDocker) ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error) {
	var b bytes.Buffer
	_, _ = stdcopy.NewStdWriter(&b, stdcopy.Stdout).Write([]byte(f.stdout))
	if f.stderr != "" {
		_, _ = stdcopy.NewStdWriter(&b, stdcopy.Stderr).Write([]byte(f.stderr))
	}
	return io.NopCloser(&b), nil
}

func (f *fakeDocker) ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = true
	return nil
}

func (f *fakeDocker) Ping(ctx context.Context) (types.Ping, error) {
	return types.Ping{}, f.pingErr
}

func TestAdapterRun(t *testing.T) {
	tests := map[string]struct {
		docker      *fakeDocker
		timeout     time.Duration
		expStatus   model.TaskStatus
		expResult   any
		expError    string
		expExitCode *int
		expStdout   string
	}{
		"The worker result line should be the run result.": {
			docker: &fakeDocker{
				stdout: "{\"status\":\"completed\",\"result\":{\"ok\":true},\"stdout\":\"hi\\n\",\"exitCode\":0}\n",
			},
			timeout:     5 * time.Second,
			expStatus:   model.TaskStatusCompleted,
			expResult:   map[string]any{"ok": true},
			expExitCode: runtime.IntPtr(0),
			expStdout:   "hi\n",
		},

		"A denied worker result should deny the task.": {
			docker: &fakeDocker{
				exitCode: 1,
				stdout:   `{"status":"failed","error":"APPROVAL_DENIED: nope"}`,
			},
			timeout:     5 * time.Second,
			expStatus:   model.TaskStatusDenied,
			expError:    "APPROVAL_DENIED: nope",
			expExitCode: runtime.IntPtr(1),
		},

		"A worker without result should fail with the container exit code.": {
			docker: &fakeDocker{
				exitCode: 137,
				stderr:   "starting\nout of memory\n",
			},
			timeout:     5 * time.Second,
			expStatus:   model.TaskStatusFailed,
			expError:    "worker container exited with code 137 without a result: out of memory",
			expExitCode: runtime.IntPtr(137),
		},

		"An invalid result line should fail the task.": {
			docker: &fakeDocker{
				stdout: "not json",
			},
			timeout:     5 * time.Second,
			expStatus:   model.TaskStatusFailed,
			expError:    "worker container returned an invalid result: invalid character 'o' in literal null (expecting 'u')",
			expExitCode: runtime.IntPtr(0),
		},

		"A container running past the timeout should time out.": {
			docker: &fakeDocker{
				delay: time.Minute,
			},
			timeout:   100 * time.Millisecond,
			expStatus: model.TaskStatusTimedOut,
			expError:  "task timed out after 100ms",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			a, err := rcontainer.NewAdapter(rcontainer.AdapterConfig{
				Client:         test.docker,
				Image:          "ghcr.io/slok/codebroker:latest",
				CallbackURL:    "http://broker:8080",
				CallbackSecret: "s3cr3t",
			})
			require.NoError(t, err)

			got := a.Run(context.Background(), runtime.RunRequest{TaskID: "01ABC", Code: "return 1;", Timeout: test.timeout})

			assert.Equal(test.expStatus, got.Status)
			assert.Equal(test.expResult, got.Result)
			assert.Equal(test.expError, got.Error)
			assert.Equal(test.expExitCode, got.ExitCode)
			assert.Equal(test.expStdout, got.Stdout)

			// The container is always configured and cleaned up.
			assert.Equal("codebroker-01abc", test.docker.name)
			assert.Contains(test.docker.created.Env, "CODEBROKER_TASK_ID=01ABC")
			assert.Contains(test.docker.created.Env, "CODEBROKER_CODE=return 1;")
			assert.Contains(test.docker.created.Env, "CODEBROKER_CALLBACK_URL=http://broker:8080")
			assert.True(test.docker.stopped)
			assert.True(test.docker.removed)
		})
	}
}

func TestAdapterCheck(t *testing.T) {
	tests := map[string]struct {
		pingErr   error
		expStatus model.CheckStatus
	}{
		"A reachable daemon should be ok.": {
			expStatus: model.CheckStatusOK,
		},
		"An unreachable daemon should be an error.": {
			pingErr:   errors.New("connection refused"),
			expStatus: model.CheckStatusError,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			a, err := rcontainer.NewAdapter(rcontainer.AdapterConfig{
				Client:      &fakeDocker{pingErr: test.pingErr},
				Image:       "codebroker",
				CallbackURL: "http://broker:8080",
			})
			require.NoError(t, err)

			checks := a.Check(context.Background())
			require.Len(t, checks, 1)
			assert.Equal(t, test.expStatus, checks[0].Status)
		})
	}
}
