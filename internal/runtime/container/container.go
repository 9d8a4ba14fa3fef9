package container

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/slok/codebroker/internal/log"
	"github.com/slok/codebroker/internal/model"
	"github.com/slok/codebroker/internal/runtime"
)

// Worker container environment variables.
const (
	EnvTaskID         = "CODEBROKER_TASK_ID"
	EnvCode           = "CODEBROKER_CODE"
	EnvTimeoutMs      = "CODEBROKER_TIMEOUT_MS"
	EnvCallbackURL    = "CODEBROKER_CALLBACK_URL"
	EnvCallbackSecret = "CODEBROKER_CALLBACK_SECRET"
)

// DockerClient is the interface for Docker operations that we use.
type DockerClient interface {
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Ping(ctx context.Context) (types.Ping, error)
}

// AdapterConfig is the configuration for the container adapter.
type AdapterConfig struct {
	Client DockerClient
	// Image is the worker image, it must run the codebroker worker in callback mode.
	Image string
	// Command overrides the image command.
	Command []string
	// PullImage pulls the image before every run.
	PullImage bool
	// Network is the container network mode, it needs to reach the callback URL.
	Network        string
	MemoryMB       int
	VCPUs          float64
	CallbackURL    string
	CallbackSecret string
	Logger         log.Logger
}

func (c *AdapterConfig) defaults() error {
	if c.Image == "" {
		return fmt.Errorf("worker image is required")
	}
	if len(c.Command) == 0 {
		c.Command = []string{"codebroker", "worker", "--mode", "callback"}
	}
	if c.Client == nil {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return fmt.Errorf("could not create Docker client: %w", err)
		}
		c.Client = cli
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "runtime.Container"})
	return nil
}

// Adapter runs every task in a new Docker container with the worker image. The
// worker calls back into the broker for the tool calls and prints its result
// as the last stdout line.
type Adapter struct {
	client         DockerClient
	image          string
	command        []string
	pull           bool
	network        string
	memoryMB       int
	vcpus          float64
	callbackURL    string
	callbackSecret string
	logger         log.Logger
}

// NewAdapter returns a new container adapter.
func NewAdapter(cfg AdapterConfig) (*Adapter, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Adapter{
		client:         cfg.Client,
		image:          cfg.Image,
		command:        cfg.Command,
		pull:           cfg.PullImage,
		network:        cfg.Network,
		memoryMB:       cfg.MemoryMB,
		vcpus:          cfg.VCPUs,
		callbackURL:    cfg.CallbackURL,
		callbackSecret: cfg.CallbackSecret,
		logger:         cfg.Logger,
	}, nil
}

func (a *Adapter) Check(ctx context.Context) []model.CheckResult {
	if _, err := a.client.Ping(ctx); err != nil {
		return []model.CheckResult{{ID: "docker", Message: fmt.Sprintf("Docker daemon not reachable: %s", err), Status: model.CheckStatusError}}
	}

	results := []model.CheckResult{{ID: "docker", Message: "Docker daemon reachable", Status: model.CheckStatusOK}}
	if a.callbackURL == "" {
		results = append(results, model.CheckResult{ID: "callback", Message: "Callback URL missing, tool calls will fail", Status: model.CheckStatusWarning})
	}

	return results
}

func (a *Adapter) Run(ctx context.Context, req runtime.RunRequest) model.RunResult {
	logger := a.logger.WithValues(log.Kv{"task-id": req.TaskID})
	start := time.Now()

	if a.pull {
		logger.Debugf("Pulling image %s", a.image)
		pullResp, err := a.client.ImagePull(ctx, a.image, image.PullOptions{})
		if err != nil {
			return runtime.Failure(fmt.Sprintf("failed to pull image %s: %s", a.image, err), nil, time.Since(start))
		}
		_, _ = io.Copy(io.Discard, pullResp)
		pullResp.Close()
	}

	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(a.network),
		Resources: container.Resources{
			NanoCPUs: int64(a.vcpus * 1e9),
			Memory:   int64(a.memoryMB) * 1024 * 1024,
		},
	}
	containerConfig := &container.Config{
		Image: a.image,
		Cmd:   a.command,
		Env: Job{
			TaskID:         req.TaskID,
			Code:           req.Code,
			Timeout:        req.Timeout,
			CallbackURL:    a.callbackURL,
			CallbackSecret: a.callbackSecret,
		}.Env(),
		Labels: map[string]string{"codebroker.task-id": req.TaskID},
	}
	name := "codebroker-" + strings.ToLower(req.TaskID)

	resp, err := a.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return runtime.Failure(fmt.Sprintf("failed to create container: %s", err), nil, time.Since(start))
	}
	containerID := resp.ID
	// Cleanup must run even when the task context is done.
	defer a.remove(context.WithoutCancel(ctx), logger, containerID)

	if err := a.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return runtime.Failure(fmt.Sprintf("failed to start container: %s", err), nil, time.Since(start))
	}
	logger.Debugf("Container %s started", containerID)

	waitCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	exitCode, err := a.wait(waitCtx, containerID)
	duration := time.Since(start)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return runtime.Failure(runtime.AbortedMessage, nil, duration)
		case errors.Is(waitCtx.Err(), context.DeadlineExceeded):
			return runtime.TimedOut(req.Timeout, duration)
		}
		return runtime.Failure(fmt.Sprintf("failed waiting for container: %s", err), nil, duration)
	}

	stdout, stderr, err := a.logs(context.WithoutCancel(ctx), containerID)
	if err != nil {
		return runtime.Failure(fmt.Sprintf("failed to read container output: %s", err), &exitCode, duration)
	}

	line := lastLine(stdout)
	if line == "" {
		msg := fmt.Sprintf("worker container exited with code %d without a result", exitCode)
		if s := lastLine(stderr); s != "" {
			msg += ": " + s
		}
		return runtime.Failure(msg, &exitCode, duration)
	}

	var report runtime.Report
	if err := json.Unmarshal([]byte(line), &report); err != nil {
		return runtime.Failure(fmt.Sprintf("worker container returned an invalid result: %s", err), &exitCode, duration)
	}
	if report.ExitCode == nil {
		report.ExitCode = &exitCode
	}

	return report.RunResult(duration)
}

func (a *Adapter) wait(ctx context.Context, containerID string) (int, error) {
	respC, errC := a.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case resp := <-respC:
		if resp.Error != nil && resp.Error.Message != "" {
			return 0, errors.New(resp.Error.Message)
		}
		return int(resp.StatusCode), nil
	case err := <-errC:
		return 0, err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (a *Adapter) logs(ctx context.Context, containerID string) (stdout, stderr string, err error) {
	rc, err := a.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", err
	}
	defer rc.Close()

	var outBuf, errBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&outBuf, &errBuf, rc); err != nil {
		return "", "", err
	}

	return outBuf.String(), errBuf.String(), nil
}

func (a *Adapter) remove(ctx context.Context, logger log.Logger, containerID string) {
	timeout := 0
	if err := a.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		logger.Debugf("Could not stop container %s: %s", containerID, err)
	}
	if err := a.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		logger.Warningf("Could not remove container %s: %s", containerID, err)
	}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

var _ runtime.Adapter = &Adapter{}
