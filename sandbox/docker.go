package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

// probeTimeout bounds the construction-time daemon connectivity check.
const probeTimeout = 5 * time.Second

// DockerEngine implements Engine on the Docker daemon API. Each unit is an
// ephemeral container created with a memory ceiling, a fractional CPU
// ceiling, and no network access.
type DockerEngine struct {
	cli    *client.Client
	logger *zap.Logger
}

// NewDockerEngine creates the engine and verifies daemon connectivity with
// a ping. A failed ping is returned as an error so the caller can resolve
// to fallback mode instead of starting in a broken state.
func NewDockerEngine(logger *zap.Logger) (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}

	logger.Info("docker engine initialized")
	return &DockerEngine{cli: cli, logger: logger}, nil
}

// Name implements Engine.
func (*DockerEngine) Name() string {
	return EngineDocker
}

// Close releases the daemon connection.
func (e *DockerEngine) Close() error {
	return e.cli.Close()
}

// EnsureImage pulls the image if it is not present locally. The pull
// response is drained to block until the pull actually completes.
func (e *DockerEngine) EnsureImage(ctx context.Context, ref string) error {
	images, err := e.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err == nil && len(images) > 0 {
		return nil
	}

	e.logger.Info("pulling image", zap.String("image", ref))
	reader, err := e.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}

	e.logger.Info("image ready", zap.String("image", ref))
	return nil
}

// Create allocates a container for the unit spec. The container is not
// started; the caller owns its lifecycle from here on, including Remove.
func (e *DockerEngine) Create(ctx context.Context, spec UnitSpec) (Unit, error) {
	cfg, hostCfg := containerConfig(spec)

	resp, err := e.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	return &dockerUnit{cli: e.cli, id: resp.ID}, nil
}

// containerConfig translates a unit spec into the daemon's container and
// host configuration. Network access is always disabled.
func containerConfig(spec UnitSpec) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image:           spec.Image,
		Cmd:             spec.Argv(),
		NetworkDisabled: true,
	}
	hostCfg := &container.HostConfig{
		NetworkMode: "none",
		Resources: container.Resources{
			Memory:   spec.MemoryBytes,
			NanoCPUs: spec.NanoCPUs,
		},
	}
	return cfg, hostCfg
}

// dockerUnit is one container owned by a single Execute call.
type dockerUnit struct {
	cli *client.Client
	id  string
}

func (u *dockerUnit) Start(ctx context.Context) error {
	if err := u.cli.ContainerStart(ctx, u.id, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container: %w", err)
	}
	return nil
}

// Wait returns a channel that receives the container's terminal status.
// The channel is buffered so the goroutine never leaks when the caller
// abandons the wait after a deadline.
func (u *dockerUnit) Wait(ctx context.Context) <-chan WaitStatus {
	out := make(chan WaitStatus, 1)
	statusCh, errCh := u.cli.ContainerWait(ctx, u.id, container.WaitConditionNotRunning)

	go func() {
		select {
		case status := <-statusCh:
			out <- WaitStatus{ExitCode: int(status.StatusCode)}
		case err := <-errCh:
			out <- WaitStatus{Err: err}
		case <-ctx.Done():
		}
	}()

	return out
}

func (u *dockerUnit) Kill(ctx context.Context) error {
	return u.cli.ContainerKill(ctx, u.id, "KILL")
}

// Output captures the container's stdout and stderr as separate streams.
// The daemon multiplexes both onto one connection; stdcopy demultiplexes.
func (u *dockerUnit) Output(ctx context.Context) (string, string, error) {
	logs, err := u.cli.ContainerLogs(ctx, u.id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", "", fmt.Errorf("fetch container logs: %w", err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return stdout.String(), stderr.String(), fmt.Errorf("demux container logs: %w", err)
	}
	return stdout.String(), stderr.String(), nil
}

func (u *dockerUnit) Remove(ctx context.Context) error {
	return u.cli.ContainerRemove(ctx, u.id, container.RemoveOptions{Force: true})
}
