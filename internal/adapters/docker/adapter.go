// Package docker implements ports.Runtime on the Docker Engine API.
package docker

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/envdock/envdock/internal/core/domain"
	"github.com/envdock/envdock/internal/core/ports"
)

// Adapter implements ports.Runtime using the Docker SDK.
type Adapter struct {
	cli *client.Client
	log *zap.Logger
}

// NewAdapter creates a Docker adapter and verifies connectivity with a quick
// ping so an unreachable daemon fails fast instead of on the first operation.
func NewAdapter(log *zap.Logger) (*Adapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: create docker client: %v", domain.ErrConnection, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: ping docker daemon: %v", domain.ErrConnection, err)
	}
	return &Adapter{cli: cli, log: log}, nil
}

// translate folds engine-specific failures into the domain taxonomy. Anything
// not recognized stays a generic operation error for the caller to wrap.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case client.IsErrNotFound(err):
		return fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	case client.IsErrConnectionFailed(err):
		return fmt.Errorf("%w: %v", domain.ErrConnection, err)
	}
	return err
}

// normalizeStatus maps the engine's container states onto the four statuses
// the lifecycle engine tracks.
func normalizeStatus(state string) string {
	switch state {
	case "created":
		return domain.StatusCreated
	case "running", "restarting":
		return domain.StatusRunning
	case "dead":
		return domain.StatusDead
	default: // exited, paused, removing
		return domain.StatusStopped
	}
}

// EnsureImage pulls the image only when it is absent locally.
func (a *Adapter) EnsureImage(ctx context.Context, ref string) error {
	if err := a.ImageExists(ctx, ref); err == nil {
		a.log.Debug("image found locally", zap.String("image", ref))
		return nil
	}

	a.log.Info("pulling image", zap.String("image", ref))
	reader, err := a.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, translate(err))
	}
	defer reader.Close()

	// The pull only completes once the stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	return nil
}

func (a *Adapter) ImageExists(ctx context.Context, ref string) error {
	if _, _, err := a.cli.ImageInspectWithRaw(ctx, ref); err != nil {
		return translate(err)
	}
	return nil
}

func (a *Adapter) CreateContainer(ctx context.Context, spec ports.ContainerSpec) (string, error) {
	config := &container.Config{
		Image: spec.Image,
		Cmd:   spec.Command,
	}
	hostConfig := &container.HostConfig{
		Mounts: toDockerMounts(spec.Mounts),
	}

	if spec.Port > 0 {
		port := nat.Port(fmt.Sprintf("%d/tcp", spec.Port))
		config.ExposedPorts = nat.PortSet{port: struct{}{}}
		hostConfig.PortBindings = nat.PortMap{
			port: []nat.PortBinding{{HostPort: strconv.Itoa(spec.Port)}},
		}
	}
	if spec.GPU {
		hostConfig.DeviceRequests = []container.DeviceRequest{
			{Count: -1, Capabilities: [][]string{{"gpu"}}},
		}
	}

	resp, err := a.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", spec.Name, translate(err))
	}
	return resp.ID, nil
}

func toDockerMounts(entries []domain.MountEntry) []mount.Mount {
	dockerMounts := make([]mount.Mount, 0, len(entries))
	for _, entry := range entries {
		dockerMounts = append(dockerMounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   entry.HostPath,
			Target:   entry.ContainerPath,
			ReadOnly: entry.ReadOnly,
		})
	}
	return dockerMounts
}

func (a *Adapter) ContainerStatus(ctx context.Context, id string) (string, error) {
	inspect, err := a.cli.ContainerInspect(ctx, id)
	if err != nil {
		return "", translate(err)
	}
	return normalizeStatus(inspect.State.Status), nil
}

// StartContainer is a no-op on an already running container.
func (a *Adapter) StartContainer(ctx context.Context, id string) error {
	inspect, err := a.cli.ContainerInspect(ctx, id)
	if err != nil {
		return translate(err)
	}
	if inspect.State.Running {
		return nil
	}
	if err := a.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", id, translate(err))
	}
	return nil
}

func (a *Adapter) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := a.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("stop container %s: %w", id, translate(err))
	}
	return nil
}

func (a *Adapter) RestartContainer(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := a.cli.ContainerRestart(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("restart container %s: %w", id, translate(err))
	}
	return nil
}

func (a *Adapter) RemoveContainer(ctx context.Context, id string) error {
	if err := a.cli.ContainerRemove(ctx, id, container.RemoveOptions{}); err != nil {
		return fmt.Errorf("remove container %s: %w", id, translate(err))
	}
	return nil
}

func (a *Adapter) CommitContainer(ctx context.Context, id, repository, tag string) error {
	_, err := a.cli.ContainerCommit(ctx, id, container.CommitOptions{
		Reference: repository + ":" + tag,
	})
	if err != nil {
		return fmt.Errorf("commit container %s: %w", id, translate(err))
	}
	return nil
}

// RemoveImage treats an already-absent image as success.
func (a *Adapter) RemoveImage(ctx context.Context, ref string, force bool) error {
	_, err := a.cli.ImageRemove(ctx, ref, image.RemoveOptions{Force: force})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove image %s: %w", ref, translate(err))
	}
	return nil
}

// Exec runs a command in the container and captures combined output.
func (a *Adapter) Exec(ctx context.Context, id string, cmd []string) (string, error) {
	execResp, err := a.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("create exec in %s: %w", id, translate(err))
	}

	attach, err := a.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return "", fmt.Errorf("attach exec in %s: %w", id, translate(err))
	}
	defer attach.Close()

	var stdout, stderr strings.Builder
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return "", fmt.Errorf("read exec output from %s: %w", id, err)
	}
	return stdout.String() + stderr.String(), nil
}

// Events adapts the engine's event stream to the gateway shape. Both output
// channels close once ctx is cancelled or the underlying stream ends.
func (a *Adapter) Events(ctx context.Context) (<-chan ports.RuntimeEvent, <-chan error) {
	msgs, errs := a.cli.Events(ctx, events.ListOptions{})

	out := make(chan ports.RuntimeEvent)
	errOut := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errOut)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				ev := ports.RuntimeEvent{
					Type:        string(msg.Type),
					Action:      string(msg.Action),
					ContainerID: msg.Actor.ID,
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case err, ok := <-errs:
				if !ok {
					return
				}
				select {
				case errOut <- err:
				default:
				}
				return
			}
		}
	}()
	return out, errOut
}
