package container

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"tangled.sh/tangled.sh/log"
)

const execPollInterval = 250 * time.Millisecond

// DockerRuntime runs containers on the local docker engine.
type DockerRuntime struct {
	docker       client.APIClient
	pollInterval time.Duration
	l            *slog.Logger
}

func NewDockerRuntime(ctx context.Context) (*DockerRuntime, error) {
	dcli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}

	if _, err := dcli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging docker engine: %w", err)
	}

	return newDockerRuntime(ctx, dcli), nil
}

func newDockerRuntime(ctx context.Context, dcli client.APIClient) *DockerRuntime {
	l := log.FromContext(ctx).With("component", "docker")
	return &DockerRuntime{docker: dcli, pollInterval: execPollInterval, l: l}
}

func (r *DockerRuntime) NewContainer(image, name string) Container {
	return &dockerContainer{rt: r, image: image, name: name}
}

func (r *DockerRuntime) Close() error {
	return r.docker.Close()
}

type dockerContainer struct {
	rt    *DockerRuntime
	image string
	name  string

	mu      sync.Mutex
	id      string
	created bool
}

func (c *dockerContainer) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.id != "" {
		return c.id
	}
	return c.name
}

func (c *dockerContainer) Image() string {
	return c.image
}

func (c *dockerContainer) Create(ctx context.Context) error {
	c.mu.Lock()
	if c.created {
		c.mu.Unlock()
		return ErrAlreadyCreated
	}
	c.created = true
	c.mu.Unlock()

	if err := c.rt.pullImageIfNeeded(ctx, c.image); err != nil {
		return fmt.Errorf("%w: %w", ErrContainerStart, err)
	}

	resp, err := c.rt.docker.ContainerCreate(ctx, &container.Config{
		Image:      c.image,
		Entrypoint: idleCommand,
		Tty:        false,
		Hostname:   "agent",
		Labels: map[string]string{
			"managed-by": "agent",
		},
	}, &container.HostConfig{
		SecurityOpt: []string{"no-new-privileges"},
		ExtraHosts:  []string{"host.docker.internal:host-gateway"},
	}, nil, nil, c.name)
	if err != nil {
		return fmt.Errorf("%w: creating container: %w", ErrContainerStart, err)
	}

	c.mu.Lock()
	c.id = resp.ID
	c.mu.Unlock()

	if err := c.rt.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if rmErr := c.Remove(context.WithoutCancel(ctx)); rmErr != nil {
			c.rt.l.Error("failed to remove container after failed start", "container", resp.ID, "error", rmErr)
		}
		return fmt.Errorf("%w: %w", ErrContainerStart, err)
	}
	c.rt.l.Info("started container", "container", resp.ID, "name", c.name, "image", c.image)

	return nil
}

func (c *dockerContainer) Exec(ctx context.Context, command, workingDir string) (*Exec, error) {
	c.mu.Lock()
	id := c.id
	c.mu.Unlock()
	if id == "" {
		return nil, fmt.Errorf("%w: %w", ErrContainerExec, ErrNotCreated)
	}

	resp, err := c.rt.docker.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          shellCommand(command),
		WorkingDir:   workingDir,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrContainerExec, err)
	}

	hijack, err := c.rt.docker.ContainerExecAttach(ctx, resp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrContainerExec, err)
	}
	if hijack.Reader == nil {
		hijack.Close()
		return nil, ErrContainerExecDetached
	}

	pr, pw := io.Pipe()
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		// stdout and stderr share one ordered stream
		_, err := stdcopy.StdCopy(pw, pw, hijack.Reader)
		pw.CloseWithError(err)
	}()

	execID := resp.ID
	wait := func(ctx context.Context) (int, error) {
		return c.rt.waitExec(ctx, execID, streamDone)
	}

	return NewExec(&execOutput{PipeReader: pr, hijack: hijack}, wait), nil
}

func (c *dockerContainer) Remove(ctx context.Context) error {
	c.mu.Lock()
	id := c.id
	c.mu.Unlock()
	if id == "" {
		return nil
	}

	err := c.rt.docker.ContainerRemove(ctx, id, container.RemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	})
	if err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return fmt.Errorf("%w: %w", ErrContainerRemove, err)
	}
	c.rt.l.Info("removed container", "container", id)

	return nil
}

func (r *DockerRuntime) pullImageIfNeeded(ctx context.Context, ref string) error {
	images, err := r.docker.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err == nil && len(images) > 0 {
		return nil
	}

	r.l.Info("pulling image", "image", ref)
	reader, err := r.docker.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image: %w", err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("reading pull progress: %w", err)
	}
	return nil
}

// waitExec polls the exec until it has exited. The engine answers the
// attach before it marks the exec running, so a stopped exec only counts
// once it has a pid or its output stream has ended.
func (r *DockerRuntime) waitExec(ctx context.Context, execID string, streamDone <-chan struct{}) (int, error) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		info, err := r.docker.ContainerExecInspect(ctx, execID)
		if err != nil {
			return -1, fmt.Errorf("%w: inspecting exec: %w", ErrContainerExec, err)
		}
		if !info.Running && (info.Pid != 0 || closed(streamDone)) {
			return info.ExitCode, nil
		}

		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
		}
	}
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

type execOutput struct {
	*io.PipeReader
	hijack types.HijackedResponse
}

func (o *execOutput) Close() error {
	o.hijack.Close()
	return o.PipeReader.Close()
}

// thanks woodpecker
func isErrContainerNotFoundOrNotRunning(err error) bool {
	// Error response from daemon: Cannot kill container: ...: No such container: ...
	// Error response from daemon: Cannot kill container: ...: Container ... is not running"
	// Error response from podman daemon: can only kill running containers. ... is in state exited
	// Error: No such container: ...
	return err != nil && (strings.Contains(err.Error(), "No such container") || strings.Contains(err.Error(), "is not running") || strings.Contains(err.Error(), "can only kill running containers") || strings.Contains(err.Error(), "is already in progress"))
}
