package container

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"tangled.sh/tangled.sh/log"
)

// ContainerdRuntime runs containers through a containerd daemon: images
// are pulled and unpacked by its transfer service, root filesystems are
// snapshots and commands run as task execs.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
	l         *slog.Logger
}

func NewContainerdRuntime(ctx context.Context, socket, namespace string) (*ContainerdRuntime, error) {
	client, err := containerd.New(socket, containerd.WithDefaultNamespace(namespace))
	if err != nil {
		return nil, fmt.Errorf("connecting to containerd: %w", err)
	}

	serving, err := client.IsServing(ctx)
	if err != nil || !serving {
		client.Close()
		return nil, fmt.Errorf("containerd at %s is not serving: %w", socket, err)
	}

	l := log.FromContext(ctx).With("component", "containerd")
	return &ContainerdRuntime{client: client, namespace: namespace, l: l}, nil
}

func (r *ContainerdRuntime) NewContainer(image, name string) Container {
	return &containerdContainer{rt: r, image: image, name: name}
}

func (r *ContainerdRuntime) Close() error {
	return r.client.Close()
}

func (r *ContainerdRuntime) withNamespace(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, r.namespace)
}

type containerdContainer struct {
	rt    *ContainerdRuntime
	image string
	name  string

	mu        sync.Mutex
	created   bool
	container containerd.Container
	task      containerd.Task
}

func (c *containerdContainer) ID() string {
	return c.name
}

func (c *containerdContainer) Image() string {
	return c.image
}

func (c *containerdContainer) Create(ctx context.Context) error {
	c.mu.Lock()
	if c.created {
		c.mu.Unlock()
		return ErrAlreadyCreated
	}
	c.created = true
	c.mu.Unlock()

	ctx = c.rt.withNamespace(ctx)

	img, err := c.rt.client.GetImage(ctx, c.image)
	if errdefs.IsNotFound(err) {
		c.rt.l.Info("pulling image", "image", c.image)
		img, err = c.rt.client.Pull(ctx, c.image, containerd.WithPullUnpack)
	}
	if err != nil {
		return fmt.Errorf("%w: pulling image: %w", ErrContainerStart, err)
	}

	ctr, err := c.rt.client.NewContainer(ctx, c.name,
		containerd.WithImage(img),
		containerd.WithNewSnapshot(c.name+"-snapshot", img),
		containerd.WithNewSpec(
			oci.WithImageConfig(img),
			oci.WithProcessArgs(idleCommand...),
			oci.WithHostname("agent"),
		),
	)
	if err != nil {
		return fmt.Errorf("%w: creating container: %w", ErrContainerStart, err)
	}
	c.mu.Lock()
	c.container = ctr
	c.mu.Unlock()

	task, err := ctr.NewTask(ctx, cio.NullIO)
	if err == nil {
		c.mu.Lock()
		c.task = task
		c.mu.Unlock()
		err = task.Start(ctx)
	}
	if err != nil {
		if rmErr := c.Remove(context.WithoutCancel(ctx)); rmErr != nil {
			c.rt.l.Error("failed to remove container after failed start", "container", c.name, "error", rmErr)
		}
		return fmt.Errorf("%w: starting task: %w", ErrContainerStart, err)
	}
	c.rt.l.Info("started container", "container", c.name, "image", c.image)

	return nil
}

// specOpts are applied on top of the image config. Containers share the
// host network so that steps such as the repository clone can resolve
// and reach remote hosts.
func specOpts() []oci.SpecOpts {
	return []oci.SpecOpts{
		oci.WithProcessArgs(idleCommand...),
		oci.WithHostname("agent"),
		oci.WithHostNamespace(specs.NetworkNamespace),
		oci.WithHostResolvconf,
		oci.WithHostHostsFile,
	}
}

type exitResult struct {
	code int
	err  error
}

func (c *containerdContainer) Exec(ctx context.Context, command, workingDir string) (*Exec, error) {
	c.mu.Lock()
	ctr, task := c.container, c.task
	c.mu.Unlock()
	if task == nil {
		return nil, fmt.Errorf("%w: %w", ErrContainerExec, ErrNotCreated)
	}

	ctx = c.rt.withNamespace(ctx)

	spec, err := ctr.Spec(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: loading spec: %w", ErrContainerExec, err)
	}
	pspec := *spec.Process
	pspec.Args = shellCommand(command)
	pspec.Terminal = false
	if workingDir != "" {
		pspec.Cwd = workingDir
	}

	pr, pw := io.Pipe()
	execID := "exec-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	process, err := task.Exec(ctx, execID, &pspec, cio.NewCreator(cio.WithStreams(nil, pw, pw)))
	if err != nil {
		pw.Close()
		return nil, fmt.Errorf("%w: %w", ErrContainerExec, err)
	}

	// Wait must be registered before Start so the exit is not missed
	statusC, err := process.Wait(ctx)
	if err == nil {
		err = process.Start(ctx)
	}
	if err != nil {
		pw.Close()
		if _, delErr := process.Delete(context.WithoutCancel(ctx)); delErr != nil {
			c.rt.l.Debug("failed to delete exec process", "exec", execID, "error", delErr)
		}
		return nil, fmt.Errorf("%w: %w", ErrContainerExec, err)
	}

	done := make(chan exitResult, 1)
	go func() {
		status := <-statusC
		code, _, err := status.Result()

		// all fifo output copied before the reader sees EOF
		process.IO().Wait()
		pw.Close()

		if _, delErr := process.Delete(context.WithoutCancel(ctx)); delErr != nil {
			c.rt.l.Debug("failed to delete exec process", "exec", execID, "error", delErr)
		}
		done <- exitResult{code: int(code), err: err}
	}()

	wait := func(ctx context.Context) (int, error) {
		select {
		case res := <-done:
			// keep the result for repeated waits
			done <- res
			if res.err != nil {
				return -1, fmt.Errorf("%w: %w", ErrContainerExec, res.err)
			}
			return res.code, nil
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	}

	return NewExec(pr, wait), nil
}

func (c *containerdContainer) Remove(ctx context.Context) error {
	c.mu.Lock()
	ctr, task := c.container, c.task
	c.mu.Unlock()
	if ctr == nil {
		return nil
	}

	ctx = c.rt.withNamespace(ctx)

	if task != nil {
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("%w: deleting task: %w", ErrContainerRemove, err)
		}
	}

	if err := ctr.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("%w: %w", ErrContainerRemove, err)
	}
	c.rt.l.Info("removed container", "container", c.name)

	return nil
}
