package container

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDocker implements the handful of engine calls the runtime uses;
// anything else panics through the nil embedded interface.
type fakeDocker struct {
	client.APIClient

	mu        sync.Mutex
	images    []image.Summary
	pulled    []string
	created   []*container.Config
	names     []string
	started   []string
	removed   []string
	removeErr error
	execCmds  [][]string
	output    []byte
	exitCode  int
	detached  bool
	// attach serves this instead of output when set
	attach io.Reader
	// inspects are answered in order, the last one repeatedly; without
	// any the exec has exited with exitCode
	inspects []container.ExecInspect
	inspected int
}

func (f *fakeDocker) ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error) {
	return f.images, nil
}

func (f *fakeDocker) ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	f.pulled = append(f.pulled, ref)
	f.mu.Unlock()
	return io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, config)
	f.names = append(f.names, containerName)
	return container.CreateResponse{ID: "c0ffee"}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, containerID)
	return nil
}

func (f *fakeDocker) ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execCmds = append(f.execCmds, options.Cmd)
	return container.ExecCreateResponse{ID: "exec-1"}, nil
}

func (f *fakeDocker) ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error) {
	server, conn := net.Pipe()
	server.Close()
	if f.detached {
		return types.HijackedResponse{Conn: conn}, nil
	}
	var r io.Reader = bytes.NewReader(f.output)
	if f.attach != nil {
		r = f.attach
	}
	return types.HijackedResponse{Conn: conn, Reader: bufio.NewReader(r)}, nil
}

func (f *fakeDocker) ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inspected++
	if len(f.inspects) > 0 {
		info := f.inspects[0]
		if len(f.inspects) > 1 {
			f.inspects = f.inspects[1:]
		}
		info.ExecID = execID
		return info, nil
	}
	return container.ExecInspect{ExecID: execID, Running: false, Pid: 4242, ExitCode: f.exitCode}, nil
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, containerID)
	return f.removeErr
}

func (f *fakeDocker) Close() error { return nil }

func multiplexed(t *testing.T, stdout, stderr string) []byte {
	t.Helper()
	var buf bytes.Buffer
	_, err := stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(stdout))
	require.NoError(t, err)
	_, err = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(stderr))
	require.NoError(t, err)
	return buf.Bytes()
}

func TestDockerContainerLifecycle(t *testing.T) {
	ctx := context.Background()
	fake := &fakeDocker{
		output:   multiplexed(t, "hi\n", "warning: shallow\n"),
		exitCode: 0,
	}
	rt := newDockerRuntime(ctx, fake)

	c := rt.NewContainer("alpine", "action-7-abc")
	assert.Equal(t, "action-7-abc", c.ID())

	require.NoError(t, c.Create(ctx))
	assert.Equal(t, []string{"alpine"}, fake.pulled)
	assert.Equal(t, []string{"action-7-abc"}, fake.names)
	assert.Equal(t, []string{"c0ffee"}, fake.started)
	assert.Equal(t, "c0ffee", c.ID())
	assert.ErrorIs(t, c.Create(ctx), ErrAlreadyCreated)

	exec, err := c.Exec(ctx, "echo hi", "/7")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"sh", "-c", "echo hi"}}, fake.execCmds)

	lines, err := collect(exec)
	require.NoError(t, err)
	assert.Equal(t, []string{"hi", "warning: shallow"}, lines)

	code, err := exec.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	require.NoError(t, c.Remove(ctx))
	assert.Equal(t, []string{"c0ffee"}, fake.removed)
}

func TestDockerSkipsPullForLocalImage(t *testing.T) {
	ctx := context.Background()
	fake := &fakeDocker{images: []image.Summary{{ID: "sha256:1"}}}
	rt := newDockerRuntime(ctx, fake)

	require.NoError(t, rt.NewContainer("alpine", "n").Create(ctx))
	assert.Empty(t, fake.pulled)
}

func TestDockerExecBeforeCreate(t *testing.T) {
	rt := newDockerRuntime(context.Background(), &fakeDocker{})
	_, err := rt.NewContainer("alpine", "n").Exec(context.Background(), "true", "")
	assert.ErrorIs(t, err, ErrContainerExec)
	assert.ErrorIs(t, err, ErrNotCreated)
}

func TestDockerExecDetached(t *testing.T) {
	ctx := context.Background()
	fake := &fakeDocker{detached: true}
	c := newDockerRuntime(ctx, fake).NewContainer("alpine", "n")
	require.NoError(t, c.Create(ctx))

	_, err := c.Exec(ctx, "true", "")
	assert.ErrorIs(t, err, ErrContainerExecDetached)
}

func TestDockerRemove(t *testing.T) {
	tests := []struct {
		name      string
		removeErr error
		wantErr   bool
	}{
		{name: "removed", removeErr: nil},
		{name: "already gone", removeErr: errors.New("Error: No such container: c0ffee")},
		{name: "engine failure", removeErr: errors.New("driver failed"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			fake := &fakeDocker{removeErr: tt.removeErr}
			c := newDockerRuntime(ctx, fake).NewContainer("alpine", "n")
			require.NoError(t, c.Create(ctx))

			err := c.Remove(ctx)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrContainerRemove)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestDockerRemoveNeverCreated(t *testing.T) {
	fake := &fakeDocker{}
	c := newDockerRuntime(context.Background(), fake).NewContainer("alpine", "n")
	assert.NoError(t, c.Remove(context.Background()))
	assert.Empty(t, fake.removed)
}

func TestDockerWaitIgnoresExecNotYetStarted(t *testing.T) {
	ctx := context.Background()
	// output stays open until the test is done
	pr, pw := io.Pipe()
	t.Cleanup(func() { pw.Close() })

	fake := &fakeDocker{
		attach: pr,
		inspects: []container.ExecInspect{
			{Running: false, Pid: 0},
			{Running: true, Pid: 42},
			{Running: false, Pid: 42, ExitCode: 1},
		},
	}
	rt := newDockerRuntime(ctx, fake)
	rt.pollInterval = time.Millisecond

	c := rt.NewContainer("alpine", "n")
	require.NoError(t, c.Create(ctx))

	exec, err := c.Exec(ctx, "false", "/7")
	require.NoError(t, err)

	code, err := exec.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, code)
	assert.Equal(t, 3, fake.inspected)
}

func TestDockerWaitExecThatNeverStarted(t *testing.T) {
	ctx := context.Background()
	// the engine could not start the exec: no pid, no output
	fake := &fakeDocker{
		inspects: []container.ExecInspect{
			{Running: false, Pid: 0, ExitCode: 126},
		},
	}
	rt := newDockerRuntime(ctx, fake)
	rt.pollInterval = time.Millisecond

	c := rt.NewContainer("alpine", "n")
	require.NoError(t, c.Create(ctx))

	exec, err := c.Exec(ctx, "nope", "")
	require.NoError(t, err)
	_, err = collect(exec)
	require.NoError(t, err)

	code, err := exec.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 126, code)
}
