// Package containertest provides an in-memory container runtime for tests.
package containertest

import (
	"context"
	"io"
	"strings"
	"sync"

	"tangled.sh/tangled.sh/agent/container"
)

// Result is what a scripted command produces.
type Result struct {
	Output   []string
	ExitCode int
	// ExecErr fails the Exec call itself, as if the backend refused it.
	ExecErr error
}

// Script decides the outcome of each command run in a fake container.
type Script func(command, workingDir string) Result

// Succeed runs every command with exit code 0 and no output.
func Succeed(string, string) Result {
	return Result{}
}

type Runtime struct {
	Script    Script
	CreateErr error
	RemoveErr error

	mu         sync.Mutex
	containers []*Container
	closed     bool
}

func NewRuntime(script Script) *Runtime {
	if script == nil {
		script = Succeed
	}
	return &Runtime{Script: script}
}

func (r *Runtime) NewContainer(image, name string) container.Container {
	c := &Container{rt: r, image: image, name: name}
	r.mu.Lock()
	r.containers = append(r.containers, c)
	r.mu.Unlock()
	return c
}

func (r *Runtime) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

// Containers returns every container handed out so far.
func (r *Runtime) Containers() []*Container {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Container(nil), r.containers...)
}

// Exec records one command run in a fake container.
type Exec struct {
	Command    string
	WorkingDir string
}

type Container struct {
	rt    *Runtime
	image string
	name  string

	mu      sync.Mutex
	created int
	removed int
	execs   []Exec
}

func (c *Container) ID() string    { return c.name }
func (c *Container) Image() string { return c.image }

func (c *Container) Create(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.created > 0 {
		return container.ErrAlreadyCreated
	}
	c.created++
	if c.rt.CreateErr != nil {
		return c.rt.CreateErr
	}
	return nil
}

func (c *Container) Exec(ctx context.Context, command, workingDir string) (*container.Exec, error) {
	c.mu.Lock()
	c.execs = append(c.execs, Exec{Command: command, WorkingDir: workingDir})
	c.mu.Unlock()

	res := c.rt.Script(command, workingDir)
	if res.ExecErr != nil {
		return nil, res.ExecErr
	}

	var out string
	if len(res.Output) > 0 {
		out = strings.Join(res.Output, "\n") + "\n"
	}
	wait := func(ctx context.Context) (int, error) {
		return res.ExitCode, nil
	}
	return container.NewExec(io.NopCloser(strings.NewReader(out)), wait), nil
}

func (c *Container) Remove(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed++
	return c.rt.RemoveErr
}

// Removed reports how many times Remove was called.
func (c *Container) Removed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removed
}

// Execs returns the commands run so far, in order.
func (c *Container) Execs() []Exec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Exec(nil), c.execs...)
}
