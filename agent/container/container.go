// Package container provisions the execution environments actions run
// in. A Container is created from an image, runs any number of shell
// commands and is removed explicitly by its owner; nothing is garbage
// collected behind the caller's back.
package container

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrContainerStart        = errors.New("could not start container")
	ErrContainerExec         = errors.New("could not exec in container")
	ErrContainerExecDetached = errors.New("exec is detached from its output")
	ErrContainerRemove       = errors.New("could not remove container")
	ErrAlreadyCreated        = errors.New("container already created")
	ErrNotCreated            = errors.New("container not created")
)

// Container is a single named execution environment backed by a runtime.
type Container interface {
	// ID is the runtime identifier once created, the local name before.
	ID() string
	Image() string

	// Create materialises the container; it may be called at most once.
	Create(ctx context.Context) error

	// Exec starts `sh -c command` inside the container, optionally in
	// workingDir.
	Exec(ctx context.Context, command, workingDir string) (*Exec, error)

	// Remove deletes the container. Removing a container that is already
	// gone is not an error.
	Remove(ctx context.Context) error
}

// Runtime hands out containers for a particular backend.
type Runtime interface {
	NewContainer(image, name string) Container
	Close() error
}

// keeps the container alive between execs
var idleCommand = []string{"tail", "-f", "/dev/null"}

// Name returns a runtime-safe container name for an action.
func Name(actionID uint32) string {
	return fmt.Sprintf("action-%d-%s", actionID, strings.SplitN(uuid.NewString(), "-", 2)[0])
}

func shellCommand(command string) []string {
	return []string{"sh", "-c", command}
}
