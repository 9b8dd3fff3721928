package models

import (
	"context"

	"tangled.sh/tangled.sh/agent/container"
)

// Step is one shell command run in an action's container.
type Step struct {
	command   string
	executeIn string
	container container.Container
}

func NewStep(c container.Container, command, executeIn string) Step {
	return Step{command: command, executeIn: executeIn, container: c}
}

func (s Step) Command() string   { return s.command }
func (s Step) ExecuteIn() string { return s.executeIn }

func (s Step) Execute(ctx context.Context) (*container.Exec, error) {
	return s.container.Exec(ctx, s.command, s.executeIn)
}
