package models

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tangled.sh/tangled.sh/agent/container"
)

// StateSender receives the state transitions of actions.
type StateSender interface {
	Send(*StateEvent) error
}

// StepReport describes one finished step.
type StepReport struct {
	ActionID uint32
	Index    int
	ExitCode int
	Err      error
	Duration time.Duration
}

type ActionOptions struct {
	States StateSender
	Logger *slog.Logger
	// OnStep is called after every user step, successful or not.
	OnStep func(StepReport)
}

// Action is a sequence of shell commands run in order inside one
// container, against a checkout of a repository.
type Action struct {
	id        uint32
	repoURL   string
	container container.Container
	steps     []Step
	pipe      *OutputPipe
	states    StateSender
	onStep    func(StepReport)
	l         *slog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu       sync.Mutex
	state    State
	exitCode *int

	cleanupOnce sync.Once
	cleanupErr  error
}

func NewAction(id uint32, c container.Container, commands []string, sink Sink, repoURL string, opts ActionOptions) *Action {
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	l = l.With("action", id)

	workspace := Workspace(id)
	steps := make([]Step, 0, len(commands))
	for _, cmd := range commands {
		steps = append(steps, NewStep(c, cmd, workspace))
	}

	ctx, cancel := context.WithCancelCause(context.Background())

	return &Action{
		id:        id,
		repoURL:   repoURL,
		container: c,
		steps:     steps,
		pipe:      NewOutputPipe(id, sink, l),
		states:    opts.States,
		onStep:    opts.OnStep,
		l:         l,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Workspace is the directory an action's repository is cloned into.
func Workspace(id uint32) string {
	return fmt.Sprintf("/%d", id)
}

func (a *Action) ID() uint32                     { return a.id }
func (a *Action) RepositoryURL() string          { return a.repoURL }
func (a *Action) Image() string                  { return a.container.Image() }
func (a *Action) Container() container.Container { return a.container }
func (a *Action) Steps() []Step                  { return a.steps }

func (a *Action) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// ExitCode returns the exit code the action finished with, if any.
func (a *Action) ExitCode() (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.exitCode == nil {
		return 0, false
	}
	return *a.exitCode, true
}

// SetupRepository clones the repository into the action's workspace. The
// clone output is forwarded as running output.
func (a *Action) SetupRepository(ctx context.Context) error {
	workspace := Workspace(a.id)
	clone := NewStep(a.container, fmt.Sprintf("git clone --depth 1 %s %s", shellQuote(a.repoURL), workspace), "/")

	a.l.Info("cloning repository", "repo", a.repoURL, "workspace", workspace)
	code, err := a.runStep(ctx, clone)
	if err != nil {
		return fmt.Errorf("%w: cloning repository: %w", ErrExec, err)
	}
	if code != 0 {
		return &StepOutputError{ExitCode: code}
	}
	return nil
}

// Execute runs every step in order and ends the action in Completed or
// Failed. The first step that exits nonzero fails the action, and the
// container is removed on every path.
func (a *Action) Execute(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(a.ctx, func() { cancel(context.Cause(a.ctx)) })
	defer stop()
	if cause := context.Cause(a.ctx); cause != nil {
		cancel(cause)
	}

	a.l.Info("executing action", "steps", len(a.steps))
	a.publish(StateInProgress)

	for i, step := range a.steps {
		if ctx.Err() != nil {
			return a.abort(ctx, fmt.Errorf("%w: before step %d", context.Cause(ctx), i+1))
		}

		start := time.Now()
		code, err := a.runStep(ctx, step)
		if err != nil && ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", context.Cause(ctx), err)
		}
		if a.onStep != nil {
			a.onStep(StepReport{ActionID: a.id, Index: i, ExitCode: code, Err: err, Duration: time.Since(start)})
		}

		if err != nil {
			return a.abort(ctx, fmt.Errorf("%w: step %d: %w", ErrExec, i+1, err))
		}

		if code != 0 {
			a.l.Warn("step failed", "step", i+1, "exit_code", code)
			exitCode := int32(code)
			a.pipe.OutputLog(fmt.Sprintf("step %d exited with code %d", i+1, code), CompletionFailed, &exitCode)
			a.cleanupAfter(ctx)
			a.finish(StateFailed, &code)
			return &StepOutputError{ExitCode: code}
		}
	}

	a.cleanupAfter(ctx)
	zero := int32(0)
	a.pipe.OutputLog("", CompletionCompleted, &zero)
	code := 0
	a.finish(StateCompleted, &code)
	a.l.Info("action completed")

	return nil
}

// abort fails the action without an exit code.
func (a *Action) abort(ctx context.Context, err error) error {
	a.l.Error("action failed", "error", err)
	a.pipe.OutputLog(err.Error(), CompletionFailed, nil)
	a.cleanupAfter(ctx)
	a.finish(StateFailed, nil)
	return err
}

// runStep starts a step, forwards its output as it is produced and
// returns its exit code once all of the output has been forwarded.
func (a *Action) runStep(ctx context.Context, step Step) (int, error) {
	exec, err := step.Execute(ctx)
	if err != nil {
		return -1, err
	}

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for line, err := range exec.Lines() {
			if err != nil {
				a.l.Warn("reading step output", "command", step.Command(), "error", err)
				return
			}
			a.pipe.OutputLog(line, CompletionRunning, nil)
		}
	}()

	code, err := exec.Wait(ctx)
	if err != nil {
		return -1, err
	}

	select {
	case <-drained:
	case <-ctx.Done():
		return -1, ctx.Err()
	}

	return code, nil
}

// Cleanup removes the action's container. Only the first call does any
// work; later calls return the first call's result.
func (a *Action) Cleanup(ctx context.Context) error {
	a.cleanupOnce.Do(func() {
		a.cleanupErr = a.container.Remove(ctx)
	})
	return a.cleanupErr
}

func (a *Action) cleanupAfter(ctx context.Context) {
	if err := a.Cleanup(context.WithoutCancel(ctx)); err != nil {
		a.l.Error("failed to clean up action", "error", err)
	}
}

// Cancel stops a running Execute. The action ends Failed.
func (a *Action) Cancel() {
	a.cancel(ErrCancelled)
}

func (a *Action) finish(state State, exitCode *int) {
	a.mu.Lock()
	if a.state.IsTerminal() {
		a.mu.Unlock()
		return
	}
	a.state = state
	a.exitCode = exitCode
	a.mu.Unlock()

	a.publish(state)
}

func (a *Action) publish(state State) {
	if a.states == nil {
		return
	}
	err := a.states.Send(&StateEvent{
		ActionID:  a.id,
		State:     state,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		a.l.Warn("failed to publish state", "state", state, "error", err)
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// IsStepFailure reports whether err is a step that exited nonzero, as
// opposed to a failure of the container backend.
func IsStepFailure(err error) bool {
	var stepErr *StepOutputError
	return errors.As(err, &stepErr)
}
