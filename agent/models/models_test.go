package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/agent/container/containertest"
)

type recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recorder) Send(m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return nil
}

func (r *recorder) messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

func (r *recorder) logs(c Completion) []string {
	var out []string
	for _, m := range r.messages() {
		if m.Result.Completion == c {
			out = append(out, m.Log)
		}
	}
	return out
}

type stateRecorder struct {
	mu     sync.Mutex
	events []StateEvent
}

func (s *stateRecorder) Send(ev *StateEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *ev)
	return nil
}

func (s *stateRecorder) states() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []State
	for _, ev := range s.events {
		out = append(out, ev.State)
	}
	return out
}

func newTestAction(t *testing.T, script containertest.Script, commands ...string) (*Action, *containertest.Container, *recorder, *stateRecorder) {
	t.Helper()
	rt := containertest.NewRuntime(script)
	c := rt.NewContainer("alpine", "action-7").(*containertest.Container)
	require.NoError(t, c.Create(context.Background()))

	sink := &recorder{}
	states := &stateRecorder{}
	a := NewAction(7, c, commands, sink, "https://example.com/repo.git", ActionOptions{States: states})
	return a, c, sink, states
}

func TestActionAllStepsSucceed(t *testing.T) {
	script := func(command, dir string) containertest.Result {
		return containertest.Result{Output: []string{"out: " + command}}
	}
	a, c, sink, states := newTestAction(t, script, "make", "make test")

	require.NoError(t, a.Execute(context.Background()))

	assert.Equal(t, StateCompleted, a.State())
	code, ok := a.ExitCode()
	assert.True(t, ok)
	assert.Equal(t, 0, code)
	assert.Equal(t, 1, c.Removed())
	assert.Equal(t, []State{StateInProgress, StateCompleted}, states.states())

	msgs := sink.messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"out: make", "out: make test"}, sink.logs(CompletionRunning))
	assert.Empty(t, sink.logs(CompletionFailed))

	last := msgs[len(msgs)-1]
	assert.Equal(t, CompletionCompleted, last.Result.Completion)
	require.NotNil(t, last.Result.ExitCode)
	assert.Equal(t, int32(0), *last.Result.ExitCode)
	assert.Equal(t, uint32(7), last.ActionID)

	for _, e := range c.Execs() {
		assert.Equal(t, "/7", e.WorkingDir)
	}
}

func TestActionStepFailure(t *testing.T) {
	const steps = 4
	for k := 1; k <= steps; k++ {
		t.Run(fmt.Sprintf("step %d fails", k), func(t *testing.T) {
			commands := make([]string, steps)
			for i := range commands {
				commands[i] = fmt.Sprintf("step-%d", i+1)
			}
			failing := commands[k-1]
			script := func(command, dir string) containertest.Result {
				if command == failing {
					return containertest.Result{Output: []string{"boom"}, ExitCode: 40 + k}
				}
				return containertest.Result{}
			}
			a, c, sink, states := newTestAction(t, script, commands...)

			err := a.Execute(context.Background())

			var stepErr *StepOutputError
			require.ErrorAs(t, err, &stepErr)
			assert.Equal(t, 40+k, stepErr.ExitCode)
			assert.True(t, IsStepFailure(err))

			assert.Len(t, c.Execs(), k)
			assert.Equal(t, 1, c.Removed())
			assert.Equal(t, StateFailed, a.State())
			assert.Equal(t, []State{StateInProgress, StateFailed}, states.states())

			msgs := sink.messages()
			last := msgs[len(msgs)-1]
			assert.Equal(t, CompletionFailed, last.Result.Completion)
			require.NotNil(t, last.Result.ExitCode)
			assert.Equal(t, int32(40+k), *last.Result.ExitCode)
			assert.Empty(t, sink.logs(CompletionCompleted))

			code, ok := a.ExitCode()
			assert.True(t, ok)
			assert.Equal(t, 40+k, code)
		})
	}
}

func TestActionExecError(t *testing.T) {
	backend := errors.New("engine went away")
	script := func(command, dir string) containertest.Result {
		return containertest.Result{ExecErr: backend}
	}
	a, c, sink, _ := newTestAction(t, script, "make")

	err := a.Execute(context.Background())
	assert.ErrorIs(t, err, ErrExec)
	assert.ErrorIs(t, err, backend)
	assert.False(t, IsStepFailure(err))

	assert.Equal(t, StateFailed, a.State())
	assert.Equal(t, 1, c.Removed())
	_, ok := a.ExitCode()
	assert.False(t, ok)

	msgs := sink.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, CompletionFailed, msgs[0].Result.Completion)
	assert.Nil(t, msgs[0].Result.ExitCode)
}

func TestActionCancel(t *testing.T) {
	a, c, sink, states := newTestAction(t, containertest.Succeed, "make", "make test")

	a.Cancel()
	err := a.Execute(context.Background())

	assert.ErrorIs(t, err, ErrCancelled)
	assert.Empty(t, c.Execs())
	assert.Equal(t, 1, c.Removed())
	assert.Equal(t, StateFailed, a.State())
	assert.Equal(t, []State{StateInProgress, StateFailed}, states.states())

	msgs := sink.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, CompletionFailed, msgs[0].Result.Completion)
}

func TestActionCleanupOnce(t *testing.T) {
	a, c, _, _ := newTestAction(t, containertest.Succeed, "true")

	require.NoError(t, a.Execute(context.Background()))
	require.NoError(t, a.Cleanup(context.Background()))
	require.NoError(t, a.Cleanup(context.Background()))

	assert.Equal(t, 1, c.Removed())
}

func TestActionStateIsTerminal(t *testing.T) {
	a, _, _, states := newTestAction(t, containertest.Succeed, "true")

	require.NoError(t, a.Execute(context.Background()))
	a.finish(StateFailed, nil)

	assert.Equal(t, StateCompleted, a.State())
	assert.Equal(t, []State{StateInProgress, StateCompleted}, states.states())
}

func TestSetupRepository(t *testing.T) {
	tests := []struct {
		name      string
		result    containertest.Result
		wantErr   error
		wantCode  int
		wantLines []string
	}{
		{
			name:      "clone succeeds",
			result:    containertest.Result{Output: []string{"Cloning into '/7'..."}},
			wantLines: []string{"Cloning into '/7'..."},
		},
		{
			name:      "clone exits nonzero",
			result:    containertest.Result{Output: []string{"fatal: repository not found"}, ExitCode: 128},
			wantCode:  128,
			wantLines: []string{"fatal: repository not found"},
		},
		{
			name:    "exec fails",
			result:  containertest.Result{ExecErr: errors.New("no such container")},
			wantErr: ErrExec,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			script := func(command, dir string) containertest.Result { return tt.result }
			a, c, sink, _ := newTestAction(t, script, "make")

			err := a.SetupRepository(context.Background())
			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.wantCode != 0:
				var stepErr *StepOutputError
				require.ErrorAs(t, err, &stepErr)
				assert.Equal(t, tt.wantCode, stepErr.ExitCode)
			default:
				require.NoError(t, err)
			}

			execs := c.Execs()
			require.Len(t, execs, 1)
			assert.Equal(t, "/", execs[0].WorkingDir)
			assert.Equal(t, "git clone --depth 1 'https://example.com/repo.git' /7", execs[0].Command)
			assert.Equal(t, tt.wantLines, sink.logs(CompletionRunning))
			assert.Equal(t, StateInProgress, a.State())
		})
	}
}

func TestOutputPipeOrdering(t *testing.T) {
	sink := &recorder{}
	p := NewOutputPipe(3, sink, nil)

	for i := range 100 {
		p.OutputLog(fmt.Sprintf("line %d", i), CompletionRunning, nil)
	}
	p.OutputLog("done", CompletionCompleted, nil)
	p.OutputLog("late", CompletionRunning, nil)

	msgs := sink.messages()
	require.Len(t, msgs, 101)
	for i := range 100 {
		assert.Equal(t, fmt.Sprintf("line %d", i), msgs[i].Log)
	}
	assert.Equal(t, CompletionCompleted, msgs[100].Result.Completion)
}

func TestOutputPipeSwallowsSendErrors(t *testing.T) {
	p := NewOutputPipe(1, SinkFunc(func(Message) error {
		return errors.New("receiver gone")
	}), nil)

	assert.NotPanics(t, func() {
		p.OutputLog("hi", CompletionRunning, nil)
	})
}

func TestStateJSON(t *testing.T) {
	for _, s := range []State{StateInProgress, StateCompleted, StateFailed} {
		b, err := json.Marshal(s)
		require.NoError(t, err)
		assert.Equal(t, `"`+s.String()+`"`, string(b))

		var got State
		require.NoError(t, json.Unmarshal(b, &got))
		assert.Equal(t, s, got)
	}

	var s State
	assert.Error(t, json.Unmarshal([]byte(`"Paused"`), &s))
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
	assert.Equal(t, "'a b'", shellQuote("a b"))
}
