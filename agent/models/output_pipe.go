package models

import (
	"log/slog"
	"sync"
)

// OutputPipe funnels every message an action emits, step output and the
// terminal result alike, into a single Sink. Once a terminal message has
// gone through, later messages are dropped.
type OutputPipe struct {
	actionID uint32
	sink     Sink
	l        *slog.Logger

	mu       sync.Mutex
	finished bool
}

func NewOutputPipe(actionID uint32, sink Sink, l *slog.Logger) *OutputPipe {
	if sink == nil {
		sink = Discard
	}
	if l == nil {
		l = slog.Default()
	}
	return &OutputPipe{actionID: actionID, sink: sink, l: l}
}

// OutputLog pushes one message without blocking. A receiver that has gone
// away is not an error for the action.
func (p *OutputPipe) OutputLog(log string, completion Completion, exitCode *int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	if completion.IsTerminal() {
		p.finished = true
	}

	err := p.sink.Send(Message{
		ActionID: p.actionID,
		Log:      log,
		Result: Result{
			Completion: completion,
			ExitCode:   exitCode,
		},
	})
	if err != nil {
		p.l.Debug("dropped action output", "action", p.actionID, "error", err)
	}
}
