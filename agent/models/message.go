package models

// Completion tells a receiver whether a message is more output or the
// end of the action.
type Completion int32

const (
	CompletionUnspecified Completion = iota
	CompletionCompleted
	CompletionRunning
	CompletionFailed
)

func (c Completion) String() string {
	switch c {
	case CompletionCompleted:
		return "completed"
	case CompletionRunning:
		return "running"
	case CompletionFailed:
		return "failed"
	default:
		return "unspecified"
	}
}

// IsTerminal reports whether no further messages follow for the action.
func (c Completion) IsTerminal() bool {
	return c == CompletionCompleted || c == CompletionFailed
}

type Result struct {
	Completion Completion `json:"completion" cbor:"1,keyasint"`
	ExitCode   *int32     `json:"exit_code,omitempty" cbor:"2,keyasint,omitempty"`
}

// Message is one unit of action output.
type Message struct {
	ActionID uint32 `json:"action_id" cbor:"1,keyasint"`
	Log      string `json:"log" cbor:"2,keyasint"`
	Result   Result `json:"result" cbor:"3,keyasint"`
}

// Sink receives the messages an action produces. Send must not block.
type Sink interface {
	Send(Message) error
}

// Discard is a Sink that drops every message.
var Discard Sink = discard{}

type discard struct{}

func (discard) Send(Message) error { return nil }

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Message) error

func (f SinkFunc) Send(m Message) error { return f(m) }
