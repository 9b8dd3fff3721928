package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is the lifecycle position of an action. The zero value is
// InProgress; Completed and Failed are terminal.
type State int

const (
	StateInProgress State = iota
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInProgress:
		return "InProgress"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

func ParseState(s string) (State, error) {
	switch s {
	case "InProgress":
		return StateInProgress, nil
	case "Completed":
		return StateCompleted, nil
	case "Failed":
		return StateFailed, nil
	default:
		return 0, fmt.Errorf("unknown state %q", s)
	}
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	parsed, err := ParseState(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// StateEvent announces that an action entered a state.
type StateEvent struct {
	ActionID  uint32    `json:"action_id"`
	State     State     `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}
