package session

import "fmt"

// State is the lifecycle state of a session.
type State string

const (
	StateIdle         State = "idle"
	StateActive       State = "active"
	StateExecuting    State = "executing"
	StateTransferring State = "transferring"
	StateSuspended    State = "suspended"
	StateTerminated   State = "terminated"
	StateError        State = "error"
)

// Status is a State plus its payload: the command for executing, the
// operation for transferring and the reason for error.
type Status struct {
	State  State  `json:"state"`
	Detail string `json:"detail,omitempty"`
}

// String renders the status as state(detail).
func (s Status) String() string {
	if s.Detail == "" {
		return string(s.State)
	}
	return fmt.Sprintf("%s(%s)", s.State, s.Detail)
}

// canOperate reports whether execute and transfer may start. The error
// state is advisory and does not block the next operation.
func (s Status) canOperate() bool {
	switch s.State {
	case StateIdle, StateActive, StateError:
		return true
	}
	return false
}
