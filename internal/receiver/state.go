package receiver

import (
	"fmt"
)

// State is the lifecycle state of an Endpoint.
//
//	idle     -> starting
//	failed   -> starting | idle
//	starting -> running | failed
//	running  -> stopping
//	stopping -> idle
//
// The socket exists exactly while the state is starting, running or stopping.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
	StateFailed
)

var stateNames = [...]string{
	StateIdle:     "idle",
	StateStarting: "starting",
	StateRunning:  "running",
	StateStopping: "stopping",
	StateFailed:   "failed",
}

var transitions = map[State][]State{
	StateIdle:     {StateStarting},
	StateFailed:   {StateStarting, StateIdle},
	StateStarting: {StateRunning, StateFailed},
	StateRunning:  {StateStopping},
	StateStopping: {StateIdle},
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int32(s))
	}
	return stateNames[s]
}

// MarshalText renders the state name in JSON and YAML output
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CanTransition reports whether moving from s to next is allowed
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// HasSocket reports whether a socket exists in this state
func (s State) HasSocket() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}
