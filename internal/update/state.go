package update

import (
	"errors"
	"fmt"
)

// State is the position of the newest generation in its install/activate cycle.
type State int

const (
	NoUpdate State = iota
	Installing
	Waiting
	Activating
	Activated
)

var stateNames = [...]string{"no-update", "installing", "waiting", "activating", "activated"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// MarshalText renders the state by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown update state %q", b)
}

// Control message types sent to a generation.
const (
	SkipWaiting  = "SKIP_WAITING"
	ClientsClaim = "CLIENTS_CLAIM"
)

// ControlMessage instructs a generation to take control.
type ControlMessage struct {
	Type string `json:"type"`
}

var (
	// ErrNotWaiting is returned by Activate when no installed update is waiting.
	ErrNotWaiting = errors.New("no update is waiting")

	// ErrNoController is returned by Claim before any generation is in control.
	ErrNoController = errors.New("no generation in control")
)

// Status is a point-in-time view of the lifecycle.
type Status struct {
	State      State  `json:"state"`
	Current    string `json:"current,omitempty"`
	Waiting    string `json:"waiting,omitempty"`
	Installing string `json:"installing,omitempty"`
	Activating string `json:"activating,omitempty"`
}
