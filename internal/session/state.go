package session

import "fmt"

type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateListening
	StatePaused
	StateStopping
	StateFailed
	StateDestroyed
)

var stateNames = map[State]string{
	StateUninitialized: "uninitialized",
	StateInitializing:  "initializing",
	StateReady:         "ready",
	StateListening:     "listening",
	StatePaused:        "paused",
	StateStopping:      "stopping",
	StateFailed:        "failed",
	StateDestroyed:     "destroyed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	parsed, ok := ParseState(string(b))
	if !ok {
		return fmt.Errorf("unknown session state %q", b)
	}
	*s = parsed
	return nil
}

// ParseState is the inverse of State.String.
func ParseState(name string) (State, bool) {
	for s, n := range stateNames {
		if n == name {
			return s, true
		}
	}
	return 0, false
}

// capturing reports whether the engine has a capture open in s.
func (s State) capturing() bool {
	return s == StateListening || s == StatePaused || s == StateStopping
}
