package session

import "fmt"

// State is a lifecycle state of a [Session].
//
//	Idle → Connecting → Open → Closing → Closed
//	                 ↘       ↘        ↘
//	                   Error (terminal)
type State int

const (
	Idle State = iota
	Connecting
	Open
	Closing
	Closed
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == Closed || s == Error
}

// MarshalText renders the state name, so snapshots serialise readably.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a name produced by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	for st := Idle; st <= Error; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("session: unknown state %q", b)
}
