package protocol

// State is the lifecycle position of a protocol session.
type State int

const (
	StateUninitialized State = iota
	StateHandshaking
	StateReady
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further requests can ever succeed in this state.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}
