package channel

// State is the connection lifecycle state. Shutdown is terminal; no
// transition leaves it.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateFailed
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateFailed:
		return "failed"
	case StateShutdown:
		return "shutdown"
	default:
		return "invalid"
	}
}
