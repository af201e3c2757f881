package session

// State is the lifecycle position of a pendant session.
type State uint32

const (
	// StateConnecting waits for the transport connect event.
	StateConnecting State = iota
	// StateConnected has a live transport and no outstanding command.
	StateConnected
	// StateListing waits for the server's port list.
	StateListing
	// StateOpening waits for the server to open the serial port.
	StateOpening
	// StateOpened has an open serial port, or a delivered port list.
	StateOpened
	// StateOpenFailed means the server could not open the serial port.
	StateOpenFailed
	// StateConnectError means the transport failed and was torn down.
	StateConnectError
	// StateClosed means the transport closed cleanly.
	StateClosed
)

// String returns string representation of the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateListing:
		return "listing"
	case StateOpening:
		return "opening"
	case StateOpened:
		return "opened"
	case StateOpenFailed:
		return "open-failed"
	case StateConnectError:
		return "connect-error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
