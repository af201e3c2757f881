package session

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is the outcome of a session that reached no terminal state
	// within the configured timeout.
	ErrTimeout = errors.New("timed out waiting for the serial port")
	// ErrReleased is returned when using a handle after its transport was torn down.
	ErrReleased = errors.New("session handle released")
	// ErrClosed is the outcome of a session closed before it resolved.
	ErrClosed = errors.New("session closed")
	// ErrNoPort is returned by port scoped commands when no port is configured.
	ErrNoPort = errors.New("no serial port configured")
)

// TransportError reports a connection to the server that could not be
// established or was disrupted.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("error connecting to CNCjs instance at %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// SerialPortError reports a serial port the server failed to open.
type SerialPortError struct {
	Port   string
	Reason string
}

func (e *SerialPortError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("error opening serial port %q: %s", e.Port, e.Reason)
	}
	return fmt.Sprintf("error opening serial port %q", e.Port)
}
