package session

import (
	"sync"
)

// PortInfo is one entry of the server's serial port list.
type PortInfo struct {
	Port         string `json:"port"`
	Manufacturer string `json:"manufacturer"`
	InUse        bool   `json:"inuse"`
}

// Handle is the caller's view of a live session transport. It stays usable
// until the transport fails or Close is called; afterwards every command
// returns ErrReleased.
type Handle struct {
	id        string
	port      string
	transport Transport

	mu       sync.Mutex
	released bool
	baudRate int
	ports    []PortInfo

	listed     chan struct{}
	listedOnce sync.Once
}

func newHandle(id, port string, baudRate int, t Transport) *Handle {
	return &Handle{
		id:        id,
		port:      port,
		baudRate:  baudRate,
		transport: t,
		listed:    make(chan struct{}),
	}
}

// ID returns the session id.
func (h *Handle) ID() string {
	return h.id
}

// Port returns the configured serial port, which may be empty.
func (h *Handle) Port() string {
	return h.port
}

// BaudRate returns the baud rate reported by the server on open, or the
// requested one before that.
func (h *Handle) BaudRate() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.baudRate
}

// Ports returns the last port list reported by the server.
func (h *Handle) Ports() []PortInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]PortInfo(nil), h.ports...)
}

// PortsListed is closed once the server has sent its port list. With both a
// list and a port requested the session may resolve on the open first.
func (h *Handle) PortsListed() <-chan struct{} {
	return h.listed
}

// Live reports whether the handle can still be used.
func (h *Handle) Live() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.released
}

// Emit sends a raw event to the server.
func (h *Handle) Emit(event string, args ...any) error {
	if !h.Live() {
		return ErrReleased
	}
	return h.transport.Emit(event, args...)
}

// Write sends data to the configured serial port.
func (h *Handle) Write(data string) error {
	if h.port == "" {
		return ErrNoPort
	}
	return h.Emit("write", h.port, data)
}

// Command sends a controller command such as "gcode" or "feedhold" to the
// configured serial port.
func (h *Handle) Command(cmd string, args ...any) error {
	if h.port == "" {
		return ErrNoPort
	}
	return h.Emit("command", append([]any{h.port, cmd}, args...)...)
}

// Close releases the handle and closes the transport.
func (h *Handle) Close() error {
	if !h.release() {
		return nil
	}
	return h.transport.Close()
}

// release marks the handle unusable. It reports whether this call did it.
func (h *Handle) release() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return false
	}
	h.released = true
	return true
}

func (h *Handle) setPorts(ports []PortInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ports = ports
	h.listedOnce.Do(func() { close(h.listed) })
}

func (h *Handle) setBaudRate(rate int) {
	if rate <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.baudRate = rate
}
