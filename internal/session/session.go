// Package session attaches a pendant to a CNCjs server and tracks the
// remote serial port through the server's events.
//
// A session resolves exactly once: with a live Handle when the port opens
// (or the port list arrives), or with an error when the port fails to open,
// the transport fails, or the timeout expires. The first outcome wins; later
// ones are logged and dropped.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cncpendant/cncjs-pendant/internal/config"
	"github.com/cncpendant/cncjs-pendant/internal/logger"
	"github.com/cncpendant/cncjs-pendant/internal/socketio"
	"github.com/cncpendant/cncjs-pendant/internal/token"
)

// Server events handled by a session.
const (
	EventSerialPortList  = "serialport:list"
	EventSerialPortOpen  = "serialport:open"
	EventSerialPortError = "serialport:error"
	EventSerialPortRead  = "serialport:read"
	EventSerialPortWrite = "serialport:write"
)

// Transport is the event connection a session drives. *socketio.Client
// implements it.
type Transport interface {
	On(event string, h socketio.Handler)
	OnConnect(h func())
	OnError(h func(error))
	OnClose(h func())
	Connect(ctx context.Context)
	Emit(event string, args ...any) error
	Close() error
}

// Dialer creates the transport for a websocket URL.
type Dialer func(rawURL string, log logger.Logger) Transport

// Callback receives the session outcome. Exactly one argument is non-nil.
type Callback func(err error, h *Handle)

// Direction tells relayed serial data apart.
type Direction int

const (
	// Read is data the server read from the serial port.
	Read Direction = iota
	// Write is data the server wrote to the serial port.
	Write
)

func (d Direction) String() string {
	if d == Write {
		return "write"
	}
	return "read"
}

// DataHandler consumes relayed serial data, trimmed of surrounding whitespace.
type DataHandler func(dir Direction, data string)

// Result is the single outcome of a session.
type Result struct {
	Handle *Handle
	Err    error
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Session) {
		s.log = l
	}
}

// WithDialer replaces the socket.io transport.
func WithDialer(d Dialer) Option {
	return func(s *Session) {
		s.dial = d
	}
}

// WithDataHandler sets the consumer of serialport:read and serialport:write data.
func WithDataHandler(h DataHandler) Option {
	return func(s *Session) {
		s.onData = h
	}
}

// openOptions is the second argument of the open command.
type openOptions struct {
	BaudRate       int    `json:"baudrate"`
	ControllerType string `json:"controllerType"`
}

// portEvent is the payload of serialport:open and serialport:error.
type portEvent struct {
	Port           string          `json:"port"`
	BaudRate       int             `json:"baudrate"`
	ControllerType string          `json:"controllerType"`
	Err            json.RawMessage `json:"err"`
}

// Session owns one authenticated connection to a CNCjs server.
type Session struct {
	id      string
	opts    config.Options
	diagURL string
	log     logger.Logger
	dial    Dialer
	onData  DataHandler

	callback  Callback
	transport Transport
	handle    *Handle

	mu     sync.Mutex
	state  State
	timer  *time.Timer
	closed chan struct{}

	once     sync.Once
	done     chan struct{}
	result   Result
	stopOnce sync.Once
}

// Open mints an access token and starts connecting to the server described
// by opts. It returns once the connection attempt is under way; the outcome
// is delivered through cb (which may be nil) and Wait.
//
// Open fails synchronously only when the token cannot be signed.
func Open(ctx context.Context, opts config.Options, cb Callback, options ...Option) (*Session, error) {
	tok, err := token.Issue(token.PendantIdentity, opts.Secret, opts.AccessTokenLifetime)
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:       uuid.NewString(),
		opts:     opts,
		log:      logger.GetLogger(),
		dial:     dialSocketIO,
		callback: cb,
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
		state:    StateConnecting,
	}
	for _, opt := range options {
		opt(s)
	}
	s.log = s.log.With("session", s.id)
	if s.onData == nil {
		s.onData = s.logData
	}

	s.diagURL = DiagnosticURL(opts.SocketAddress, opts.SocketPort, tok)
	wsURL := socketio.Endpoint(opts.SocketAddress, opts.SocketPort, url.Values{"token": {tok}})

	s.transport = s.dial(wsURL, s.log)
	s.handle = newHandle(s.id, opts.Port, opts.BaudRate, s.transport)

	s.transport.OnConnect(s.handleConnect)
	s.transport.OnError(s.handleTransportError)
	s.transport.OnClose(s.handleClose)
	s.transport.On(EventSerialPortList, s.handleList)
	s.transport.On(EventSerialPortOpen, s.handleOpen)
	s.transport.On(EventSerialPortError, s.handleSerialError)
	s.transport.On(EventSerialPortRead, s.relay(Read))
	s.transport.On(EventSerialPortWrite, s.relay(Write))

	if opts.Timeout > 0 {
		s.mu.Lock()
		s.timer = time.AfterFunc(opts.Timeout, func() {
			s.log.Warn("no response from CNCjs", "timeout", opts.Timeout)
			s.resolve(fmt.Errorf("%w after %s", ErrTimeout, opts.Timeout), nil)
		})
		s.mu.Unlock()
	}

	s.log.Info("connecting to CNCjs", "url", s.RedactedURL(), "port", opts.Port, "list", opts.List)
	s.transport.Connect(ctx)

	return s, nil
}

func dialSocketIO(rawURL string, log logger.Logger) Transport {
	return socketio.New(rawURL, socketio.WithLogger(log))
}

// DiagnosticURL is the human readable server address carrying the token.
func DiagnosticURL(address string, port int, tok string) string {
	return "ws://" + net.JoinHostPort(address, strconv.Itoa(port)) + "?token=" + tok
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// URL returns the diagnostic server URL including the access token.
func (s *Session) URL() string {
	return s.diagURL
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Handle returns the session handle. It is released once the transport fails.
func (s *Session) Handle() *Handle {
	return s.handle
}

// Done is closed when the session has resolved.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Closed is closed when the transport has ended, cleanly or not.
func (s *Session) Closed() <-chan struct{} {
	return s.closed
}

// Wait blocks until the session resolves or ctx is done.
func (s *Session) Wait(ctx context.Context) (*Handle, error) {
	select {
	case <-s.done:
		return s.result.Handle, s.result.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears the session down. An unresolved session resolves with ErrClosed.
func (s *Session) Close() error {
	s.resolve(ErrClosed, nil)
	if !s.handle.release() {
		return nil
	}
	return s.transport.Close()
}

func (s *Session) handleConnect() {
	if !s.transition(StateConnected, StateConnecting) {
		s.log.Debug("ignored repeated connect")
		return
	}
	s.log.Info("connected to CNCjs instance", "url", s.RedactedURL())

	if s.opts.List {
		s.setState(StateListing)
		if err := s.transport.Emit("list"); err != nil {
			s.fail(err)
			return
		}
	}

	if s.opts.Port != "" {
		s.setState(StateOpening)
		err := s.transport.Emit("open", s.opts.Port, openOptions{
			BaudRate:       s.opts.BaudRate,
			ControllerType: s.opts.ControllerType,
		})
		if err != nil {
			s.fail(err)
			return
		}
	}

	if !s.opts.List && s.opts.Port == "" {
		s.log.Info("no serial port or port list requested")
		s.resolve(nil, s.handle)
	}
}

func (s *Session) handleTransportError(err error) {
	s.log.Error("error connecting to CNCjs instance", "url", s.RedactedURL(), "error", err)
	s.fail(err)
}

// fail destroys the transport and resolves with a TransportError.
func (s *Session) fail(err error) {
	s.setState(StateConnectError)
	if s.handle.release() {
		_ = s.transport.Close()
	}
	s.markClosed()
	s.resolve(&TransportError{URL: s.RedactedURL(), Err: err}, nil)
}

func (s *Session) handleClose() {
	s.log.Info("connection closed")
	s.mu.Lock()
	if s.state != StateConnectError {
		s.state = StateClosed
	}
	s.mu.Unlock()
	s.markClosed()
}

func (s *Session) handleList(args []json.RawMessage) {
	if !s.live(EventSerialPortList) {
		return
	}

	var ports []PortInfo
	if len(args) > 0 {
		if err := json.Unmarshal(args[0], &ports); err != nil {
			s.log.Warn("malformed port list", "error", err)
		}
	}
	s.handle.setPorts(ports)

	for _, p := range ports {
		s.log.Info("serial port", "port", p.Port, "manufacturer", p.Manufacturer, "inuse", p.InUse)
	}

	// With a port requested the state follows the open, not the list.
	if !s.transition(StateOpened, StateListing) {
		s.log.Debug("port list received", "state", s.State(), "ports", len(ports))
	}
	s.resolve(nil, s.handle)
}

func (s *Session) handleOpen(args []json.RawMessage) {
	if !s.live(EventSerialPortOpen) {
		return
	}

	ev := decodePortEvent(args)
	s.handle.setBaudRate(ev.BaudRate)
	s.log.Info(fmt.Sprintf("connected to port %q (baud rate: %d)", ev.Port, ev.BaudRate),
		"port", ev.Port, "baudrate", ev.BaudRate)

	s.setState(StateOpened)
	s.resolve(nil, s.handle)
}

func (s *Session) handleSerialError(args []json.RawMessage) {
	if !s.live(EventSerialPortError) {
		return
	}

	ev := decodePortEvent(args)
	err := &SerialPortError{Port: ev.Port, Reason: errorText(ev.Err)}
	s.log.Error("serial port error", "port", ev.Port, "error", err)

	s.setState(StateOpenFailed)
	s.resolve(err, nil)
}

func (s *Session) relay(dir Direction) socketio.Handler {
	event := "serialport:" + dir.String()
	return func(args []json.RawMessage) {
		if !s.live(event) {
			return
		}
		var data string
		if len(args) > 0 {
			data = payloadText(args[0])
		}
		s.onData(dir, strings.TrimSpace(data))
	}
}

func (s *Session) logData(dir Direction, data string) {
	s.log.Info(data, "direction", dir.String())
}

// live reports whether events may still be processed, logging drops.
func (s *Session) live(event string) bool {
	if s.handle.Live() {
		return true
	}
	s.log.Debug("dropped event on released session", "event", event)
	return false
}

// resolve records the outcome. Only the first call has any effect.
func (s *Session) resolve(err error, h *Handle) {
	first := false
	s.once.Do(func() {
		first = true

		s.mu.Lock()
		if s.timer != nil {
			s.timer.Stop()
		}
		s.mu.Unlock()

		s.result = Result{Handle: h, Err: err}
		close(s.done)
	})

	if !first {
		if err != nil {
			s.log.Debug("session already resolved, dropped outcome", "error", err)
		}
		return
	}
	if s.callback != nil {
		s.callback(err, h)
	}
}

func (s *Session) markClosed() {
	s.stopOnce.Do(func() {
		close(s.closed)
	})
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()

	if prev != next {
		s.log.Debug("session state changed", "from", prev, "to", next)
	}
}

// transition moves to next only from one of the given states.
func (s *Session) transition(next State, from ...State) bool {
	s.mu.Lock()
	prev := s.state
	ok := false
	for _, f := range from {
		if prev == f {
			ok = true
			break
		}
	}
	if ok {
		s.state = next
	}
	s.mu.Unlock()

	if ok && prev != next {
		s.log.Debug("session state changed", "from", prev, "to", next)
	}
	return ok
}

// RedactedURL returns the diagnostic server URL with the token hidden.
func (s *Session) RedactedURL() string {
	return DiagnosticURL(s.opts.SocketAddress, s.opts.SocketPort, "REDACTED")
}

func decodePortEvent(args []json.RawMessage) portEvent {
	var ev portEvent
	if len(args) > 0 {
		_ = json.Unmarshal(args[0], &ev)
	}
	return ev
}

// payloadText returns a JSON string argument as text, and anything else in
// its JSON form.
func payloadText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	if string(raw) == "null" {
		return ""
	}
	return string(raw)
}

func errorText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Message
	}
	return payloadText(raw)
}
