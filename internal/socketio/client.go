// Package socketio is a minimal Socket.IO v2 client (Engine.IO protocol 3)
// over a websocket transport, which is what CNCjs servers speak.
//
// Handlers are registered before Connect. All handlers run sequentially on
// the client's read goroutine, in the order packets arrive.
package socketio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/cncpendant/cncjs-pendant/internal/logger"
)

const (
	writeWait = 10 * time.Second

	defaultPingInterval = 25 * time.Second
	defaultPingTimeout  = 20 * time.Second
)

var (
	// ErrNotConnected is returned by Emit before the namespace is connected.
	ErrNotConnected = errors.New("socket.io client is not connected")
	// ErrClosed is returned by Emit after the transport ended.
	ErrClosed = errors.New("socket.io client is closed")
	// ErrPingTimeout reports a server that stopped answering heartbeats.
	ErrPingTimeout = errors.New("socket.io ping timeout")
	// ErrClosedBeforeConnect reports a transport that ended before the
	// namespace connect packet arrived.
	ErrClosedBeforeConnect = errors.New("socket.io transport closed before connect")
)

// ServerError is an error packet sent by the server, typically an
// authentication rejection.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

// Handler receives the JSON encoded arguments of an event.
type Handler func(args []json.RawMessage)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		c.log = l
	}
}

// WithDialer sets the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		c.dialer = d
	}
}

// Client is a single Socket.IO connection to the default namespace.
type Client struct {
	url    string
	dialer *websocket.Dialer
	log    logger.Logger

	handlers  *xsync.MapOf[string, Handler]
	onConnect func()
	onError   func(error)
	onClose   func()

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closing   bool
	abortErr  error

	writeMu sync.Mutex
	pong    chan struct{}
	done    chan struct{}
	endOnce sync.Once
	started sync.Once
}

// Endpoint returns the websocket URL of a Socket.IO v2 server with query
// appended to the handshake parameters.
func Endpoint(address string, port int, query url.Values) string {
	q := url.Values{}
	for k, vs := range query {
		q[k] = append([]string(nil), vs...)
	}
	q.Set("EIO", "3")
	q.Set("transport", "websocket")

	u := url.URL{
		Scheme:   "ws",
		Host:     net.JoinHostPort(address, strconv.Itoa(port)),
		Path:     "/socket.io/",
		RawQuery: q.Encode(),
	}
	return u.String()
}

// New creates a client for rawURL. No I/O happens until Connect.
func New(rawURL string, opts ...Option) *Client {
	c := &Client{
		url:       rawURL,
		dialer:    websocket.DefaultDialer,
		log:       logger.GetLogger(),
		handlers:  xsync.NewMapOf[string, Handler](),
		onConnect: func() {},
		onError:   func(error) {},
		onClose:   func() {},
		pong:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// On registers h for the named server event, replacing any previous handler.
func (c *Client) On(event string, h Handler) {
	c.handlers.Store(event, h)
}

// OnConnect registers the handler for the namespace connect.
func (c *Client) OnConnect(h func()) {
	c.onConnect = h
}

// OnError registers the handler for transport failures. It fires at most
// once and is terminal.
func (c *Client) OnError(h func(error)) {
	c.onError = h
}

// OnClose registers the handler for a clean close. It fires at most once
// and is terminal.
func (c *Client) OnClose(h func()) {
	c.onClose = h
}

// Connect dials in the background and returns immediately. Exactly one of
// the connect or error handlers fires unless Close is called first.
func (c *Client) Connect(ctx context.Context) {
	c.started.Do(func() {
		go c.run(ctx)
	})
}

// Done is closed once the transport has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Emit sends an event with args to the server.
func (c *Client) Emit(event string, args ...any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	frame, err := encodeEvent(event, args...)
	if err != nil {
		return err
	}

	c.log.Debug("socket.io emit", "frame", string(frame))
	return c.write(frame)
}

// Close disconnects from the server. The close handler fires once the read
// goroutine has stopped.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if conn == nil {
		// never dialed, or the dial failed and the transport already ended
		select {
		case <-c.done:
		default:
			c.end(nil)
		}
		return nil
	}

	if connected {
		_ = c.write([]byte{engineMessage, byte(PacketDisconnect)})
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()

	return conn.Close()
}

func (c *Client) run(ctx context.Context) {
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()
	if closing {
		return
	}

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.end(fmt.Errorf("failed to dial %s: %w", redactURL(c.url), err))
		return
	}

	c.mu.Lock()
	c.conn = conn
	closing = c.closing
	c.mu.Unlock()
	if closing {
		_ = conn.Close()
		c.end(nil)
		return
	}

	c.end(c.readLoop(conn))
}

// readLoop consumes frames until the transport ends. A nil return means a
// clean close.
func (c *Client) readLoop(conn *websocket.Conn) error {
	hs, err := c.readHandshake(conn)
	if err != nil {
		return err
	}
	c.log.Debug("socket.io handshake", "sid", hs.SID, "ping_interval_ms", hs.PingInterval, "ping_timeout_ms", hs.PingTimeout)

	interval := time.Duration(hs.PingInterval) * time.Millisecond
	if interval <= 0 {
		interval = defaultPingInterval
	}
	timeout := time.Duration(hs.PingTimeout) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}
	go c.heartbeat(interval, timeout)

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			return c.readErr(err)
		}
		if msgType != websocket.TextMessage || len(msg) == 0 {
			c.log.Debug("socket.io dropped non-text frame", "type", msgType, "len", len(msg))
			continue
		}

		switch msg[0] {
		case enginePong:
			select {
			case c.pong <- struct{}{}:
			default:
			}
		case enginePing:
			if err := c.write([]byte{enginePong}); err != nil {
				return err
			}
		case engineClose:
			return nil
		case engineNoop, engineUpgrade, engineOpen:
		case engineMessage:
			stop, err := c.handlePacket(msg[1:])
			if stop {
				return err
			}
		default:
			c.log.Debug("socket.io unknown engine packet", "frame", string(msg))
		}
	}
}

func (c *Client) readHandshake(conn *websocket.Conn) (*handshake, error) {
	msgType, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, c.readErr(err)
	}
	if msgType != websocket.TextMessage || len(msg) == 0 || msg[0] != engineOpen {
		return nil, fmt.Errorf("unexpected handshake frame %q", msg)
	}

	var hs handshake
	if err := json.Unmarshal(msg[1:], &hs); err != nil {
		return nil, fmt.Errorf("failed to decode handshake: %w", err)
	}
	return &hs, nil
}

// handlePacket dispatches one Socket.IO packet. stop reports that the
// transport must end, with err nil for a clean disconnect.
func (c *Client) handlePacket(b []byte) (stop bool, err error) {
	p, err := decodePacket(b)
	if err != nil {
		c.log.Warn("socket.io dropped malformed packet", "error", err, "frame", string(b))
		return false, nil
	}
	if p.Namespace != "/" {
		c.log.Debug("socket.io ignored packet for namespace", "nsp", p.Namespace, "type", p.Type)
		return false, nil
	}

	switch p.Type {
	case PacketConnect:
		c.mu.Lock()
		already := c.connected
		c.connected = true
		c.mu.Unlock()
		if !already {
			c.onConnect()
		}
	case PacketDisconnect:
		return true, nil
	case PacketError:
		return true, &ServerError{Message: p.ErrorMessage()}
	case PacketEvent:
		name, args, err := p.Event()
		if err != nil {
			c.log.Warn("socket.io dropped malformed event", "error", err)
			return false, nil
		}
		if h, ok := c.handlers.Load(name); ok {
			h(args)
		} else {
			c.log.Debug("socket.io unhandled event", "event", name)
		}
	case PacketAck:
	case PacketBinaryEvent, PacketBinaryAck:
		c.log.Warn("socket.io binary packets are not supported", "type", p.Type)
	}

	return false, nil
}

func (c *Client) heartbeat(interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		if err := c.write([]byte{enginePing}); err != nil {
			c.abort(err)
			return
		}

		select {
		case <-c.done:
			return
		case <-c.pong:
		case <-time.After(timeout):
			c.abort(ErrPingTimeout)
			return
		}
	}
}

// abort tears the connection down from outside the read goroutine. The
// read goroutine reports err when its pending read fails.
func (c *Client) abort(err error) {
	c.mu.Lock()
	if c.abortErr == nil {
		c.abortErr = err
	}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Client) readErr(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.abortErr != nil:
		return c.abortErr
	case c.closing:
		return nil
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		return nil
	default:
		return fmt.Errorf("failed to read from server: %w", err)
	}
}

// end finishes the transport exactly once and fires the terminal handler.
func (c *Client) end(err error) {
	c.endOnce.Do(func() {
		c.mu.Lock()
		conn := c.conn
		connected := c.connected
		closing := c.closing
		c.connected = false
		c.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}
		close(c.done)

		if err == nil && !connected && !closing {
			err = ErrClosedBeforeConnect
		}

		if err != nil {
			c.log.Debug("socket.io transport error", "error", err)
			c.onError(err)
			return
		}
		c.log.Debug("socket.io transport closed")
		c.onClose()
	})
}

func (c *Client) write(frame []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("failed to write to server: %w", err)
	}
	return nil
}

// redactURL hides the token query parameter.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
