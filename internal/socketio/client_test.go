package socketio

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cncpendant/cncjs-pendant/internal/logger"
)

const waitTimeout = 2 * time.Second

var quietLog = logger.New(logger.Options{Level: logger.ErrorLevel, Output: io.Discard})

// serverConn is the server side of one test connection.
type serverConn struct {
	t    *testing.T
	conn *websocket.Conn
}

func (s *serverConn) send(frame string) {
	s.t.Helper()
	_ = s.conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

// next returns the next frame that is not a heartbeat.
func (s *serverConn) next() string {
	s.t.Helper()
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(waitTimeout))
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			return ""
		}
		if string(msg) == "2" {
			continue
		}
		return string(msg)
	}
}

// newServer starts an Engine.IO v3 websocket endpoint. script runs after
// the open packet has been sent.
func newServer(t *testing.T, pingInterval, pingTimeout int, script func(s *serverConn, r *http.Request)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		hs, _ := json.Marshal(handshake{SID: "sid-1", Upgrades: []string{}, PingInterval: pingInterval, PingTimeout: pingTimeout})
		_ = conn.WriteMessage(websocket.TextMessage, append([]byte{engineOpen}, hs...))

		script(&serverConn{t: t, conn: conn}, r)
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, port := u.Hostname(), u.Port()
	return "ws://" + host + ":" + port + "/socket.io/?EIO=3&transport=websocket&token=tok"
}

type events struct {
	connected chan struct{}
	errs      chan error
	closed    chan struct{}
}

func watch(c *Client) *events {
	ev := &events{
		connected: make(chan struct{}, 1),
		errs:      make(chan error, 1),
		closed:    make(chan struct{}, 1),
	}
	c.OnConnect(func() { ev.connected <- struct{}{} })
	c.OnError(func(err error) { ev.errs <- err })
	c.OnClose(func() { ev.closed <- struct{}{} })
	return ev
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func TestEndpoint(t *testing.T) {
	raw := Endpoint("localhost", 8000, url.Values{"token": {"abc"}})

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "ws", u.Scheme)
	assert.Equal(t, "localhost:8000", u.Host)
	assert.Equal(t, "/socket.io/", u.Path)
	assert.Equal(t, "3", u.Query().Get("EIO"))
	assert.Equal(t, "websocket", u.Query().Get("transport"))
	assert.Equal(t, "abc", u.Query().Get("token"))

	assert.Contains(t, Endpoint("::1", 8000, nil), "[::1]:8000")
}

func TestClientConnectAndEvents(t *testing.T) {
	got := make(chan string, 1)
	wsURL := newServer(t, 25000, 5000, func(s *serverConn, r *http.Request) {
		assert.Equal(t, "tok", r.URL.Query().Get("token"))
		s.send("40")
		got <- s.next()
		s.send(`42["serialport:read","ok\n"]`)
		s.next()
	})

	c := New(wsURL, WithLogger(quietLog))
	ev := watch(c)
	reads := make(chan []json.RawMessage, 1)
	c.On("serialport:read", func(args []json.RawMessage) { reads <- args })

	require.ErrorIs(t, c.Emit("list"), ErrNotConnected)

	c.Connect(context.Background())
	waitFor(t, ev.connected, "connect")

	require.NoError(t, c.Emit("open", "/dev/ttyUSB0", map[string]any{"baudrate": 115200}))
	frame := waitFor(t, got, "open frame")
	assert.Equal(t, "42", frame[:2])
	assert.JSONEq(t, `["open","/dev/ttyUSB0",{"baudrate":115200}]`, frame[2:])

	args := waitFor(t, reads, "serialport:read")
	require.Len(t, args, 1)
	assert.JSONEq(t, `"ok\n"`, string(args[0]))

	require.NoError(t, c.Close())
	waitFor(t, ev.closed, "close")
	assert.ErrorIs(t, c.Emit("list"), ErrClosed)
	assert.Empty(t, ev.errs)
}

func TestClientServerRejects(t *testing.T) {
	wsURL := newServer(t, 25000, 5000, func(s *serverConn, r *http.Request) {
		s.send(`44"Not authorized"`)
		s.next()
	})

	c := New(wsURL, WithLogger(quietLog))
	ev := watch(c)
	c.Connect(context.Background())

	err := waitFor(t, ev.errs, "error")
	var se *ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "Not authorized", se.Message)
	assert.Empty(t, ev.connected)
	assert.Empty(t, ev.closed)
}

func TestClientDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	c := New("ws://"+addr+"/socket.io/?EIO=3&transport=websocket&token=secret-token", WithLogger(quietLog))
	ev := watch(c)
	c.Connect(context.Background())

	err := waitFor(t, ev.errs, "error")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret-token")
	assert.Empty(t, ev.connected)
}

func TestClientServerDisconnect(t *testing.T) {
	wsURL := newServer(t, 25000, 5000, func(s *serverConn, r *http.Request) {
		s.send("40")
		s.send("41")
		s.next()
	})

	c := New(wsURL, WithLogger(quietLog))
	ev := watch(c)
	c.Connect(context.Background())

	waitFor(t, ev.connected, "connect")
	waitFor(t, ev.closed, "close")
	<-c.Done()
	assert.Empty(t, ev.errs)
}

func TestClientClosedBeforeConnect(t *testing.T) {
	wsURL := newServer(t, 25000, 5000, func(s *serverConn, r *http.Request) {
		s.send("1")
	})

	c := New(wsURL, WithLogger(quietLog))
	ev := watch(c)
	c.Connect(context.Background())

	err := waitFor(t, ev.errs, "error")
	assert.ErrorIs(t, err, ErrClosedBeforeConnect)
}

func TestClientHeartbeat(t *testing.T) {
	t.Run("answered pings keep the connection", func(t *testing.T) {
		pings := make(chan struct{}, 8)
		wsURL := newServer(t, 20, 200, func(s *serverConn, r *http.Request) {
			s.send("40")
			for {
				_, msg, err := s.conn.ReadMessage()
				if err != nil {
					return
				}
				if string(msg) == "2" {
					s.send("3")
					select {
					case pings <- struct{}{}:
					default:
					}
				}
			}
		})

		c := New(wsURL, WithLogger(quietLog))
		ev := watch(c)
		c.Connect(context.Background())
		waitFor(t, ev.connected, "connect")

		for i := 0; i < 3; i++ {
			waitFor(t, pings, "ping")
		}
		assert.Empty(t, ev.errs)
		require.NoError(t, c.Close())
		waitFor(t, ev.closed, "close")
	})

	t.Run("missing pong times out", func(t *testing.T) {
		wsURL := newServer(t, 20, 40, func(s *serverConn, r *http.Request) {
			s.send("40")
			for {
				if _, _, err := s.conn.ReadMessage(); err != nil {
					return
				}
			}
		})

		c := New(wsURL, WithLogger(quietLog))
		ev := watch(c)
		c.Connect(context.Background())
		waitFor(t, ev.connected, "connect")

		err := waitFor(t, ev.errs, "ping timeout")
		assert.True(t, errors.Is(err, ErrPingTimeout))
	})
}

func TestClientCloseBeforeConnect(t *testing.T) {
	c := New("ws://127.0.0.1:1/socket.io/", WithLogger(quietLog))
	ev := watch(c)

	require.NoError(t, c.Close())
	waitFor(t, ev.closed, "close")

	// Connect after Close must not fire anything.
	c.Connect(context.Background())
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, ev.errs)
	assert.Empty(t, ev.connected)
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "ws://h:1/socket.io/?EIO=3&token=REDACTED",
		redactURL("ws://h:1/socket.io/?EIO=3&token=abc"))
	assert.Equal(t, "ws://h:1/", redactURL("ws://h:1/"))
}
