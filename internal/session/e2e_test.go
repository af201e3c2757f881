package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cncpendant/cncjs-pendant/internal/config"
	"github.com/cncpendant/cncjs-pendant/internal/token"
)

// fakeCNCjs is a scripted CNCjs server speaking Engine.IO v3 over websocket.
func fakeCNCjs(t *testing.T, secret string, script func(conn *websocket.Conn)) config.Options {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = conn.WriteMessage(websocket.TextMessage,
			[]byte(`0{"sid":"e2e","upgrades":[],"pingInterval":25000,"pingTimeout":5000}`))

		if _, err := token.Parse(r.URL.Query().Get("token"), secret); err != nil {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`44"Not authorized"`))
			_, _, _ = conn.ReadMessage()
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte("40"))
		script(conn)
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	opts := testOptions()
	opts.SocketAddress = u.Hostname()
	opts.SocketPort = port
	opts.Timeout = 5 * time.Second
	return opts
}

func readFrame(conn *websocket.Conn) string {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return ""
		}
		if string(msg) != "2" {
			return string(msg)
		}
	}
}

func TestEndToEndOpenAndRelay(t *testing.T) {
	frames := make(chan string, 1)
	opts := fakeCNCjs(t, "s3cr3t", func(conn *websocket.Conn) {
		frames <- readFrame(conn)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`42["serialport:open",{"port":"/dev/ttyUSB0","baudrate":115200,"controllerType":"Grbl","inuse":true}]`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`42["serialport:read","ok\n"]`))
		readFrame(conn)
	})

	relayed := make(chan string, 1)
	s, err := Open(context.Background(), opts, nil,
		WithLogger(quietLog),
		WithDataHandler(func(_ Direction, data string) { relayed <- data }),
	)
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h, err := s.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0", h.Port())

	frame := <-frames
	require.True(t, len(frame) > 2)
	assert.JSONEq(t, `["open","/dev/ttyUSB0",{"baudrate":115200,"controllerType":"Grbl"}]`, frame[2:])

	select {
	case data := <-relayed:
		assert.Equal(t, "ok", data)
	case <-time.After(5 * time.Second):
		t.Fatal("no relayed data")
	}
}

func TestEndToEndRejectedToken(t *testing.T) {
	opts := fakeCNCjs(t, "server-secret", func(conn *websocket.Conn) {})
	opts.Secret = "wrong-secret"

	s, err := Open(context.Background(), opts, nil, WithLogger(quietLog))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h, err := s.Wait(ctx)
	assert.Nil(t, h)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Contains(t, err.Error(), "Not authorized")
	assert.False(t, s.Handle().Live())
	assert.Equal(t, StateConnectError, s.State())
}
