package protocol

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Meander-Cloud/go-transport/tcp"
)

const testWait = 2 * time.Second

type serverRecorder struct {
	opened   chan *Session
	closed   chan error
	messages chan []byte
}

func newServerRecorder() *serverRecorder {
	return &serverRecorder{
		opened:   make(chan *Session, 16),
		closed:   make(chan error, 16),
		messages: make(chan []byte, 256),
	}
}

func (r *serverRecorder) SessionOpened(_ *Server, s *Session)            { r.opened <- s }
func (r *serverRecorder) SessionClosed(_ *Server, _ *Session, err error) { r.closed <- err }
func (r *serverRecorder) MessageReceived(_ *Server, _ *Session, b []byte) {
	r.messages <- b
}

type clientRecorder struct {
	connected    chan *Session
	disconnected chan error
	messages     chan []byte
}

func newClientRecorder() *clientRecorder {
	return &clientRecorder{
		connected:    make(chan *Session, 16),
		disconnected: make(chan error, 16),
		messages:     make(chan []byte, 256),
	}
}

func (r *clientRecorder) Connected(_ *Client, s *Session)               { r.connected <- s }
func (r *clientRecorder) Disconnected(_ *Client, _ *Session, err error) { r.disconnected <- err }
func (r *clientRecorder) MessageReceived(_ *Client, _ *Session, b []byte) {
	r.messages <- b
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(testWait):
		t.Fatalf("timed out waiting for event")
	}
	var zero T
	return zero
}

// startServer accepts on loopback and hands each connection to the protocol,
// the same contract go-transport's TcpServer fulfils.
func startServer(t *testing.T) (*Server, *serverRecorder, string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	rec := newServerRecorder()
	srv, err := NewServer(
		&ServerOptions{
			Options:       &tcp.Options{LogPrefix: "TestServer"},
			ServerHandler: rec,
		},
	)
	require.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.ReadLoop(conn)
		}
	}()

	t.Cleanup(func() {
		ln.Close()
		srv.Close()
	})

	portFile := filepath.Join(t.TempDir(), "ipc.port")
	require.NoError(t, WritePortFile(portFile, uint16(ln.Addr().(*net.TCPAddr).Port)))

	return srv, rec, portFile
}

func newTestClient(t *testing.T, portFile string, reconnect bool) (*Client, *clientRecorder) {
	t.Helper()

	rec := newClientRecorder()
	c, err := NewClient(
		&ClientOptions{
			PortFile:          portFile,
			DefaultPort:       1,
			DialTimeout:       time.Second,
			ReconnectEnabled:  reconnect,
			ReconnectAttempts: 3,
			ReconnectDelay:    10 * time.Millisecond,
			ClientHandler:     rec,
			LogPrefix:         "TestClient",
		},
	)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	return c, rec
}

func TestClientServerExchange(t *testing.T) {
	srv, srvRec, portFile := startServer(t)
	c, cliRec := newTestClient(t, portFile, false)

	require.NoError(t, c.Connect(context.Background()))
	require.True(t, c.WaitForConnection(testWait))
	recv(t, cliRec.connected)
	s := recv(t, srvRec.opened)
	assert.Equal(t, 1, srv.SessionCount())

	require.NoError(t, c.WriteMessage([]byte("ping")))
	assert.Equal(t, []byte("ping"), recv(t, srvRec.messages))

	require.NoError(t, srv.SendTo(s.ConnID, []byte("pong")))
	assert.Equal(t, []byte("pong"), recv(t, cliRec.messages))

	require.NoError(t, srv.BroadcastMessage([]byte("everyone")))
	assert.Equal(t, []byte("everyone"), recv(t, cliRec.messages))

	c.Close()
	assert.NoError(t, recv(t, srvRec.closed))
	assert.Eventually(t, func() bool { return srv.SessionCount() == 0 }, testWait, 5*time.Millisecond)

	assert.Error(t, srv.SendTo(s.ConnID, []byte("gone")))
}

func TestFramesArriveInOrder(t *testing.T) {
	_, srvRec, portFile := startServer(t)
	c, _ := newTestClient(t, portFile, false)

	require.NoError(t, c.Connect(context.Background()))
	require.True(t, c.WaitForConnection(testWait))

	const count = 200
	for i := 0; i < count; i++ {
		require.NoError(t, c.WriteMessage([]byte(fmt.Sprintf("msg-%03d", i))))
	}
	for i := 0; i < count; i++ {
		assert.Equal(t, fmt.Sprintf("msg-%03d", i), string(recv(t, srvRec.messages)))
	}
}

func TestServerCloseDisconnectsClient(t *testing.T) {
	srv, srvRec, portFile := startServer(t)
	c, cliRec := newTestClient(t, portFile, false)

	require.NoError(t, c.Connect(context.Background()))
	require.True(t, c.WaitForConnection(testWait))
	recv(t, srvRec.opened)

	srv.Close()

	assert.NoError(t, recv(t, cliRec.disconnected))
	assert.Eventually(t, func() bool { return !c.IsConnected() }, testWait, 5*time.Millisecond)
	assert.Error(t, c.WriteMessage([]byte("late")))
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	_, srvRec, portFile := startServer(t)
	c, cliRec := newTestClient(t, portFile, true)

	require.NoError(t, c.Connect(context.Background()))
	require.True(t, c.WaitForConnection(testWait))
	first := recv(t, srvRec.opened)
	recv(t, cliRec.connected)

	// drop without a Disconnect frame
	first.Conn.Close()

	recv(t, cliRec.disconnected)
	second := recv(t, srvRec.opened)
	recv(t, cliRec.connected)

	assert.NotEqual(t, first.ConnID, second.ConnID)
	assert.True(t, c.WaitForConnection(testWait))
	require.NoError(t, c.WriteMessage([]byte("after reconnect")))
	assert.Equal(t, []byte("after reconnect"), recv(t, srvRec.messages))
}

func TestClientConnectGivesUp(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	ln.Close()

	portFile := filepath.Join(t.TempDir(), "ipc.port")
	require.NoError(t, WritePortFile(portFile, port))

	c, _ := newTestClient(t, portFile, true)

	start := time.Now()
	require.Error(t, c.Connect(context.Background()))
	// 3 attempts, waits of 10ms and 20ms between them
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	assert.False(t, c.WaitForConnection(50*time.Millisecond))
	assert.False(t, c.IsConnected())
}

func TestClientConnectTwice(t *testing.T) {
	_, _, portFile := startServer(t)
	c, _ := newTestClient(t, portFile, false)

	require.NoError(t, c.Connect(context.Background()))
	require.True(t, c.WaitForConnection(testWait))
	assert.Error(t, c.Connect(context.Background()))
}

func TestClosedClient(t *testing.T) {
	_, _, portFile := startServer(t)
	c, _ := newTestClient(t, portFile, false)

	c.Close()
	assert.Error(t, c.Connect(context.Background()))
	assert.False(t, c.WaitForConnection(testWait))
}
