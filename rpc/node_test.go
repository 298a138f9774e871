package rpc

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Meander-Cloud/go-policyd/message"
)

// pipe delivers every write synchronously to the peer node, answering over
// back.
type pipe struct {
	peer *Node
	back Conn
	down bool
	sent [][]byte
}

func (p *pipe) WriteMessage(payload []byte) error {
	if p.down {
		return errors.New("connection down")
	}
	p.sent = append(p.sent, payload)
	if p.peer != nil {
		p.peer.HandleMessage(p.back, payload)
	}
	return nil
}

type fanout []Conn

func (f fanout) BroadcastMessage(payload []byte) error {
	for _, c := range f {
		c.WriteMessage(payload)
	}
	return nil
}

func newTestNode(t *testing.T, name string) *Node {
	return NewNode(
		&NodeOptions{
			Tracker: &TrackerOptions{
				MaxRetries:   3,
				DiscardAfter: 2 * time.Second,
				AbandonAfter: 10 * time.Minute,
				LogPrefix:    t.Name() + "-" + name,
			},
			LogPrefix: t.Name() + "-" + name,
		},
	)
}

// connect wires two nodes back to back.
func connect(client, server *Node) (toServer *pipe, toClient *pipe) {
	toServer = &pipe{peer: server}
	toClient = &pipe{peer: client}
	toServer.back = toClient
	toClient.back = toServer
	return toServer, toClient
}

func TestRequestReplyCorrelation(t *testing.T) {
	client := newTestNode(t, "client")
	server := newTestNode(t, "server")
	toServer, _ := connect(client, server)

	var requestID uuid.UUID
	server.Dispatcher().RegisterRequest(
		message.CallSynchronizeSettings,
		func(conn Conn, env *message.Envelope) bool {
			requestID = env.ID
			return server.Reply(conn, env, &message.ConfigCheckInfo{Result: message.ConfigUpdateResultUpToDate}) == nil
		},
	)

	var results []message.ConfigUpdateResult
	id, err := client.Request(
		toServer,
		message.CallSynchronizeSettings,
		nil,
		OnReply(func(info *message.ConfigCheckInfo) {
			results = append(results, info.Result)
		}),
	)
	require.NoError(t, err)

	assert.Equal(t, id, requestID)
	assert.Equal(t, []message.ConfigUpdateResult{message.ConfigUpdateResultUpToDate}, results)
	assert.Equal(t, 0, client.Tracker().Len())

	// duplicate reply: tracker no longer knows the id and no Send handler is registered
	dup := toServer.back.(*pipe).sent[0]
	assert.False(t, client.HandleMessage(toServer, dup))
	assert.Len(t, results, 1)
}

func TestRequestSurvivesReconnect(t *testing.T) {
	client := newTestNode(t, "client")
	server := newTestNode(t, "server")
	toServer, _ := connect(client, server)

	handled := 0
	server.Dispatcher().RegisterRequest(
		message.CallRequestConfiguration,
		func(conn Conn, env *message.Envelope) bool {
			handled++
			return server.Reply(conn, env, &message.ConfigurationSnapshot{UpdateFrequencySecs: 300}) == nil
		},
	)

	toServer.down = true
	var got *message.ConfigurationSnapshot
	_, err := client.Request(
		toServer,
		message.CallRequestConfiguration,
		nil,
		OnReply(func(s *message.ConfigurationSnapshot) { got = s }),
	)
	require.Error(t, err)
	assert.Equal(t, 1, client.Tracker().Len())

	toServer.down = false
	client.RetryAll(toServer)

	assert.Equal(t, 1, handled)
	require.NotNil(t, got)
	assert.Equal(t, int64(300), got.UpdateFrequencySecs)
	assert.Equal(t, 0, client.Tracker().Len())
}

func TestHandleMessageDropsGarbage(t *testing.T) {
	n := newTestNode(t, "node")
	assert.False(t, n.HandleMessage(&pipe{}, []byte{0xc1, 0x00, 0x01}))
}

func TestBroadcastReachesEverySubscriber(t *testing.T) {
	server := newTestNode(t, "server")
	a := newTestNode(t, "a")
	b := newTestNode(t, "b")

	var seen []string
	for name, n := range map[string]*Node{"a": a, "b": b} {
		name := name
		RegisterResponseHandler(
			n.Dispatcher(),
			message.CallFilterStatus,
			func(_ Conn, _ *message.Envelope, s *message.StatusUpdate) bool {
				if s.Status == message.FilterStatusSynchronized {
					seen = append(seen, name)
				}
				return true
			},
		)
	}

	_, toA := connect(a, server)
	_, toB := connect(b, server)

	require.NoError(t, server.Broadcast(fanout{toA, toB}, message.CallFilterStatus, &message.StatusUpdate{Status: message.FilterStatusSynchronized}))
	assert.ElementsMatch(t, []string{"a", "b"}, seen)
}

func TestSendTrackedDiscardedWithoutReply(t *testing.T) {
	client := newTestNode(t, "client")
	server := newTestNode(t, "server")
	toServer, _ := connect(client, server)

	clock := &fakeClock{t: time.Now()}
	client.Tracker().now = clock.now

	_, err := client.SendTracked(toServer, message.CallBlockAction, &message.BlockAction{Resource: "example.com"}, func(*message.Envelope) {
		t.Fatal("no reply expected")
	})
	require.NoError(t, err)
	assert.Equal(t, 1, client.Tracker().Len())

	clock.advance(3 * time.Second)
	client.HandleMessage(toServer, mustMarshal(t, &message.Envelope{ID: uuid.New(), Call: message.CallFilterStatus, Method: message.MethodSend}))
	assert.Equal(t, 0, client.Tracker().Len())
}

func mustMarshal(t *testing.T, env *message.Envelope) []byte {
	payload, err := message.Marshal(env)
	require.NoError(t, err)
	return payload
}
