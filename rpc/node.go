package rpc

import (
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/Meander-Cloud/go-policyd/message"
)

type NodeOptions struct {
	Tracker   *TrackerOptions
	LogPrefix string
	LogDebug  bool
}

// Node is one side of the request/reply channel: outbound envelopes are
// tracked, inbound ones are offered to the tracker first and then to the
// dispatcher.
type Node struct {
	options    *NodeOptions
	tracker    *Tracker
	dispatcher *Dispatcher
}

func NewNode(options *NodeOptions) *Node {
	return &Node{
		options:    options,
		tracker:    NewTracker(options.Tracker),
		dispatcher: NewDispatcher(options.LogPrefix),
	}
}

func (n *Node) Tracker() *Tracker {
	return n.tracker
}

func (n *Node) Dispatcher() *Dispatcher {
	return n.dispatcher
}

// Request sends call and tracks it for cb. The call is tracked before the
// write so an immediate reply cannot be missed; a failed write leaves it
// tracked for RetryAll.
func (n *Node) Request(conn Conn, call message.CallID, data any, cb Callback) (uuid.UUID, error) {
	env, err := message.NewEnvelope(call, message.MethodRequest, data)
	if err != nil {
		err = fmt.Errorf("%s: %w", n.options.LogPrefix, err)
		log.Printf("%s", err.Error())
		return uuid.Nil, err
	}

	n.tracker.Track(env, cb, 0)
	return env.ID, n.write(conn, env)
}

func (n *Node) Send(conn Conn, call message.CallID, data any) error {
	env, err := message.NewEnvelope(call, message.MethodSend, data)
	if err != nil {
		err = fmt.Errorf("%s: %w", n.options.LogPrefix, err)
		log.Printf("%s", err.Error())
		return err
	}
	return n.write(conn, env)
}

// SendTracked is a fire-and-forget Send that still registers cb in case the
// peer answers; the entry is discarded after the tracker's DiscardAfter.
func (n *Node) SendTracked(conn Conn, call message.CallID, data any, cb Callback) (uuid.UUID, error) {
	env, err := message.NewEnvelope(call, message.MethodSend, data)
	if err != nil {
		err = fmt.Errorf("%s: %w", n.options.LogPrefix, err)
		log.Printf("%s", err.Error())
		return uuid.Nil, err
	}

	n.tracker.Track(env, cb, 0)
	return env.ID, n.write(conn, env)
}

// Reply answers req with a Send of the same call id correlated to req.ID.
func (n *Node) Reply(conn Conn, req *message.Envelope, data any) error {
	env, err := message.NewEnvelope(req.Call, message.MethodSend, data)
	if err != nil {
		err = fmt.Errorf("%s: %w", n.options.LogPrefix, err)
		log.Printf("%s", err.Error())
		return err
	}
	env.ReplyToID = req.ID

	return n.write(conn, env)
}

func (n *Node) Broadcast(f Fanout, call message.CallID, data any) error {
	env, err := message.NewEnvelope(call, message.MethodSend, data)
	if err != nil {
		err = fmt.Errorf("%s: %w", n.options.LogPrefix, err)
		log.Printf("%s", err.Error())
		return err
	}

	payload, err := message.Marshal(env)
	if err != nil {
		err = fmt.Errorf("%s: failed to encode %s, err=%w", n.options.LogPrefix, env, err)
		log.Printf("%s", err.Error())
		return err
	}
	if n.options.LogDebug {
		log.Printf("%s: broadcasting %s", n.options.LogPrefix, env)
	}

	return f.BroadcastMessage(payload)
}

// HandleMessage decodes one frame payload and routes it. Undecodable payloads
// are logged and dropped; they never end the session.
func (n *Node) HandleMessage(conn Conn, payload []byte) bool {
	env, err := message.Unmarshal(payload)
	if err != nil {
		log.Printf("%s: dropping undecodable envelope of %d bytes, err=%s", n.options.LogPrefix, len(payload), err.Error())
		return false
	}
	if n.options.LogDebug {
		log.Printf("%s: received %s", n.options.LogPrefix, env)
	}

	if n.tracker.Resolve(env) {
		return true
	}
	return n.dispatcher.Dispatch(conn, env)
}

// RetryAll re-sends tracked requests over conn, typically right after a
// reconnect.
func (n *Node) RetryAll(conn Conn) {
	n.tracker.RetryAll(
		func(env *message.Envelope) error {
			return n.write(conn, env)
		},
	)
}

func (n *Node) write(conn Conn, env *message.Envelope) error {
	payload, err := message.Marshal(env)
	if err != nil {
		err = fmt.Errorf("%s: failed to encode %s, err=%w", n.options.LogPrefix, env, err)
		log.Printf("%s", err.Error())
		return err
	}
	if n.options.LogDebug {
		log.Printf("%s: sending %s", n.options.LogPrefix, env)
	}

	return conn.WriteMessage(payload)
}

// OnReply adapts a typed callback; a reply whose payload does not decode into
// T is logged and f is not invoked.
func OnReply[T any](f func(*T)) Callback {
	return func(env *message.Envelope) {
		data := new(T)
		err := env.DecodeData(data)
		if err != nil {
			log.Printf("rpc: failed to decode reply %s into %T, err=%s", env, data, err.Error())
			return
		}
		f(data)
	}
}
