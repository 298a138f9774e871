package rpc

import (
	"log"
	"sync"

	"github.com/Meander-Cloud/go-policyd/message"
)

// Conn is one peer able to receive an encoded envelope.
type Conn interface {
	WriteMessage(payload []byte) error
}

// Fanout delivers one encoded envelope to every connected peer.
type Fanout interface {
	BroadcastMessage(payload []byte) error
}

// HandlerFunc reports whether it consumed env.
type HandlerFunc func(conn Conn, env *message.Envelope) bool

// Dispatcher routes inbound envelopes by call id, with separate tables for
// Request and Send. Registering a call id replaces the previous handler.
type Dispatcher struct {
	logPrefix string

	mutex    sync.RWMutex
	requests map[message.CallID]HandlerFunc
	sends    map[message.CallID]HandlerFunc
}

func NewDispatcher(logPrefix string) *Dispatcher {
	return &Dispatcher{
		logPrefix: logPrefix,

		mutex:    sync.RWMutex{},
		requests: make(map[message.CallID]HandlerFunc),
		sends:    make(map[message.CallID]HandlerFunc),
	}
}

func (d *Dispatcher) RegisterRequest(call message.CallID, h HandlerFunc) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	_, found := d.requests[call]
	if found {
		log.Printf("%s: replacing Request handler for %s", d.logPrefix, call)
	}
	d.requests[call] = h
}

func (d *Dispatcher) RegisterSend(call message.CallID, h HandlerFunc) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	_, found := d.sends[call]
	if found {
		log.Printf("%s: replacing Send handler for %s", d.logPrefix, call)
	}
	d.sends[call] = h
}

func (d *Dispatcher) Dispatch(conn Conn, env *message.Envelope) bool {
	var (
		h     HandlerFunc
		found bool
	)

	func() {
		d.mutex.RLock()
		defer d.mutex.RUnlock()

		switch env.Method {
		case message.MethodRequest:
			h, found = d.requests[env.Call]
		case message.MethodSend:
			h, found = d.sends[env.Call]
		}
	}()

	if !found {
		log.Printf("%s: no handler for %s", d.logPrefix, env)
		return false
	}
	return h(conn, env)
}

// RegisterRequestHandler decodes the request payload into T before invoking
// h. A payload that fails to decode is logged and reported as not consumed.
func RegisterRequestHandler[T any](d *Dispatcher, call message.CallID, h func(Conn, *message.Envelope, *T) bool) {
	d.RegisterRequest(call, typed(d.logPrefix, h))
}

// RegisterResponseHandler is RegisterRequestHandler for the Send table.
func RegisterResponseHandler[T any](d *Dispatcher, call message.CallID, h func(Conn, *message.Envelope, *T) bool) {
	d.RegisterSend(call, typed(d.logPrefix, h))
}

func typed[T any](logPrefix string, h func(Conn, *message.Envelope, *T) bool) HandlerFunc {
	return func(conn Conn, env *message.Envelope) bool {
		data := new(T)
		err := env.DecodeData(data)
		if err != nil {
			log.Printf("%s: failed to decode %s into %T, err=%s", logPrefix, env, data, err.Error())
			return false
		}
		return h(conn, env, data)
	}
}
