package protocol

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/Meander-Cloud/go-transport/tcp"

	"github.com/Meander-Cloud/go-policyd/net/ipc/wire"
)

// ServerHandler callbacks are invoked on the session's read loop goroutine,
// so frames of one session are observed in the order they were received.
type ServerHandler interface {
	SessionOpened(*Server, *Session)
	SessionClosed(*Server, *Session, error)
	MessageReceived(*Server, *Session, []byte)
}

type ServerOptions struct {
	*tcp.Options
	ServerHandler
}

type Server struct {
	options    *ServerOptions
	inShutdown atomic.Bool

	// if increment overflow will wrap to zero
	connIDGen atomic.Uint32

	mutex      sync.Mutex
	sessionMap map[uint32]*Session // connID -> session
}

func NewServer(options *ServerOptions) (*Server, error) {
	if options.Options == nil {
		err := fmt.Errorf("nil tcp Options")
		log.Printf("%s", err.Error())
		return nil, err
	}

	if options.ServerHandler == nil {
		err := fmt.Errorf("%s: nil ServerHandler", options.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	p := &Server{
		options:    options,
		inShutdown: atomic.Bool{},

		connIDGen: atomic.Uint32{},

		mutex:      sync.Mutex{},
		sessionMap: make(map[uint32]*Session),
	}

	return p, nil
}

func (p *Server) Options() *ServerOptions {
	return p.options
}

// Close notifies every session with a Disconnect frame and closes it. It is
// safe to call more than once.
func (p *Server) Close() {
	if !p.inShutdown.CompareAndSwap(false, true) {
		return
	}
	log.Printf("%s: protocol closing", p.options.LogPrefix)

	sessions := p.snapshot(false)
	for _, s := range sessions {
		s.Ready.Store(false)
		s.WriteFrame(wire.TypeDisconnect, nil)
		s.Conn.Close()
	}

	log.Printf("%s: protocol closed, %d session(s) disconnected", p.options.LogPrefix, len(sessions))
}

func (p *Server) ReadLoop(conn net.Conn) {
	connID := p.getNextConnID()
	s := newSession(
		p.options.LogPrefix,
		p.options.LogDebug,
		connID,
		conn,
		fmt.Sprintf("[%d]<-<%s>", connID, conn.RemoteAddr().String()),
	)
	network := conn.RemoteAddr().Network()

	if p.inShutdown.Load() {
		log.Printf("%s: %s: in shutdown, rejecting %s connection", p.options.LogPrefix, s.Descriptor, network)
		conn.Close()
		return
	}

	log.Printf("%s: %s: new %s connection", p.options.LogPrefix, s.Descriptor, network)

	var loopErr error
	defer func() {
		log.Printf("%s: %s: closing %s connection", p.options.LogPrefix, s.Descriptor, network)
		s.Ready.Store(false)

		func() {
			p.mutex.Lock()
			defer p.mutex.Unlock()

			_, found := p.sessionMap[s.ConnID]
			if !found {
				log.Printf("%s: %s: connID=%d not found in session map", p.options.LogPrefix, s.Descriptor, s.ConnID)
				return
			}
			delete(p.sessionMap, s.ConnID)
		}()

		conn.Close()

		var closeErr error
		switch {
		case loopErr == nil:
		case errors.Is(loopErr, errPeerDisconnect):
		case errors.Is(loopErr, io.EOF):
		case p.inShutdown.Load():
		default:
			closeErr = loopErr
		}
		log.Printf("%s: %s: %s connection closed, inShutdown=%t, err=%v", p.options.LogPrefix, s.Descriptor, network, p.inShutdown.Load(), closeErr)

		p.options.SessionClosed(p, s, closeErr)
	}()

	func() {
		p.mutex.Lock()
		defer p.mutex.Unlock()

		cached, found := p.sessionMap[s.ConnID]
		if found {
			log.Printf("%s: %s: overriding duplicate session %s", p.options.LogPrefix, s.Descriptor, cached.Descriptor)
		}
		p.sessionMap[s.ConnID] = s
	}()

	// readiness signal precedes any application traffic on this socket
	loopErr = s.WriteFrame(wire.TypeConnectionAccepted, nil)
	if loopErr != nil {
		return
	}
	s.Ready.Store(true)
	log.Printf("%s: %s: connection now ready", p.options.LogPrefix, s.Descriptor)

	p.options.SessionOpened(p, s)

	loopErr = s.readLoop(
		func(h wire.Header, payload []byte) error {
			switch h.Type {
			case wire.TypeMessage, wire.TypeBroadcast:
				p.options.MessageReceived(p, s, payload)
			case wire.TypeDisconnect:
				log.Printf("%s: %s: peer sent disconnect", p.options.LogPrefix, s.Descriptor)
				return errPeerDisconnect
			default:
				log.Printf("%s: %s: ignoring unexpected %s frame", p.options.LogPrefix, s.Descriptor, h.Type)
			}
			return nil
		},
	)
}

// invoked on ReadLoop goroutine
func (p *Server) getNextConnID() uint32 {
	return p.connIDGen.Add(1)
}

// snapshot copies the registry so writes happen outside the registry lock.
func (p *Server) snapshot(readyOnly bool) []*Session {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	sessions := make([]*Session, 0, len(p.sessionMap))
	for _, s := range p.sessionMap {
		if readyOnly && !s.Ready.Load() {
			continue
		}
		sessions = append(sessions, s)
	}
	return sessions
}

// invoked on any goroutine
func (p *Server) GetSession(connID uint32) (*Session, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	s, found := p.sessionMap[connID]
	if !found {
		err := fmt.Errorf("%s: connID=%d, %w", p.options.LogPrefix, connID, errNoConnection)
		log.Printf("%s", err.Error())
		return nil, err
	}
	if !s.Ready.Load() {
		err := fmt.Errorf("%s: %s: %w", p.options.LogPrefix, s.Descriptor, errNotReady)
		log.Printf("%s", err.Error())
		return nil, err
	}

	return s, nil
}

// invoked on any goroutine
func (p *Server) SessionCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return len(p.sessionMap)
}

// invoked on any goroutine
func (p *Server) SendTo(connID uint32, payload []byte) error {
	s, err := p.GetSession(connID)
	if err != nil {
		return err
	}
	return s.WriteMessage(payload)
}

// BroadcastMessage writes one Broadcast frame to every ready session and
// returns the joined write errors, if any.
func (p *Server) BroadcastMessage(payload []byte) error {
	var errs []error
	for _, s := range p.snapshot(true) {
		err := s.WriteFrame(wire.TypeBroadcast, payload)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
