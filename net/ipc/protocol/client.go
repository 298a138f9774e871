package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/Meander-Cloud/go-policyd/net/ipc/wire"
)

var (
	errAlreadyConnected = errors.New("already connected")
	errClientClosed     = errors.New("client closed")
)

// ClientHandler callbacks are invoked on the read loop goroutine. Connected
// fires once the server's ConnectionAccepted frame arrives, not on socket
// connect. Disconnected, and any auto-reconnect, follow only sessions that
// reached Connected.
type ClientHandler interface {
	Connected(*Client, *Session)
	Disconnected(*Client, *Session, error)
	MessageReceived(*Client, *Session, []byte)
}

type ClientOptions struct {
	PortFile          string
	DefaultPort       uint16
	DialTimeout       time.Duration
	KeepAliveInterval time.Duration

	ReconnectEnabled  bool
	ReconnectAttempts uint16
	ReconnectDelay    time.Duration

	ClientHandler

	LogPrefix string
	LogDebug  bool
}

type Client struct {
	options    *ClientOptions
	inShutdown atomic.Bool
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	// if increment overflow will wrap to zero
	connIDGen atomic.Uint32

	mutex   sync.Mutex
	session *Session      // current connection, if any
	readych chan struct{} // closed while the current session is ready
}

func NewClient(options *ClientOptions) (*Client, error) {
	if options.ClientHandler == nil {
		err := fmt.Errorf("%s: nil ClientHandler", options.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	if options.PortFile == "" {
		err := fmt.Errorf("%s: invalid PortFile=%s", options.LogPrefix, options.PortFile)
		log.Printf("%s", err.Error())
		return nil, err
	}

	if options.ReconnectEnabled && options.ReconnectAttempts == 0 {
		err := fmt.Errorf("%s: invalid ReconnectAttempts=%d with reconnect enabled", options.LogPrefix, options.ReconnectAttempts)
		log.Printf("%s", err.Error())
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Client{
		options:    options,
		inShutdown: atomic.Bool{},
		ctx:        ctx,
		cancel:     cancel,

		connIDGen: atomic.Uint32{},

		mutex:   sync.Mutex{},
		session: nil,
		readych: make(chan struct{}),
	}

	return p, nil
}

func (p *Client) Options() *ClientOptions {
	return p.options
}

// Connect dials the port published in PortFile. With reconnect enabled the
// dial itself is retried under the same bounded linear policy used after a
// disconnect. Readiness is signalled separately, see WaitForConnection.
func (p *Client) Connect(ctx context.Context) error {
	if p.inShutdown.Load() {
		return fmt.Errorf("%s: %w", p.options.LogPrefix, errClientClosed)
	}

	if p.IsConnected() {
		err := fmt.Errorf("%s: %w", p.options.LogPrefix, errAlreadyConnected)
		log.Printf("%s", err.Error())
		return err
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	unregister := context.AfterFunc(p.ctx, stop)
	defer unregister()

	if p.options.ReconnectEnabled {
		return p.connectWithRetry(ctx)
	}
	return p.dial(ctx)
}

// WaitForConnection blocks until the server has accepted the session, the
// timeout elapses, or the client is closed.
func (p *Client) WaitForConnection(timeout time.Duration) bool {
	p.mutex.Lock()
	readych := p.readych
	p.mutex.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-readych:
		return true
	case <-timer.C:
		log.Printf("%s: not connected within %v", p.options.LogPrefix, timeout)
		return false
	case <-p.ctx.Done():
		return false
	}
}

// invoked on any goroutine
func (p *Client) IsConnected() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.session != nil
}

// invoked on any goroutine
func (p *Client) WriteMessage(payload []byte) error {
	p.mutex.Lock()
	s := p.session
	p.mutex.Unlock()

	if s == nil {
		err := fmt.Errorf("%s: %w", p.options.LogPrefix, errNoConnection)
		log.Printf("%s", err.Error())
		return err
	}
	return s.WriteMessage(payload)
}

// Close sends Disconnect, closes the socket, stops any reconnect in progress
// and waits for the read loop to exit. It must not be called from a
// ClientHandler callback.
func (p *Client) Close() {
	if !p.inShutdown.CompareAndSwap(false, true) {
		return
	}
	log.Printf("%s: protocol closing", p.options.LogPrefix)
	p.cancel()

	p.mutex.Lock()
	s := p.session
	p.mutex.Unlock()

	if s != nil {
		s.Ready.Store(false)
		s.WriteFrame(wire.TypeDisconnect, nil)
		s.Conn.Close()
	}

	p.wg.Wait()
	log.Printf("%s: protocol closed", p.options.LogPrefix)
}

func (p *Client) connectWithRetry(ctx context.Context) error {
	attempts := p.options.ReconnectAttempts
	attempt := 0

	b := backoff.WithContext(
		backoff.WithMaxRetries(
			newLinearBackOff(p.options.ReconnectDelay),
			uint64(attempts-1),
		),
		ctx,
	)

	err := backoff.RetryNotify(
		func() error {
			attempt++
			return p.dial(ctx)
		},
		b,
		func(err error, wait time.Duration) {
			log.Printf("%s: connect attempt %d/%d failed, retrying in %v, err=%s", p.options.LogPrefix, attempt, attempts, wait, err.Error())
		},
	)
	if err != nil {
		err = fmt.Errorf("%s: giving up after %d connect attempt(s), err=%w", p.options.LogPrefix, attempt, err)
		log.Printf("%s", err.Error())
		return err
	}
	return nil
}

func (p *Client) dial(ctx context.Context) error {
	port := ReadPortFile(p.options.PortFile, p.options.DefaultPort)
	address := net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port)))

	dialer := net.Dialer{
		Timeout:   p.options.DialTimeout,
		KeepAlive: p.options.KeepAliveInterval,
	}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		log.Printf("%s: failed to dial %s, err=%s", p.options.LogPrefix, address, err.Error())
		return err
	}

	connID := p.connIDGen.Add(1)
	s := newSession(
		p.options.LogPrefix,
		p.options.LogDebug,
		connID,
		conn,
		fmt.Sprintf("[%d]-><%s>", connID, address),
	)

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.inShutdown.Load() {
		conn.Close()
		return fmt.Errorf("%s: %w", p.options.LogPrefix, errClientClosed)
	}
	if p.session != nil {
		conn.Close()
		return fmt.Errorf("%s: %s: %w", p.options.LogPrefix, p.session.Descriptor, errAlreadyConnected)
	}
	p.session = s

	log.Printf("%s: %s: new %s connection", p.options.LogPrefix, s.Descriptor, conn.RemoteAddr().Network())

	p.wg.Add(1)
	go p.readLoop(s)

	return nil
}

func (p *Client) readLoop(s *Session) {
	defer p.wg.Done()

	connected := false
	err := s.readLoop(
		func(h wire.Header, payload []byte) error {
			switch h.Type {
			case wire.TypeConnectionAccepted:
				if !s.Ready.CompareAndSwap(false, true) {
					log.Printf("%s: %s: duplicate ConnectionAccepted ignored", p.options.LogPrefix, s.Descriptor)
					return nil
				}
				p.markReady()
				connected = true
				log.Printf("%s: %s: connection now ready", p.options.LogPrefix, s.Descriptor)
				p.options.Connected(p, s)
			case wire.TypeMessage, wire.TypeBroadcast:
				if !connected {
					err := fmt.Errorf("%s: %s: %s frame before ConnectionAccepted", p.options.LogPrefix, s.Descriptor, h.Type)
					log.Printf("%s", err.Error())
					return err
				}
				p.options.MessageReceived(p, s, payload)
			case wire.TypeDisconnect:
				log.Printf("%s: %s: peer sent disconnect", p.options.LogPrefix, s.Descriptor)
				return errPeerDisconnect
			}
			return nil
		},
	)

	s.Ready.Store(false)
	s.Conn.Close()

	func() {
		p.mutex.Lock()
		defer p.mutex.Unlock()

		if p.session == s {
			p.session = nil
		}
		select {
		case <-p.readych:
			p.readych = make(chan struct{})
		default:
		}
	}()

	inShutdown := p.inShutdown.Load()

	var closeErr error
	switch {
	case errors.Is(err, errPeerDisconnect):
	case errors.Is(err, io.EOF):
	case inShutdown:
	default:
		closeErr = err
	}
	log.Printf("%s: %s: connection closed, inShutdown=%t, err=%v", p.options.LogPrefix, s.Descriptor, inShutdown, closeErr)

	if !connected {
		// never accepted, the dial that produced it already consumed its attempt
		return
	}
	p.options.Disconnected(p, s, closeErr)

	if inShutdown || !p.options.ReconnectEnabled {
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.connectWithRetry(p.ctx)
	}()
}

func (p *Client) markReady() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	select {
	case <-p.readych:
	default:
		close(p.readych)
	}
}

// linearBackOff waits n × step before the n-th retry.
type linearBackOff struct {
	step time.Duration
	n    int64
}

func newLinearBackOff(step time.Duration) *linearBackOff {
	return &linearBackOff{step: step}
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.step
}

func (b *linearBackOff) Reset() {
	b.n = 0
}
