package protocol

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Meander-Cloud/go-policyd/net/ipc/wire"
)

const (
	tcpWriteDeadline time.Duration = time.Second * 3
)

const (
	typicalBufferLen int = 4096 // 4 KB
)

var (
	errPeerDisconnect = errors.New("peer sent disconnect")
	errNotReady       = errors.New("connection not ready")
	errNoConnection   = errors.New("no active connection")
)

// Session is the per-socket state: owning connection, frame accumulator and
// readiness. Exactly one read loop goroutine drives the accumulator.
type Session struct {
	ConnID     uint32
	Conn       net.Conn
	Descriptor string
	Ready      atomic.Bool

	assembler  *Assembler
	writeMutex sync.Mutex
	logPrefix  string
	logDebug   bool
}

func newSession(logPrefix string, logDebug bool, connID uint32, conn net.Conn, descriptor string) *Session {
	return &Session{
		ConnID:     connID,
		Conn:       conn,
		Descriptor: descriptor,
		Ready:      atomic.Bool{},

		assembler:  NewAssembler(),
		writeMutex: sync.Mutex{},
		logPrefix:  logPrefix,
		logDebug:   logDebug,
	}
}

// invoked on any goroutine
func (s *Session) WriteFrame(t wire.Type, payload []byte) error {
	buf := wire.Encode(t, payload)

	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	s.Conn.SetWriteDeadline(time.Now().UTC().Add(tcpWriteDeadline))
	n, err := s.Conn.Write(buf)
	if err != nil {
		log.Printf("%s: %s: failed to write %d bytes, type=%s, err=%s", s.logPrefix, s.Descriptor, len(buf), t, err.Error())
		return err
	}
	if s.logDebug {
		log.Printf("%s: %s: wrote %d bytes, header %X", s.logPrefix, s.Descriptor, n, buf[:wire.HeaderLen])
	}

	return nil
}

// invoked on any goroutine
func (s *Session) WriteMessage(payload []byte) error {
	if !s.Ready.Load() {
		err := fmt.Errorf("%s: %s: %w", s.logPrefix, s.Descriptor, errNotReady)
		log.Printf("%s", err.Error())
		return err
	}
	return s.WriteFrame(wire.TypeMessage, payload)
}

// readLoop keeps exactly one read outstanding on the socket and feeds every
// completed read to the assembler. It returns the error that ended the loop.
func (s *Session) readLoop(onFrame func(wire.Header, []byte) error) error {
	buf := make([]byte, typicalBufferLen)

	var frameErr error
	emit := func(h wire.Header, payload []byte) {
		if frameErr != nil {
			return
		}
		frameErr = onFrame(h, payload)
	}

	for {
		n, err := s.Conn.Read(buf)
		if n > 0 {
			if s.logDebug {
				log.Printf("%s: %s: read %d bytes", s.logPrefix, s.Descriptor, n)
			}

			ferr := s.assembler.Feed(buf[:n], emit)
			if ferr != nil {
				log.Printf("%s: %s: dropping connection, err=%s", s.logPrefix, s.Descriptor, ferr.Error())
				return ferr
			}
			if frameErr != nil {
				return frameErr
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("%s: %s: failed to read, err=%s", s.logPrefix, s.Descriptor, err.Error())
			}
			return err
		}
	}
}
