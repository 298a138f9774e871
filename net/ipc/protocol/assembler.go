package protocol

import (
	"fmt"

	"github.com/Meander-Cloud/go-policyd/net/ipc/wire"
)

type assemblerState uint8

const (
	stateIdle                assemblerState = 0
	stateAccumulatingHeader  assemblerState = 1
	stateAccumulatingPayload assemblerState = 2
)

func (s assemblerState) String() string {
	switch s {
	case stateIdle:
		return "Idle"
	case stateAccumulatingHeader:
		return "Accumulating Header"
	case stateAccumulatingPayload:
		return "Accumulating Payload"
	default:
		return "Unknown State"
	}
}

// Assembler reassembles frames from arbitrarily split or merged stream reads.
// It is not safe for concurrent use; one read loop owns it.
type Assembler struct {
	state   assemblerState
	header  [wire.HeaderLen]byte
	headerN int
	current wire.Header
	frame   []byte // header + payload of the frame in progress
	frameN  int
}

func NewAssembler() *Assembler {
	return &Assembler{
		state: stateIdle,
	}
}

// Feed consumes one raw read. emit is invoked once per completed frame, in
// stream order, with a payload slice the callee may retain. Frames of an
// unrecognized type are consumed without being emitted. A non-nil error means
// the stream is corrupt and the connection must be dropped.
func (a *Assembler) Feed(chunk []byte, emit func(wire.Header, []byte)) error {
	idx := 0
	for idx < len(chunk) {
		switch a.state {
		case stateIdle:
			if chunk[idx] != wire.Magic {
				return wire.NewError(wire.ErrCodeBadMagic, fmt.Sprintf("expected %X at frame start, got %X", wire.Magic, chunk[idx]))
			}
			a.state = stateAccumulatingHeader
			a.headerN = 0

		case stateAccumulatingHeader:
			n := copy(a.header[a.headerN:], chunk[idx:])
			idx += n
			a.headerN += n
			if a.headerN < wire.HeaderLen {
				// wait for next read
				return nil
			}

			h, err := wire.DecodeHeader(a.header[:])
			if err != nil {
				return err
			}

			a.current = h
			a.frame = make([]byte, h.FrameLen())
			copy(a.frame, a.header[:])
			a.frameN = wire.HeaderLen
			a.state = stateAccumulatingPayload

			if h.Length == 0 {
				a.complete(emit)
			}

		case stateAccumulatingPayload:
			n := copy(a.frame[a.frameN:], chunk[idx:])
			idx += n
			a.frameN += n
			if a.frameN == len(a.frame) {
				a.complete(emit)
			}
		}
	}

	return nil
}

func (a *Assembler) complete(emit func(wire.Header, []byte)) {
	h := a.current
	frame := a.frame

	a.state = stateIdle
	a.headerN = 0
	a.current = wire.Header{}
	a.frame = nil
	a.frameN = 0

	if h.Type == wire.TypeUnrecognized {
		return
	}
	emit(h, frame[wire.HeaderLen:])
}

// Pending reports whether a partial frame is buffered.
func (a *Assembler) Pending() bool {
	return a.state != stateIdle
}
