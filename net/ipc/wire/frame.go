// Package wire frames opaque payloads over a byte stream.
//
// Header layout, 8 bytes:
//
//	0    - magic sentinel
//	1    - reserved, zero
//	2    - frame type ordinal
//	3    - reserved, zero
//	4..7 - payload length, uint32 little endian
//
// The payload follows the header. The codec imposes no payload schema.
package wire

import (
	"encoding/binary"
	"fmt"
)

const (
	Magic         byte   = 0x59
	HeaderLen     int    = 8
	MaxPayloadLen uint32 = 16 << 20 // 16 MB

	lengthOffset int = 4
)

type Type uint8

const (
	TypeConnectionAccepted Type = 0
	TypeDisconnect         Type = 1
	TypeMessage            Type = 2
	TypeBroadcast          Type = 3

	// returned by the decoder for type values this build does not know
	TypeUnrecognized Type = 0xFF
)

func (t Type) String() string {
	switch t {
	case TypeConnectionAccepted:
		return "Connection Accepted"
	case TypeDisconnect:
		return "Disconnect"
	case TypeMessage:
		return "Message"
	case TypeBroadcast:
		return "Broadcast"
	case TypeUnrecognized:
		return "Unrecognized"
	default:
		return "Unknown Type"
	}
}

func IsValidType(t Type) bool {
	switch t {
	case TypeConnectionAccepted, TypeDisconnect, TypeMessage, TypeBroadcast:
		return true
	default:
		return false
	}
}

type Header struct {
	Type   Type
	Length uint32
}

// FrameLen is the total number of bytes the frame occupies on the wire.
func (h Header) FrameLen() int {
	return HeaderLen + int(h.Length)
}

func Encode(t Type, payload []byte) []byte {
	buf := make([]byte, HeaderLen+len(payload))
	PutHeader(buf, t, uint32(len(payload)))
	copy(buf[HeaderLen:], payload)
	return buf
}

// PutHeader writes the header into the first HeaderLen bytes of buf.
func PutHeader(buf []byte, t Type, length uint32) {
	buf[0] = Magic
	buf[1] = 0x00
	buf[2] = byte(t)
	buf[3] = 0x00
	binary.LittleEndian.PutUint32(buf[lengthOffset:HeaderLen], length)
}

// DecodeHeader reads only the header; copying the payload is the caller's job.
// Unknown type values decode as TypeUnrecognized without error so a newer peer
// can be ignored by an older one.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, NewError(ErrCodeShortBuffer, fmt.Sprintf("have %d bytes, need %d", len(buf), HeaderLen))
	}

	if buf[0] != Magic {
		return Header{}, NewError(ErrCodeBadMagic, fmt.Sprintf("header bytes %X", buf[:HeaderLen]))
	}

	length := binary.LittleEndian.Uint32(buf[lengthOffset:HeaderLen])
	if length > MaxPayloadLen {
		return Header{}, NewError(ErrCodeFrameTooLarge, fmt.Sprintf("payloadLen=%d", length))
	}

	t := Type(buf[2])
	if !IsValidType(t) {
		t = TypeUnrecognized
	}

	return Header{
		Type:   t,
		Length: length,
	}, nil
}

// Decode splits one complete frame into its type and payload.
func Decode(buf []byte) (Type, []byte, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return TypeUnrecognized, nil, err
	}

	if len(buf) != h.FrameLen() {
		return TypeUnrecognized, nil, NewError(ErrCodeLengthMismatch, fmt.Sprintf("have %d bytes, header says %d", len(buf), h.FrameLen()))
	}

	return h.Type, buf[HeaderLen:], nil
}
