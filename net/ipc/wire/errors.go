package wire

import (
	"errors"
	"fmt"
)

// ErrorCode identifies why a frame was rejected.
type ErrorCode uint16

const (
	ErrCodeUnknown        ErrorCode = 0
	ErrCodeShortBuffer    ErrorCode = 1001
	ErrCodeBadMagic       ErrorCode = 1002
	ErrCodeFrameTooLarge  ErrorCode = 1003
	ErrCodeLengthMismatch ErrorCode = 1004
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeShortBuffer:
		return "Short Buffer"
	case ErrCodeBadMagic:
		return "Bad Magic"
	case ErrCodeFrameTooLarge:
		return "Frame Too Large"
	case ErrCodeLengthMismatch:
		return "Length Mismatch"
	default:
		return "Unknown Error"
	}
}

// ProtocolError is the only error type returned by the codec.
type ProtocolError struct {
	Code ErrorCode
	Msg  string
}

func (e *ProtocolError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("wire error (%d): %s", e.Code, e.Code)
	}
	return fmt.Sprintf("wire error (%d): %s", e.Code, e.Msg)
}

func NewError(code ErrorCode, msg string) *ProtocolError {
	return &ProtocolError{
		Code: code,
		Msg:  msg,
	}
}

func IsProtocolError(err error) (*ProtocolError, bool) {
	if err == nil {
		return nil, false
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
