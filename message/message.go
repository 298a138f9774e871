package message

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

type Method uint8

const (
	MethodInvalid Method = 0
	MethodRequest Method = 1
	MethodSend    Method = 2
)

func (m Method) String() string {
	switch m {
	case MethodInvalid:
		return "Invalid Method"
	case MethodRequest:
		return "Request"
	case MethodSend:
		return "Send"
	default:
		return "Unknown Method"
	}
}

// Envelope is the logical message carried inside a frame payload.
// A nil ReplyToID means the envelope is not a reply.
type Envelope struct {
	ID        uuid.UUID          `json:"id" msgpack:"id"`
	ReplyToID uuid.UUID          `json:"reply_to_id" msgpack:"reply_to_id"`
	Call      CallID             `json:"call" msgpack:"call"`
	Method    Method             `json:"method" msgpack:"method"`
	Data      msgpack.RawMessage `json:"data,omitempty" msgpack:"data,omitempty"`
}

func NewEnvelope(call CallID, method Method, data any) (*Envelope, error) {
	env := &Envelope{
		ID:        uuid.New(),
		ReplyToID: uuid.Nil,
		Call:      call,
		Method:    method,
		Data:      nil,
	}

	if data != nil {
		raw, err := msgpack.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("call=%s: failed to encode data, err=%w", call, err)
		}
		env.Data = raw
	}

	return env, nil
}

func (e *Envelope) IsReply() bool {
	return e.ReplyToID != uuid.Nil
}

// DecodeData unmarshals the envelope payload into out.
func (e *Envelope) DecodeData(out any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("call=%s id=%s: empty data", e.Call, e.ID)
	}
	return msgpack.Unmarshal(e.Data, out)
}

func (e *Envelope) String() string {
	return fmt.Sprintf(
		"{id=%s replyTo=%s call=%s method=%s data=%dB}",
		e.ID,
		e.ReplyToID,
		e.Call,
		e.Method,
		len(e.Data),
	)
}

func Marshal(env *Envelope) ([]byte, error) {
	return msgpack.Marshal(env)
}

func Unmarshal(buf []byte) (*Envelope, error) {
	env := new(Envelope)
	err := msgpack.Unmarshal(buf, env)
	if err != nil {
		return nil, err
	}
	return env, nil
}
