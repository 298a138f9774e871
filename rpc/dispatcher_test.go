package rpc

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Meander-Cloud/go-policyd/message"
)

func envelope(t *testing.T, call message.CallID, method message.Method, data any) *message.Envelope {
	env, err := message.NewEnvelope(call, method, data)
	require.NoError(t, err)
	return env
}

func TestDispatchSeparatesTables(t *testing.T) {
	d := NewDispatcher(t.Name())

	var got []string
	d.RegisterRequest(message.CallFilterStatus, func(Conn, *message.Envelope) bool {
		got = append(got, "request")
		return true
	})
	d.RegisterSend(message.CallFilterStatus, func(Conn, *message.Envelope) bool {
		got = append(got, "send")
		return true
	})

	assert.True(t, d.Dispatch(nil, envelope(t, message.CallFilterStatus, message.MethodSend, nil)))
	assert.True(t, d.Dispatch(nil, envelope(t, message.CallFilterStatus, message.MethodRequest, nil)))
	assert.Equal(t, []string{"send", "request"}, got)
}

func TestRegisterReplaces(t *testing.T) {
	d := NewDispatcher(t.Name())

	first, second := 0, 0
	d.RegisterRequest(message.CallSynchronizeSettings, func(Conn, *message.Envelope) bool { first++; return true })
	d.RegisterRequest(message.CallSynchronizeSettings, func(Conn, *message.Envelope) bool { second++; return true })

	require.True(t, d.Dispatch(nil, envelope(t, message.CallSynchronizeSettings, message.MethodRequest, nil)))
	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)
}

func TestDispatchUnknown(t *testing.T) {
	d := NewDispatcher(t.Name())

	assert.False(t, d.Dispatch(nil, envelope(t, message.CallUpdateAvailable, message.MethodSend, nil)))
	assert.False(t, d.Dispatch(nil, &message.Envelope{ID: uuid.New(), Call: message.CallUpdateAvailable, Method: message.MethodInvalid}))
}

func TestHandlerReturnValuePropagates(t *testing.T) {
	d := NewDispatcher(t.Name())
	d.RegisterSend(message.CallRelaxedPolicy, func(Conn, *message.Envelope) bool { return false })

	assert.False(t, d.Dispatch(nil, envelope(t, message.CallRelaxedPolicy, message.MethodSend, nil)))
}

func TestTypedHandlerDecodes(t *testing.T) {
	d := NewDispatcher(t.Name())

	var got *message.BlockAction
	RegisterResponseHandler(d, message.CallBlockAction, func(_ Conn, _ *message.Envelope, b *message.BlockAction) bool {
		got = b
		return true
	})

	sent := &message.BlockAction{
		Type:       message.BlockTypeRequest,
		Resource:   "https://example.com/",
		Category:   "ads",
		CategoryID: 7,
		Time:       1700000000000,
	}
	require.True(t, d.Dispatch(nil, envelope(t, message.CallBlockAction, message.MethodSend, sent)))
	assert.Equal(t, sent, got)
}

func TestTypedHandlerDecodeFailure(t *testing.T) {
	d := NewDispatcher(t.Name())

	invoked := false
	RegisterRequestHandler(d, message.CallRequestConfiguration, func(Conn, *message.Envelope, *message.ConfigurationSnapshot) bool {
		invoked = true
		return true
	})

	// a string cannot decode into a struct
	bad := envelope(t, message.CallRequestConfiguration, message.MethodRequest, "not a snapshot")
	assert.False(t, d.Dispatch(nil, bad))

	// neither can an empty payload
	empty := envelope(t, message.CallRequestConfiguration, message.MethodRequest, nil)
	assert.False(t, d.Dispatch(nil, empty))

	assert.False(t, invoked)
}
