package control

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/Meander-Cloud/go-policyd/config"
	"github.com/Meander-Cloud/go-policyd/message"
	ip "github.com/Meander-Cloud/go-policyd/net/ipc/protocol"
	"github.com/Meander-Cloud/go-policyd/rpc"
)

// ConsoleHandler receives service notifications on the console's read loop
// goroutine.
type ConsoleHandler interface {
	ConnectionChanged(connected bool)
	StatusChanged(*message.StatusUpdate)
	BlockAction(*message.BlockAction)
	ConfigurationUpdated(*message.ConfigurationUpdate)
	ConfigurationPushed(*message.ConfigurationSnapshot)
	UpdateAvailable(*message.UpdateAvailable)
	RelaxedPolicyChanged(*message.RelaxedPolicyState)
	TimeRestrictionChanged(*message.TimeRestrictionState)
}

// Console is the interactive side of the local channel.
type Console struct {
	c       *config.Config
	handler ConsoleHandler
	client  *ip.Client
	node    *rpc.Node
}

func NewConsole(c *config.Config, handler ConsoleHandler) (*Console, error) {
	err := c.Validate()
	if err != nil {
		return nil, err
	}

	if handler == nil {
		err := fmt.Errorf("%s: nil ConsoleHandler", c.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	p := &Console{
		c:       c,
		handler: handler,
		client:  nil,
		node: rpc.NewNode(
			&rpc.NodeOptions{
				Tracker: &rpc.TrackerOptions{
					MaxRetries:   c.GetRequestMaxRetries(),
					DiscardAfter: c.GetRequestDiscardAfter(),
					AbandonAfter: c.GetRequestAbandonAfter(),
					LogPrefix:    fmt.Sprintf("%s-Tracker", c.LogPrefix),
					LogDebug:     c.LogDebug,
				},
				LogPrefix: fmt.Sprintf("%s-Rpc", c.LogPrefix),
				LogDebug:  c.LogDebug,
			},
		),
	}

	p.client, err = ip.NewClient(
		&ip.ClientOptions{
			PortFile:          c.PortFile,
			DefaultPort:       c.GetDefaultPort(),
			DialTimeout:       c.GetTcpDialTimeout(),
			KeepAliveInterval: c.GetTcpKeepAliveInterval(),

			ReconnectEnabled:  c.ReconnectEnabled,
			ReconnectAttempts: c.GetReconnectAttempts(),
			ReconnectDelay:    c.GetReconnectDelay(),

			ClientHandler: p,

			LogPrefix: fmt.Sprintf("%s-Client", c.LogPrefix),
			LogDebug:  c.LogDebug,
		},
	)
	if err != nil {
		return nil, err
	}

	d := p.node.Dispatcher()
	rpc.RegisterResponseHandler(d, message.CallFilterStatus, notify(handler.StatusChanged))
	rpc.RegisterResponseHandler(d, message.CallBlockAction, notify(handler.BlockAction))
	rpc.RegisterResponseHandler(d, message.CallConfigurationUpdate, notify(handler.ConfigurationUpdated))
	rpc.RegisterResponseHandler(d, message.CallConfigurationPush, notify(handler.ConfigurationPushed))
	rpc.RegisterResponseHandler(d, message.CallUpdateAvailable, notify(handler.UpdateAvailable))
	rpc.RegisterResponseHandler(d, message.CallRelaxedPolicy, notify(handler.RelaxedPolicyChanged))
	rpc.RegisterResponseHandler(d, message.CallTimeRestriction, notify(handler.TimeRestrictionChanged))

	return p, nil
}

func notify[T any](f func(*T)) func(rpc.Conn, *message.Envelope, *T) bool {
	return func(_ rpc.Conn, _ *message.Envelope, data *T) bool {
		f(data)
		return true
	}
}

// Start connects to the service; readiness follows asynchronously.
func (p *Console) Start(ctx context.Context) error {
	return p.client.Connect(ctx)
}

func (p *Console) WaitForConnection(timeout time.Duration) bool {
	return p.client.WaitForConnection(timeout)
}

func (p *Console) IsConnected() bool {
	return p.client.IsConnected()
}

// Close must not be called from a ConsoleHandler callback.
func (p *Console) Close() {
	p.client.Close() // wait
}

// Pending is the number of requests still awaiting a reply.
func (p *Console) Pending() int {
	return p.node.Tracker().Len()
}

// SynchronizeSettings asks the service to run a refresh cycle. A request
// issued while disconnected is sent once the connection is re-established.
func (p *Console) SynchronizeSettings(cb func(*message.ConfigCheckInfo)) (uuid.UUID, error) {
	return p.request(message.CallSynchronizeSettings, rpc.OnReply(cb))
}

func (p *Console) RequestConfiguration(cb func(*message.ConfigurationSnapshot)) (uuid.UUID, error) {
	return p.request(message.CallRequestConfiguration, rpc.OnReply(cb))
}

func (p *Console) QueryStatus(cb func(*message.StatusUpdate)) (uuid.UUID, error) {
	return p.request(message.CallFilterStatus, rpc.OnReply(cb))
}

func (p *Console) request(call message.CallID, cb rpc.Callback) (uuid.UUID, error) {
	id, err := p.node.Request(p.client, call, nil, cb)
	if err != nil && id != uuid.Nil {
		// tracked, RetryAll resends on the next Connected
		log.Printf("%s: %s queued until connected, err=%s", p.c.LogPrefix, call, err.Error())
		return id, nil
	}
	return id, err
}

func (p *Console) Connected(_ *ip.Client, session *ip.Session) {
	log.Printf("%s: %s: connected to service", p.c.LogPrefix, session.Descriptor)
	p.node.RetryAll(p.client)
	p.handler.ConnectionChanged(true)
}

func (p *Console) Disconnected(_ *ip.Client, session *ip.Session, err error) {
	if err != nil {
		log.Printf("%s: %s: disconnected from service, err=%s", p.c.LogPrefix, session.Descriptor, err.Error())
	} else {
		log.Printf("%s: %s: disconnected from service", p.c.LogPrefix, session.Descriptor)
	}
	p.handler.ConnectionChanged(false)
}

func (p *Console) MessageReceived(_ *ip.Client, _ *ip.Session, payload []byte) {
	p.node.HandleMessage(p.client, payload)
}
