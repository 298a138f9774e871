package ipc

import (
	"fmt"
	"log"
	"net"
	"strconv"
	"time"

	"github.com/Meander-Cloud/go-transport/tcp"

	"github.com/Meander-Cloud/go-policyd/config"
	ip "github.com/Meander-Cloud/go-policyd/net/ipc/protocol"
)

const loopbackHost = "127.0.0.1"

// Listener owns the service side of the local channel: the go-transport
// accept loop, the protocol server it drives, and the published port file.
type Listener struct {
	c         *config.Config
	port      uint16
	protocol  *ip.Server
	tcpServer *tcp.TcpServer
}

func Listen(c *config.Config, sh ip.ServerHandler) (*Listener, error) {
	port, err := pickLoopbackPort()
	if err != nil {
		err = fmt.Errorf("%s: failed to pick loopback port, err=%w", c.LogPrefix, err)
		log.Printf("%s", err.Error())
		return nil, err
	}

	l := &Listener{
		c:         c,
		port:      port,
		protocol:  nil,
		tcpServer: nil,
	}

	defer func() {
		if err != nil {
			l.Shutdown() // wait
		}
	}()

	l.protocol, err = ip.NewServer(
		&ip.ServerOptions{
			Options: &tcp.Options{
				Address:           net.JoinHostPort(loopbackHost, strconv.Itoa(int(port))),
				KeepAliveInterval: c.GetTcpKeepAliveInterval(),
				KeepAliveCount:    c.GetTcpKeepAliveCount(),
				DialTimeout:       c.GetTcpDialTimeout(),
				ReconnectInterval: config.TcpReconnectInterval,
				ReconnectLogEvery: config.TcpReconnectLogEvery,
				Protocol:          nil,
				LogPrefix:         fmt.Sprintf("%s-Server", c.LogPrefix),
				LogDebug:          c.LogDebug,
			},
			ServerHandler: sh,
		},
	)
	if err != nil {
		return nil, err
	}
	l.protocol.Options().Protocol = l.protocol

	l.tcpServer, err = tcp.NewTcpServer(l.protocol.Options().Options)
	if err != nil {
		return nil, err
	}

	err = ip.WritePortFile(c.PortFile, port)
	if err != nil {
		return nil, err
	}
	log.Printf("%s: listening on %s:%d, published to %s", c.LogPrefix, loopbackHost, port, c.PortFile)

	return l, nil
}

// Shutdown removes the port file first so no new client discovers a closing
// server, then disconnects every session and stops accepting.
func (l *Listener) Shutdown() {
	ip.RemovePortFile(l.c.PortFile)

	if l.protocol != nil {
		l.protocol.Close()
	}

	if l.tcpServer != nil {
		l.tcpServer.Shutdown() // wait
	}

	<-time.After(time.Millisecond * 100)
}

func (l *Listener) Port() uint16 {
	return l.port
}

func (l *Listener) Server() *ip.Server {
	return l.protocol
}

// pickLoopbackPort asks the OS for a free ephemeral port; go-transport binds
// by address, so the probe listener is closed before handing the port over.
func pickLoopbackPort() (uint16, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(loopbackHost, "0"))
	if err != nil {
		return 0, err
	}
	defer ln.Close()

	addr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("unexpected listener address %s", ln.Addr().String())
	}
	return uint16(addr.Port), nil
}
