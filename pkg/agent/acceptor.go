package agent

import (
	"errors"
	"net"

	"github.com/cuemby/burrow/pkg/eventloop"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/protocol"
	"github.com/cuemby/burrow/pkg/transport"
)

// doAccept issues one accept. The result is handled on the control loop, which
// issues the next accept.
func (a *Agent) doAccept() {
	go func() {
		c, err := a.listener.Accept()
		a.loop.Post("NodeAgent.HandleAccept", func(t eventloop.Token) {
			a.handleAccept(t, c, err)
		})
	}()
}

func (a *Agent) handleAccept(t eventloop.Token, c net.Conn, err error) {
	t.Assert()

	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			a.logger.Info().Msg("Local socket closed, no longer accepting connections")
			close(a.acceptClosed)
			return
		}
		metrics.AcceptErrors.Inc()
		a.logger.Error().Err(err).Msg("Failed to accept worker connection")
		a.doAccept()
		return
	}

	if a.stopping.Load() {
		_ = c.Close()
		a.doAccept()
		return
	}

	metrics.ConnectionsAccepted.Inc()
	conn := transport.NewConnection(c, a.loop,
		a.nodeManager.ProcessClientMessage,
		a.nodeManager.HandleClientConnectionError,
		transport.Options{
			Name:           "worker",
			MaxPayloadSize: a.cfg.MaxPayloadSize,
			Catalog:        protocol.Catalog,
		},
	)
	a.logger.Debug().
		Uint64("conn_id", conn.ID()).
		Interface("remote", c.RemoteAddr()).
		Msg("Accepted worker connection")

	// the node manager keeps the connection alive from here on
	conn.ProcessMessages()
	a.doAccept()
}
