package events

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	natsserver "github.com/nats-io/nats-server/v2/server"
)

// EmbeddedBroker wraps an in-process nats-server instance, used when no
// external NATS_URL is configured (see internal/config.Config.NATSURL).
type EmbeddedBroker struct {
	server *natsserver.Server
	conn   *nats.Conn
}

// StartEmbedded boots an in-process NATS server on a random port and
// returns a connected client.
func StartEmbedded() (*EmbeddedBroker, error) {
	ns, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		return nil, fmt.Errorf("events: start embedded nats-server: %w", err)
	}
	ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("events: embedded nats-server did not become ready")
	}
	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("events: connect to embedded nats-server: %w", err)
	}
	return &EmbeddedBroker{server: ns, conn: nc}, nil
}

// Conn returns the NATS client connected to this embedded broker.
func (b *EmbeddedBroker) Conn() *nats.Conn { return b.conn }

// Shutdown closes the client connection and stops the embedded server.
func (b *EmbeddedBroker) Shutdown() {
	b.conn.Close()
	b.server.Shutdown()
}

// Dial connects to an externally managed NATS server, used when
// internal/config.Config.NATSURL is set instead of embedding one.
func Dial(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("events: connect to nats at %s: %w", url, err)
	}
	return nc, nil
}
