// Package natsserver runs an in-process NATS broker so a single booth can
// publish results and heartbeats without a separately deployed broker.
// Bind it to a lab-network address to let other machines watch.
package natsserver

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/mooretm/yes-no/internal/config"
)

const readyTimeout = 5 * time.Second

// EmbeddedServer wraps an in-process NATS server.
type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start runs a broker on cfg.EmbeddedHost when cfg.Embedded is set. It
// returns nil, nil otherwise.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}
	host := cfg.EmbeddedHost
	if host == "" {
		host = "127.0.0.1"
	}
	return Listen(host, cfg.Port, log)
}

// Listen runs a broker on host:port. Port -1 picks a free port.
func Listen(host string, port int, log *slog.Logger) (*EmbeddedServer, error) {
	opts := &server.Options{
		Host:   host,
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server failed to start within %s", readyTimeout)
	}

	log = log.With(slog.String("component", "natsserver"))
	log.Info("embedded NATS server started", slog.String("url", ns.ClientURL()))

	return &EmbeddedServer{
		ns:  ns,
		log: log,
	}, nil
}

// Clients is the number of open client connections.
func (e *EmbeddedServer) Clients() int {
	return e.ns.NumClients()
}

// ClientURL is the address clients connect to.
func (e *EmbeddedServer) ClientURL() string {
	return e.ns.ClientURL()
}

// Shutdown stops the server and waits for it to exit.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
