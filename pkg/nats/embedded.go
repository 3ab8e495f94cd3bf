package nats

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// EmbeddedServer wraps an in-process NATS server with JetStream enabled.
type EmbeddedServer struct {
	server *server.Server
	url    string
}

type embeddedConfig struct {
	host     string
	port     int
	storeDir string
	ready    time.Duration
}

// EmbeddedOption configures StartEmbeddedServer.
type EmbeddedOption func(*embeddedConfig)

// WithListen sets host and port. Port -1 picks a random free port.
func WithListen(host string, port int) EmbeddedOption {
	return func(c *embeddedConfig) {
		c.host = host
		c.port = port
	}
}

// WithStoreDir sets the JetStream storage directory. Empty uses a temp dir.
func WithStoreDir(dir string) EmbeddedOption {
	return func(c *embeddedConfig) {
		c.storeDir = dir
	}
}

// StartEmbeddedServer starts an embedded NATS server with JetStream enabled.
func StartEmbeddedServer(opts ...EmbeddedOption) (*EmbeddedServer, error) {
	cfg := embeddedConfig{
		host:  "127.0.0.1",
		port:  -1, // Random port
		ready: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s, err := server.NewServer(&server.Options{
		Host:      cfg.host,
		Port:      cfg.port,
		JetStream: true,
		StoreDir:  cfg.storeDir,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded server: %w", err)
	}

	go s.Start()

	if !s.ReadyForConnections(cfg.ready) {
		s.Shutdown()
		return nil, fmt.Errorf("embedded server not ready after %s", cfg.ready)
	}

	return &EmbeddedServer{
		server: s,
		url:    s.ClientURL(),
	}, nil
}

// URL returns the connection URL for the embedded server.
func (e *EmbeddedServer) URL() string {
	return e.url
}

// Connect opens a client connection and JetStream context to the server.
func (e *EmbeddedServer) Connect() (*nats.Conn, nats.JetStreamContext, error) {
	cfg := DefaultConnConfig()
	cfg.URL = e.url
	return Connect(cfg)
}

// Shutdown stops the embedded server.
func (e *EmbeddedServer) Shutdown() {
	if e.server != nil {
		e.server.Shutdown()
		e.server.WaitForShutdown()
	}
}
