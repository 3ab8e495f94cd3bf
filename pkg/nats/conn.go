// Package nats provides the NATS JetStream backends of the ledger: a
// cross-instance aggregate locker on a key-value bucket, an abort event
// publisher, and an embedded server for single-node deployments and tests.
package nats

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// ConnConfig holds connection settings.
type ConnConfig struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222")
	URL string

	// Name is the client name for connection identification
	Name string

	// Credentials for authentication (optional)
	Token string
	User  string
	Pass  string

	MaxReconnects int
	ReconnectWait time.Duration

	Logger *slog.Logger
}

// DefaultConnConfig returns sensible defaults.
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		URL:           nats.DefaultURL,
		Name:          "equbledger",
		MaxReconnects: 60,
		ReconnectWait: 2 * time.Second,
	}
}

// Connect opens a connection and a JetStream context on it.
func Connect(cfg ConnConfig) (*nats.Conn, nats.JetStreamContext, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	} else if cfg.User != "" && cfg.Pass != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Pass))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return nc, js, nil
}
