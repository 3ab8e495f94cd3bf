// Package config loads the daemon configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
)

// Lock backends.
const (
	LockMemory = "memory"
	LockNATS   = "nats"
	LockRedis  = "redis"
)

// Config is the process configuration of equbd.
type Config struct {
	ServiceName string     `env:"EQUB_SERVICE_NAME" envDefault:"equbd"`
	Version     string     `env:"EQUB_VERSION" envDefault:"dev"`
	Environment string     `env:"EQUB_ENVIRONMENT" envDefault:"dev"`
	LogLevel    slog.Level `env:"EQUB_LOG_LEVEL" envDefault:"INFO"`
	LogFormat   string     `env:"EQUB_LOG_FORMAT" envDefault:"json"`

	// DatabaseDSN is a SQLite file path. Empty keeps the ledger in memory.
	DatabaseDSN string `env:"EQUB_DATABASE_DSN"`

	LockBackend     string        `env:"EQUB_LOCK_BACKEND" envDefault:"memory"`
	LockTTL         time.Duration `env:"EQUB_LOCK_TTL" envDefault:"30s"`
	FutureTolerance time.Duration `env:"EQUB_FUTURE_TOLERANCE" envDefault:"5s"`

	// NATSURL points at an external server. Empty starts an embedded one
	// when NATS is needed.
	NATSURL       string `env:"EQUB_NATS_URL"`
	NATSStoreDir  string `env:"EQUB_NATS_STORE_DIR"`
	PublishAborts bool   `env:"EQUB_PUBLISH_ABORTS" envDefault:"false"`

	RedisAddr string `env:"EQUB_REDIS_ADDR" envDefault:"localhost:6379"`

	VerifyInterval  time.Duration `env:"EQUB_VERIFY_INTERVAL" envDefault:"5m"`
	ShutdownTimeout time.Duration `env:"EQUB_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// ArchiveURL is a gocloud bucket URL such as mem:// or file:///var/lib/equb.
	ArchiveURL string `env:"EQUB_ARCHIVE_URL"`

	// ArchiveKeeperURL seals archives, e.g. base64key://<key>.
	ArchiveKeeperURL string `env:"EQUB_ARCHIVE_KEEPER_URL"`

	StoreSpans      bool          `env:"EQUB_STORE_SPANS" envDefault:"false"`
	SpanRetention   time.Duration `env:"EQUB_SPAN_RETENTION" envDefault:"168h"`
	TraceSampleRate float64       `env:"EQUB_TRACE_SAMPLE_RATE" envDefault:"1.0"`
}

// Load parses the process environment.
func Load() (Config, error) {
	return parse(env.Options{})
}

// LoadFrom parses environ instead of the process environment.
func LoadFrom(environ map[string]string) (Config, error) {
	return parse(env.Options{Environment: environ})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values env tags cannot express.
func (c Config) Validate() error {
	switch c.LockBackend {
	case LockMemory, LockNATS, LockRedis:
	default:
		return fmt.Errorf("EQUB_LOCK_BACKEND must be memory, nats or redis, got %q", c.LockBackend)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("EQUB_LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("EQUB_LOCK_TTL must be positive")
	}
	if c.FutureTolerance < 0 {
		return fmt.Errorf("EQUB_FUTURE_TOLERANCE must not be negative")
	}
	if c.VerifyInterval <= 0 {
		return fmt.Errorf("EQUB_VERIFY_INTERVAL must be positive")
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("EQUB_TRACE_SAMPLE_RATE must be within [0, 1]")
	}
	if c.ArchiveKeeperURL != "" && c.ArchiveURL == "" {
		return fmt.Errorf("EQUB_ARCHIVE_KEEPER_URL requires EQUB_ARCHIVE_URL")
	}
	return nil
}

// NeedsNATS reports whether the daemon has to connect to NATS.
func (c Config) NeedsNATS() bool {
	return c.LockBackend == LockNATS || c.PublishAborts
}
