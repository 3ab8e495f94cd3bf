package config_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/plaenen/equbledger/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.LoadFrom(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, "equbd", cfg.ServiceName)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, config.LockMemory, cfg.LockBackend)
	assert.Equal(t, 30*time.Second, cfg.LockTTL)
	assert.Equal(t, 5*time.Second, cfg.FutureTolerance)
	assert.Equal(t, 5*time.Minute, cfg.VerifyInterval)
	assert.Empty(t, cfg.DatabaseDSN)
	assert.False(t, cfg.NeedsNATS())
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := config.LoadFrom(map[string]string{
		"EQUB_LOG_LEVEL":        "DEBUG",
		"EQUB_LOCK_BACKEND":     "nats",
		"EQUB_FUTURE_TOLERANCE": "2s",
		"EQUB_DATABASE_DSN":     "/var/lib/equb/ledger.db",
		"EQUB_ARCHIVE_URL":      "mem://",
	})
	require.NoError(t, err)

	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, 2*time.Second, cfg.FutureTolerance)
	assert.Equal(t, "/var/lib/equb/ledger.db", cfg.DatabaseDSN)
	assert.True(t, cfg.NeedsNATS())
}

func TestLoadRejectsInvalid(t *testing.T) {
	for name, environ := range map[string]map[string]string{
		"LockBackend":  {"EQUB_LOCK_BACKEND": "zookeeper"},
		"LogFormat":    {"EQUB_LOG_FORMAT": "xml"},
		"Duration":     {"EQUB_LOCK_TTL": "soon"},
		"SampleRate":   {"EQUB_TRACE_SAMPLE_RATE": "2"},
		"KeeperNoBlob": {"EQUB_ARCHIVE_KEEPER_URL": "base64key://"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := config.LoadFrom(environ)
			assert.Error(t, err)
		})
	}
}
