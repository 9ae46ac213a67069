package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, 200, cfg.Scheduler.BatchSize)
	assert.Equal(t, 10*time.Minute, cfg.Scheduler.WatchdogGrace)
	assert.Equal(t, 32, cfg.Rabbit.Prefetch)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  format: text
database:
  host: db.internal
  port: 5433
  password: hunter2
scheduler:
  interval: 10s
  batch_size: 50
senders:
  sms:
    gateway_url: https://sms.example.com/send
    rate_limit: 100
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 5433, cfg.Database.Port)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, 50, cfg.Scheduler.BatchSize)
	assert.Equal(t, "https://sms.example.com/send", cfg.Senders.SMS.GatewayURL)
	assert.Equal(t, 100.0, cfg.Senders.SMS.RateLimit)

	// Untouched sections keep their defaults.
	assert.Equal(t, ":9090", cfg.Server.MetricsAddr)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
database:
  host: from-file
`)
	t.Setenv("COURIER_DATABASE__HOST", "from-env")
	t.Setenv("COURIER_DATABASE__MAX_CONNS", "42")
	t.Setenv("COURIER_LOG__LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Database.Host)
	assert.Equal(t, int32(42), cfg.Database.MaxConns)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad log level", "log:\n  level: loud\n"},
		{"zero batch size", "scheduler:\n  batch_size: 0\n"},
		{"bad slack url", "slack:\n  webhook_url: not-a-url\n"},
		{"port out of range", "database:\n  port: 99999\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestDatabaseDSN(t *testing.T) {
	c := DatabaseConfig{
		Host: "db", Port: 5432, User: "u", Password: "p", Name: "courier", SSLMode: "disable",
	}
	assert.Equal(t, "postgres://u:p@db:5432/courier?sslmode=disable", c.DSN())
}
