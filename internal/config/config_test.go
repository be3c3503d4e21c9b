package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "log_level: debug\n"))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, DriverPostgres, cfg.Storage.Driver)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 3*time.Minute, cfg.Cascade.HeartbeatTimeout)
	assert.Equal(t, 30*time.Minute, cfg.Cascade.MaxAllocationDuration)
	assert.Equal(t, time.Duration(0), cfg.Cascade.DispatchInterval)
	assert.Equal(t, time.Minute, cfg.Cascade.ScheduleSyncInterval)
	assert.Equal(t, PolicyLeastLoaded, cfg.Cascade.SelectionPolicy)
	assert.Equal(t, 5*time.Second, cfg.Cascade.Probe.Timeout)
	assert.False(t, cfg.RabbitMQ.Enabled)
	assert.Equal(t, "cascade", cfg.RabbitMQ.Exchange)
}

func TestLoad_ExpandsEnv(t *testing.T) {
	t.Setenv("CASCADE_DB_PASSWORD", "s3cret")
	cfg, err := Load(writeConfig(t, `
database:
  host: db
  port: 5432
  user: cascade
  password: ${CASCADE_DB_PASSWORD}
  dbname: cascade
  sslmode: disable
cascade:
  heartbeat_timeout: 90s
  selection_policy: round_robin
`))
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.Database.Password)
	assert.Equal(t, 90*time.Second, cfg.Cascade.HeartbeatTimeout)
	assert.Equal(t, PolicyRoundRobin, cfg.Cascade.SelectionPolicy)
	assert.Contains(t, cfg.Database.DSN(), "password=s3cret")
}

func TestLoad_RejectsUnknownPolicy(t *testing.T) {
	_, err := Load(writeConfig(t, "cascade:\n  selection_policy: random\n"))
	assert.Error(t, err)
}

func TestLoad_RejectsUnknownDriver(t *testing.T) {
	_, err := Load(writeConfig(t, "storage:\n  driver: mysql\n"))
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}
