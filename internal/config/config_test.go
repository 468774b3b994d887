// ABOUTME: Tests for config loading, env expansion, and validation

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
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 127.0.0.1
  port: 9090
database:
  path: /tmp/swarm-test.db
registry:
  port_range_start: 9100
  port_range_end: 9199
router:
  per_set_round_robin: true
health:
  interval: 15s
manager:
  restart_interval: 5s
logging:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/tmp/swarm-test.db", cfg.Database.Path)
	assert.Equal(t, 9100, cfg.Registry.PortRangeStart)
	assert.True(t, cfg.Router.PerSetRoundRobin)
	assert.Equal(t, 15*time.Second, cfg.Health.IntervalDur)
	assert.Equal(t, 5*time.Second, cfg.Manager.RestartIntervalDur)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "swarm-manager.db", cfg.Database.Path)
	assert.Equal(t, 30*time.Second, cfg.Health.IntervalDur)
	assert.Equal(t, 8100, cfg.Registry.PortRangeStart)
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("SWARM_TEST_DB", "/var/lib/swarm.db")

	path := writeConfig(t, `
database:
  path: ${SWARM_TEST_DB}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/swarm.db", cfg.Database.Path)
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
		errSub  string
	}{
		{"bad port", "server:\n  port: 99999\n", "server.port"},
		{"inverted range", "registry:\n  port_range_start: 9000\n  port_range_end: 8000\n", "port_range_start"},
		{"tailscale without hostname", "tailscale:\n  enabled: true\n", "tailscale.hostname"},
		{"bad log format", "logging:\n  format: xml\n", "logging.format"},
		{"bad duration", "health:\n  interval: soon\n", "health.interval"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errSub)
		})
	}
}

func TestMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
}
