// ABOUTME: Tests for configuration loading, env expansion and duration parsing.
// ABOUTME: Uses temp files to exercise the full Load path.

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
	path := filepath.Join(t.TempDir(), "fleetgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("parses a complete config", func(t *testing.T) {
		path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
  name: "fleetgate-eu"
database:
  path: "/tmp/fleetgate.db"
commands:
  default_timeout: "90s"
watchlist:
  restart_timeout: "10s"
  cooldown: "30s"
logging:
  level: "debug"
  format: "json"
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "localhost:8080", cfg.Server.HTTPAddr)
		assert.Equal(t, "fleetgate-eu", cfg.Server.Name)
		assert.Equal(t, 90*time.Second, cfg.Commands.DefaultTimeout)
		assert.Equal(t, 10*time.Second, cfg.Watchlist.RestartTimeout)
		assert.Equal(t, 30*time.Second, cfg.Watchlist.Cooldown)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("applies timing defaults", func(t *testing.T) {
		path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: "/tmp/fleetgate.db"
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 60*time.Second, cfg.Commands.DefaultTimeout)
		assert.Equal(t, 15*time.Second, cfg.Watchlist.RestartTimeout)
		assert.Equal(t, 20*time.Second, cfg.Watchlist.Cooldown)
		assert.Equal(t, "fleetgate", cfg.Server.Name)
	})

	t.Run("expands environment variables", func(t *testing.T) {
		t.Setenv("FLEETGATE_TEST_DB", "/var/lib/fleetgate/test.db")
		path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: "${FLEETGATE_TEST_DB}"
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "/var/lib/fleetgate/test.db", cfg.Database.Path)
	})

	t.Run("rejects missing http_addr", func(t *testing.T) {
		path := writeConfig(t, `
database:
  path: "/tmp/fleetgate.db"
`)
		_, err := Load(path)
		assert.ErrorContains(t, err, "server.http_addr")
	})

	t.Run("rejects bad duration", func(t *testing.T) {
		path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: "/tmp/fleetgate.db"
commands:
  default_timeout: "ninety seconds"
`)
		_, err := Load(path)
		assert.ErrorContains(t, err, "default_timeout")
	})
}
