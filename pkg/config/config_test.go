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
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n    url: https://chat.internal\n"))
	require.NoError(t, err)

	assert.Equal(t, "https://chat.internal", cfg.Server.URL)
	assert.Equal(t, time.Second, cfg.Server.ReconnectBaseDelay)
	assert.Equal(t, 5*time.Second, cfg.Server.ReconnectMaxDelay)
	assert.Equal(t, 10, cfg.Server.ReconnectAttempts)
	assert.Equal(t, 30, cfg.Sync.PageSize)
	assert.Equal(t, 50, cfg.Sync.ResyncPageSize)
	assert.Equal(t, 6, cfg.Sync.DecryptBudget)
	assert.Equal(t, 7, cfg.Cache.RetentionDays)
	assert.NotEmpty(t, cfg.Logging.Writers)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
    url: https://chat.internal
    reconnect_base_delay: 250ms
    reconnect_attempts: 3
sync:
    page_size: 100
cache:
    path: /tmp/c.db
    retention_days: 30
`))
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.Server.ReconnectBaseDelay)
	assert.Equal(t, 3, cfg.Server.ReconnectAttempts)
	assert.Equal(t, 100, cfg.Sync.PageSize)
	assert.Equal(t, "/tmp/c.db", cfg.Cache.Path)
	assert.Equal(t, 30, cfg.Cache.RetentionDays)
}

func TestLoadMissingURL(t *testing.T) {
	_, err := Load(writeConfig(t, "sync:\n    page_size: 10\n"))
	require.Error(t, err)
}

func TestExampleConfigParses(t *testing.T) {
	cfg, err := Load(writeConfig(t, ExampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "https://messenger.example.com", cfg.Server.URL)
}
