package model

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, 10*time.Second, cfg.Sync.ReconnectInterval)
	assert.Equal(t, 5*time.Second, cfg.Outbox.CheckInterval)
	assert.Equal(t, 25, cfg.IMAP.UpdateBatchSize)
	assert.Equal(t, []string{`\.gmail\.com$`, `\.googlemail\.com$`}, cfg.Sync.IgnoreUploadOnSent)
}

func TestSaveAndLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultAppConfig()
	cfg.Account.EmailAddress = "me@example.com"
	cfg.IMAP.Host = "imap.example.com"
	cfg.SMTP.Host = "smtp.example.com"
	cfg.Store.Backend = "badger"
	cfg.Outbox.CheckInterval = 30 * time.Second

	require.NoError(t, SaveConfig(path, cfg))

	got, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "me@example.com", got.Account.EmailAddress)
	assert.Equal(t, "imap.example.com", got.IMAP.Host)
	assert.Equal(t, "me@example.com", got.IMAP.Username)
	assert.Equal(t, "badger", got.Store.Backend)
	assert.Equal(t, 30*time.Second, got.Outbox.CheckInterval)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("MAILSYNC_IMAP_HOST", "env.example.com")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "env.example.com", cfg.IMAP.Host)
}
