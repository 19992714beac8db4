package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialize_YamlFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backhaul.yaml")
	yaml := `
log_json: true
state_db: /var/lib/backhaul/state.db
agent:
  endpoint: backups.internal:8443
  auth_token: sekrit
  work_dir: /var/tmp/backhaul
  backups:
    - name: nightly
      data_dir: /var/lib/mysql
      service: mysqld
      host: 127.0.0.1
      user: backup
      compression: zstd
      schedule: "0 2 * * *"
    - name: paused
      data_dir: /var/lib/mysql2
      active: false
receiver:
  listen: ":9443"
  auth_tokens: [sekrit]
  spool_dir: /var/spool/backhaul
  target_dir: /srv/backups
notifications:
  slack:
    webhook_url: https://hooks.slack.example/x
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	require.NoError(t, Initialize(path))

	cfg := Get()
	assert.True(t, cfg.LogJSON)
	assert.Equal(t, "/var/lib/backhaul/state.db", cfg.StateDB)
	assert.Equal(t, "backups.internal:8443", cfg.Agent.Endpoint)
	require.Len(t, cfg.Agent.Backups, 2)
	assert.True(t, cfg.Agent.Backups[0].IsActive())
	assert.False(t, cfg.Agent.Backups[1].IsActive())
	assert.Equal(t, "0 2 * * *", cfg.Agent.Backups[0].Schedule)
	assert.Equal(t, ":9443", cfg.Receiver.Listen)
	assert.Equal(t, []string{"sekrit"}, cfg.Receiver.AuthTokens)
	assert.Equal(t, "https://hooks.slack.example/x", cfg.Notifications.Slack.WebhookURL)

	// Defaults applied where the file is silent.
	assert.Equal(t, 1, cfg.Agent.MaxConcurrentRuns)
	assert.Equal(t, 128, cfg.Receiver.MaxChunkMB)
	assert.Equal(t, "72h", cfg.Receiver.TokenMaxAge)
	assert.Equal(t, "30s", cfg.Agent.VerifyTimeout)
	assert.Equal(t, Chunking{MinChunkMB: 1, MaxChunkMB: 64, TargetChunks: 64}, cfg.Agent.Chunking)
	assert.Equal(t, Retry{MaxAttempts: 5, BaseDelay: "500ms", MaxDelay: "30s", Jitter: true, Timeout: "2m"}, cfg.Agent.Retry)
}

func TestInitialize_TransferTuning(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backhaul.yaml")
	yaml := `
agent:
  verify_timeout: 90s
  chunking:
    min_chunk_mb: 4
    max_chunk_mb: 32
    target_chunks: 16
  retry:
    max_attempts: 8
    base_delay: 250ms
    max_delay: 10s
    jitter: false
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	require.NoError(t, Initialize(path))

	cfg := Get()
	assert.Equal(t, "90s", cfg.Agent.VerifyTimeout)
	assert.Equal(t, Chunking{MinChunkMB: 4, MaxChunkMB: 32, TargetChunks: 16}, cfg.Agent.Chunking)
	assert.Equal(t, 8, cfg.Agent.Retry.MaxAttempts)
	assert.Equal(t, "250ms", cfg.Agent.Retry.BaseDelay)
	assert.False(t, cfg.Agent.Retry.Jitter)
	// A section override keeps the other defaults.
	assert.Equal(t, "2m", cfg.Agent.Retry.Timeout)
}

func TestInitialize_EnvOverride(t *testing.T) {
	t.Setenv("BACKHAUL_STATE_DB", "/tmp/override.db")
	require.NoError(t, Initialize(""))
	assert.Equal(t, "/tmp/override.db", Get().StateDB)
}

func TestInitialize_ExplicitMissingFileFails(t *testing.T) {
	err := Initialize(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
