package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarmq/log"
)

// TestMain initializes the test environment
func TestMain(m *testing.M) {
	log.Initialize()
	defer log.Close()

	code := m.Run()

	os.Exit(code)
}

func TestLoadDefaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "missing.yaml"))

	assert.Equal(t, 4, cfg.Queue.WorkerCount)
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
	assert.Equal(t, time.Second, cfg.Queue.BaseBackoff)
	assert.Equal(t, 5*time.Minute, cfg.Queue.MaxBackoff)
	assert.Equal(t, time.Hour, cfg.Queue.Retention)
	assert.Equal(t, 10*time.Minute, cfg.Queue.AttemptTimeout)
	assert.Equal(t, time.Minute, cfg.Scheduler.TickInterval)
	assert.Equal(t, 2*time.Minute, cfg.Swarm.ConfirmTimeout)
	assert.False(t, cfg.Swarm.RejectionFatal)
	assert.Equal(t, []string{"anthropic", "openai"}, cfg.Providers.Ranking)
	assert.Equal(t, 500, cfg.Events.HistorySize)
	assert.Empty(t, cfg.Store.Path)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarmq.yaml")
	content := `
queue:
  worker_count: 8
  max_retries: 1
scheduler:
  tick_interval: 30s
swarm:
  rejection_fatal: true
providers:
  ranking:
    - openai
store:
  path: /tmp/swarmq.db
events:
  listen_addr: "127.0.0.1:8099"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg := Load(path)
	assert.Equal(t, 8, cfg.Queue.WorkerCount)
	assert.Equal(t, 1, cfg.Queue.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.TickInterval)
	assert.True(t, cfg.Swarm.RejectionFatal)
	assert.Equal(t, []string{"openai"}, cfg.Providers.Ranking)
	assert.Equal(t, "/tmp/swarmq.db", cfg.Store.Path)
	assert.Equal(t, "127.0.0.1:8099", cfg.Events.ListenAddr)

	// Unset keys keep their defaults.
	assert.Equal(t, 10*time.Minute, cfg.Queue.AttemptTimeout)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SWARMQ_QUEUE_WORKER_COUNT", "16")
	t.Setenv("SWARMQ_PROVIDERS_OPENAI_API_KEY", "sk-test")

	cfg := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, 16, cfg.Queue.WorkerCount)
	assert.Equal(t, "sk-test", cfg.Providers.OpenAI.APIKey)
}
