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

func TestLoadConfigDefaultsAndEnv(t *testing.T) {
	path := writeConfig(t, `
storage:
  postgres:
    host: db
    dbname: hive
queen:
  name: Athena
worker:
  poll_interval: 2s
`)
	t.Setenv("HIVE_SERVER_ADDRESS", ":9999")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Address)
	assert.Equal(t, "5432", cfg.Storage.Postgres.Port)
	assert.Equal(t, "localhost:6379", cfg.Storage.Redis.Addr())
	assert.Equal(t, ProviderOllama, cfg.LLM.Primary.Type)
	assert.Equal(t, "Athena", cfg.Queen.Name)
	assert.Equal(t, 5*time.Second, cfg.Queen.PollInterval)
	assert.Equal(t, 2*time.Second, cfg.Worker.PollInterval)
	assert.Equal(t, 3, cfg.Worker.BatchSize)
	assert.Equal(t, 7, cfg.Worker.EscalationPriority)
	assert.Equal(t, 50, cfg.Worker.MinPromptLength)
	assert.InDelta(t, 0.3, cfg.Worker.Temperature, 1e-9)
	assert.Equal(t, "*/15 * * * *", cfg.Monitor.Cron)
	assert.Equal(t, 10*time.Minute, cfg.Monitor.StaleAfter)
	assert.Equal(t, 30*time.Minute, cfg.Monitor.StuckAfter)
	assert.Equal(t, 8, cfg.Monitor.AlertPriority)
}

func TestLoadConfigValidation(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "storage:\n  postgres:\n    dbname: hive\n"))
	assert.ErrorContains(t, err, "storage.postgres.host")

	_, err = LoadConfig(writeConfig(t, "storage:\n  postgres:\n    url: postgres://x\nllm:\n  primary:\n    type: mystery\n"))
	assert.ErrorContains(t, err, "llm.primary.type")

	_, err = LoadConfig(writeConfig(t, "storage:\n  postgres:\n    url: postgres://x\nllm:\n  force_fallback: true\n"))
	assert.ErrorContains(t, err, "force_fallback")

	_, err = LoadConfig(writeConfig(t, "storage:\n  postgres:\n    url: postgres://x\nmonitor:\n  stuck_after: 0s\n"))
	assert.ErrorContains(t, err, "monitor")

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "explicit path must exist")
}

func TestLLMConfigValidate(t *testing.T) {
	ok := LLMConfig{Primary: PrimaryProviderConfig{Type: ProviderOpenAI, BaseURL: "http://vllm:8000/v1"}}
	assert.NoError(t, ok.Validate())

	bad := ok
	bad.Fallback = FallbackProviderConfig{Type: ProviderAnthropic, MaxCostUSD: -1}
	assert.Error(t, bad.Validate())

	bad = ok
	bad.Fallback.Type = ProviderOpenAI
	assert.Error(t, bad.Validate())
}
