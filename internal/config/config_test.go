package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 2*time.Minute, cfg.Server.ConversationIdleTTL)
	assert.Equal(t, "redis", cfg.Realtime.Broker)
	assert.Equal(t, "tokenchat.messages", cfg.NATS.SubjectPrefix)
	assert.Equal(t, 30*time.Second, cfg.Dispatch.Timeout)
	assert.EqualValues(t, 100, cfg.Ledger.InitialTokens)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  port: 9090
realtime:
  broker: nats
dispatch:
  endpoint: http://reply.local/hook
  timeout: 5s
ledger:
  initial_tokens: 50
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))
	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("SERVER_PORT", "7070")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "nats", cfg.Realtime.Broker)
	assert.Equal(t, "http://reply.local/hook", cfg.Dispatch.Endpoint)
	assert.Equal(t, 5*time.Second, cfg.Dispatch.Timeout)
	assert.EqualValues(t, 50, cfg.Ledger.InitialTokens)
	assert.Equal(t, "from-env", cfg.JWT.Secret)
	// 文件中未配置的项保持默认值
	assert.Equal(t, "localhost", cfg.MySQL.Host)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("server: [unclosed"), 0o600))

	_, err := Load(dir)
	assert.Error(t, err)
}
