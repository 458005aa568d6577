// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults and validation

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  http_addr: "127.0.0.1:9000"
database:
  path: "./test.db"
relay:
  heartbeat_interval: "2s"
  heartbeat_timeout: "10s"
  max_pending: 50
  pending_ttl: "1h"
tools:
  listen_timeout: "15s"
  allow_stdio_providers: true
  stdio_commands: ["npx", "uvx"]
session:
  step_budget: 7
  turn_timeout: "2m"
logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.HTTPAddr)
	assert.Equal(t, "./test.db", cfg.Database.Path)
	assert.Equal(t, 2*time.Second, cfg.Relay.HeartbeatInterval)
	assert.Equal(t, 10*time.Second, cfg.Relay.HeartbeatTimeout)
	assert.Equal(t, 50, cfg.Relay.MaxPending)
	assert.Equal(t, time.Hour, cfg.Relay.PendingTTL)
	assert.Equal(t, 15*time.Second, cfg.Tools.ListenTimeout)
	assert.True(t, cfg.Tools.AllowStdioProviders)
	assert.Equal(t, []string{"npx", "uvx"}, cfg.Tools.StdioCommands)
	assert.Equal(t, 7, cfg.Session.StepBudget)
	assert.Equal(t, 2*time.Minute, cfg.Session.TurnTimeout)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[server]
http_addr = "127.0.0.1:9001"

[database]
path = "./toml.db"

[relay]
heartbeat_interval = "1s"
heartbeat_timeout = "4s"

[model]
model = "local-model"
base_url = "http://localhost:11434/v1"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9001", cfg.Server.HTTPAddr)
	assert.Equal(t, "./toml.db", cfg.Database.Path)
	assert.Equal(t, time.Second, cfg.Relay.HeartbeatInterval)
	assert.Equal(t, 4*time.Second, cfg.Relay.HeartbeatTimeout)
	assert.Equal(t, "local-model", cfg.Model.Model)
	assert.Equal(t, "http://localhost:11434/v1", cfg.Model.BaseURL)
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
database:
  path: "./test.db"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultHTTPAddr, cfg.Server.HTTPAddr)
	assert.Equal(t, DefaultHeartbeatInterval, cfg.Relay.HeartbeatInterval)
	assert.Equal(t, DefaultHeartbeatTimeout, cfg.Relay.HeartbeatTimeout)
	assert.Equal(t, DefaultAuthTimeout, cfg.Relay.AuthTimeout)
	assert.Equal(t, DefaultMaxPending, cfg.Relay.MaxPending)
	assert.Equal(t, DefaultPendingTTL, cfg.Relay.PendingTTL)
	assert.Equal(t, DefaultListenTimeout, cfg.Tools.ListenTimeout)
	assert.False(t, cfg.Tools.AllowStdioProviders)
	assert.Equal(t, DefaultStepBudget, cfg.Session.StepBudget)
	assert.Equal(t, DefaultTurnTimeout, cfg.Session.TurnTimeout)
	assert.Equal(t, DefaultModelBaseURL, cfg.Model.BaseURL)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("COHORA_TEST_KEY", "sk-test")
	t.Setenv("COHORA_TEST_DB", "/tmp/from-env.db")

	path := writeConfig(t, "config.yaml", `
database:
  path: "${COHORA_TEST_DB}"
model:
  api_key: "${COHORA_TEST_KEY}"
auth:
  jwt_secret: "${COHORA_TEST_UNSET}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/from-env.db", cfg.Database.Path)
	assert.Equal(t, "sk-test", cfg.Model.APIKey)
	assert.Empty(t, cfg.Auth.JWTSecret)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errPart string
	}{
		{
			name:    "missing database path",
			content: "server:\n  http_addr: \":8000\"\n",
			errPart: "database.path is required",
		},
		{
			name:    "bad duration",
			content: "database:\n  path: x.db\nrelay:\n  heartbeat_interval: \"soon\"\n",
			errPart: "relay.heartbeat_interval",
		},
		{
			name:    "timeout not above interval",
			content: "database:\n  path: x.db\nrelay:\n  heartbeat_interval: \"30s\"\n  heartbeat_timeout: \"10s\"\n",
			errPart: "must exceed",
		},
		{
			name:    "tailscale without hostname",
			content: "database:\n  path: x.db\ntailscale:\n  enabled: true\n",
			errPart: "tailscale.hostname",
		},
		{
			name:    "bad log format",
			content: "database:\n  path: x.db\nlogging:\n  format: xml\n",
			errPart: "logging.format",
		},
		{
			name:    "stdio allowlist without opt in",
			content: "database:\n  path: x.db\ntools:\n  stdio_commands: [\"npx\"]\n",
			errPart: "tools.allow_stdio_providers",
		},
		{
			name:    "invalid yaml",
			content: "database: [unclosed",
			errPart: "parsing config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "config.yaml", tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errPart)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestDefaultYAMLParses(t *testing.T) {
	t.Setenv("COHORA_JWT_SECRET", "")
	t.Setenv("OPENAI_API_KEY", "")

	cfg, err := Parse([]byte(DefaultYAML), false)
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Session.StepBudget)
	assert.Equal(t, 5.0, cfg.Relay.SendRate)
	assert.Equal(t, 10, cfg.Relay.SendBurst)
}
