// ABOUTME: Tests for the gateway binary helpers
// ABOUTME: URL derivation, log level parsing and the colorized slog handler

package main

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/cohora-gateway/internal/config"
)

func TestGatewayURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Config
		want string
	}{
		{"wildcard host", config.Config{Server: config.ServerConfig{HTTPAddr: "0.0.0.0:8000"}}, "http://localhost:8000"},
		{"empty host", config.Config{Server: config.ServerConfig{HTTPAddr: ":9000"}}, "http://localhost:9000"},
		{"explicit host", config.Config{Server: config.ServerConfig{HTTPAddr: "10.0.0.5:8000"}}, "http://10.0.0.5:8000"},
		{"tailscale", config.Config{Tailscale: config.TailscaleConfig{Enabled: true, Hostname: "cohora"}}, "https://cohora"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := gatewayURL(&tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := gatewayURL(&config.Config{Server: config.ServerConfig{HTTPAddr: "nonsense"}})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}

func TestColorHandler(t *testing.T) {
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = false })

	var buf bytes.Buffer
	logger := slog.New(newColorHandler(&buf, slog.LevelInfo))

	logger.Debug("hidden")
	logger.With("component", "relay").WithGroup("conn").Info("user connected", "id", "u1", "name", "Ada Lovelace")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INF user connected")
	assert.Contains(t, out, " component=relay")
	assert.Contains(t, out, " conn.id=u1")
	assert.Contains(t, out, ` conn.name="Ada Lovelace"`)
}
