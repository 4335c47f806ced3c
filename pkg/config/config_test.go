package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chatrelay.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Client.Host)
	assert.Equal(t, 8080, cfg.Client.Port)
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadPartialFileKeepsOtherDefaults(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 9000
ws_port = 9001

[relay]
history_capacity = 10
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 9001, cfg.Server.WSPort)
	assert.Equal(t, 10, cfg.Relay.HistoryCapacity)
	assert.Equal(t, 100, cfg.Relay.OutboundQueue)
	assert.Equal(t, 8080, cfg.Client.Port)
}

func TestLoadMalformedFileFails(t *testing.T) {
	path := writeConfig(t, "[server\nport = ")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "port too large", content: "[server]\nport = 70000\n"},
		{name: "negative ws port", content: "[server]\nws_port = -1\n"},
		{name: "zero history", content: "[relay]\nhistory_capacity = 0\n"},
		{name: "zero queue", content: "[relay]\noutbound_queue = 0\n"},
		{name: "negative grace", content: "[relay]\nshutdown_grace_ms = -5\n"},
		{name: "empty client host", content: "[client]\nhost = \"\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestValidateNamesTheField(t *testing.T) {
	cfg := Default()
	cfg.Relay.HistoryCapacity = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HistoryCapacity")
	assert.NoError(t, Default().Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CHATRELAY_SERVER_PORT", "7000")
	t.Setenv("CHATRELAY_SERVER_HOST", "127.0.0.1")
	t.Setenv("CHATRELAY_CLIENT_HOST", "relay.example.com")
	t.Setenv("CHATRELAY_RELAY_SHUTDOWN_GRACE_MS", "250")

	path := writeConfig(t, "[server]\nport = 9000\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "relay.example.com", cfg.Client.Host)
	assert.Equal(t, 250, cfg.Relay.ShutdownGraceMs)
}

func TestEnvOverrideNotANumber(t *testing.T) {
	t.Setenv("CHATRELAY_SERVER_PORT", "eighty")
	_, err := Load("")
	assert.Error(t, err)
}

func TestClientAddress(t *testing.T) {
	assert.Equal(t, "127.0.0.1:8080", Default().Client.Address())
	assert.Equal(t, "[::1]:9000", ClientSection{Host: "::1", Port: 9000}.Address())
}

func TestWriteDefaultRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "chatrelay.toml")
	require.NoError(t, WriteDefault(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	// Existing files are left alone
	assert.Error(t, WriteDefault(path))
}
