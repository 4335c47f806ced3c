package server

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/aeolun/chatrelay/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFromFileDefaults(t *testing.T) {
	cfg := ConfigFromFile(config.Default())

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.Zero(t, cfg.WSPort)
	assert.Zero(t, cfg.SSHPort)
	assert.Empty(t, cfg.MetricsAddr)
	assert.Equal(t, DefaultConfig().SSHHostKeyPath, cfg.SSHHostKeyPath)
	assert.Equal(t, 100, cfg.HistoryCapacity)
	assert.Equal(t, 100, cfg.OutboxSize)
	assert.Equal(t, 100*time.Millisecond, cfg.ShutdownGrace)
}

func TestConfigFromFileOverrides(t *testing.T) {
	file := config.Default()
	file.Server.Host = "127.0.0.1"
	file.Server.Port = 9000
	file.Server.WSPort = 9001
	file.Server.SSHPort = 9002
	file.Server.SSHHostKey = "/tmp/key"
	file.Server.MetricsAddr = "127.0.0.1:9090"
	file.Relay.HistoryCapacity = 5
	file.Relay.OutboundQueue = 8
	file.Relay.ShutdownGraceMs = 0

	cfg := ConfigFromFile(file)
	assert.Equal(t, ServerConfig{
		Host:            "127.0.0.1",
		Port:            9000,
		WSPort:          9001,
		SSHPort:         9002,
		SSHHostKeyPath:  "/tmp/key",
		MetricsAddr:     "127.0.0.1:9090",
		HistoryCapacity: 5,
		OutboxSize:      8,
		ShutdownGrace:   0,
	}, cfg)
}

func TestLoadOrGenerateHostKeyPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "ssh_host_key")

	generated, err := loadOrGenerateHostKey(path)
	require.NoError(t, err)

	loaded, err := loadOrGenerateHostKey(path)
	require.NoError(t, err)
	assert.Equal(t, generated.PublicKey().Marshal(), loaded.PublicKey().Marshal())

	_, err = loadOrGenerateHostKey("  ")
	assert.Error(t, err)
}
