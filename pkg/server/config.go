package server

import (
	"strings"
	"time"

	"github.com/aeolun/chatrelay/pkg/config"
)

// ConfigFromFile converts the loaded config file to a ServerConfig
func ConfigFromFile(c config.File) ServerConfig {
	cfg := DefaultConfig()

	if strings.TrimSpace(c.Server.Host) != "" {
		cfg.Host = c.Server.Host
	}
	cfg.Port = c.Server.Port
	cfg.WSPort = c.Server.WSPort
	cfg.SSHPort = c.Server.SSHPort

	if strings.TrimSpace(c.Server.SSHHostKey) != "" {
		cfg.SSHHostKeyPath = c.Server.SSHHostKey
	}
	cfg.MetricsAddr = c.Server.MetricsAddr

	if c.Relay.HistoryCapacity > 0 {
		cfg.HistoryCapacity = c.Relay.HistoryCapacity
	}
	if c.Relay.OutboundQueue > 0 {
		cfg.OutboxSize = c.Relay.OutboundQueue
	}
	if c.Relay.ShutdownGraceMs >= 0 {
		cfg.ShutdownGrace = time.Duration(c.Relay.ShutdownGraceMs) * time.Millisecond
	}

	return cfg
}
