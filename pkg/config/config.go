// Package config loads the relay's TOML configuration file shared by the
// server and the client, and applies environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// DefaultPath is used when no --config flag is given
const DefaultPath = "chatrelay.toml"

// EnvPrefix starts every override variable: CHATRELAY_<SECTION>_<KEY>
const EnvPrefix = "CHATRELAY"

// File represents the structure of the config file
type File struct {
	Server ServerSection `toml:"server"`
	Relay  RelaySection  `toml:"relay"`
	Client ClientSection `toml:"client"`
}

type ServerSection struct {
	Host        string `toml:"host"`
	Port        int    `toml:"port" validate:"gte=0,lte=65535"`
	WSPort      int    `toml:"ws_port" validate:"gte=0,lte=65535"`
	SSHPort     int    `toml:"ssh_port" validate:"gte=0,lte=65535"`
	SSHHostKey  string `toml:"ssh_host_key"`
	MetricsAddr string `toml:"metrics_addr"`
}

type RelaySection struct {
	HistoryCapacity int `toml:"history_capacity" validate:"gte=1"`
	OutboundQueue   int `toml:"outbound_queue" validate:"gte=1"`
	ShutdownGraceMs int `toml:"shutdown_grace_ms" validate:"gte=0"`
}

type ClientSection struct {
	Host string `toml:"host" validate:"required"`
	Port int    `toml:"port" validate:"gte=0,lte=65535"`
}

// Address returns host:port for dialing
func (c ClientSection) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Default returns the configuration used when no file is present
func Default() File {
	return File{
		Server: ServerSection{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Relay: RelaySection{
			HistoryCapacity: 100,
			OutboundQueue:   100,
			ShutdownGraceMs: 100,
		},
		Client: ClientSection{
			Host: "127.0.0.1",
			Port: 8080,
		},
	}
}

// Load reads path on top of the defaults. A missing file is not an error; a
// malformed one is. Environment overrides are applied last and the result is
// validated.
func Load(path string) (File, error) {
	cfg := Default()

	if path != "" {
		expanded, err := ExpandHome(path)
		if err != nil {
			return File{}, err
		}

		if _, err := toml.DecodeFile(expanded, &cfg); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return File{}, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return File{}, err
	}

	if err := cfg.Validate(); err != nil {
		return File{}, err
	}

	return cfg, nil
}

var validate = validator.New()

// Validate rejects values the relay cannot run with
func (c File) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config
// Example: CHATRELAY_SERVER_PORT=9000
func applyEnvOverrides(cfg *File) error {
	strs := map[string]*string{
		"SERVER_HOST":         &cfg.Server.Host,
		"SERVER_SSH_HOST_KEY": &cfg.Server.SSHHostKey,
		"SERVER_METRICS_ADDR": &cfg.Server.MetricsAddr,
		"CLIENT_HOST":         &cfg.Client.Host,
	}
	for key, dst := range strs {
		if val, ok := os.LookupEnv(EnvPrefix + "_" + key); ok {
			*dst = val
		}
	}

	ints := map[string]*int{
		"SERVER_PORT":             &cfg.Server.Port,
		"SERVER_WS_PORT":          &cfg.Server.WSPort,
		"SERVER_SSH_PORT":         &cfg.Server.SSHPort,
		"RELAY_HISTORY_CAPACITY":  &cfg.Relay.HistoryCapacity,
		"RELAY_OUTBOUND_QUEUE":    &cfg.Relay.OutboundQueue,
		"RELAY_SHUTDOWN_GRACE_MS": &cfg.Relay.ShutdownGraceMs,
		"CLIENT_PORT":             &cfg.Client.Port,
	}
	for key, dst := range ints {
		name := EnvPrefix + "_" + key
		val, ok := os.LookupEnv(name)
		if !ok || val == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		*dst = n
	}

	return nil
}

// ExpandHome resolves a leading "~/" against the user's home directory
func ExpandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// WriteDefault writes a documented config file holding the defaults. It
// refuses to overwrite an existing file.
func WriteDefault(path string) error {
	expanded, err := ExpandHome(path)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(expanded); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	f, err := os.OpenFile(expanded, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(defaultContent); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

const defaultContent = `# Chat relay configuration
# Environment variables override these settings:
# CHATRELAY_SECTION_KEY (e.g., CHATRELAY_SERVER_PORT=9000)

[server]
# Address the relay binds for raw TCP clients
host = "0.0.0.0"
port = 8080

# WebSocket endpoint (/ws); 0 disables it
ws_port = 0

# SSH transport; 0 disables it
ssh_port = 0
# ssh_host_key = "~/.chatrelay/ssh_host_key"

# Internal /metrics and /health endpoint; empty disables it
# metrics_addr = "127.0.0.1:9090"

[relay]
# Lines kept in the broadcast log and in each private log
history_capacity = 100

# Replies queued per connection before senders wait
outbound_queue = 100

# How long shutdown waits for queued replies to flush
shutdown_grace_ms = 100

[client]
host = "127.0.0.1"
port = 8080
`
