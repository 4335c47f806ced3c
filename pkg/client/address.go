package client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aeolun/chatrelay/pkg/wsconn"
)

const (
	defaultTCPPort = "8080"
	defaultWSPort  = "8080"
	defaultSSHPort = "22"
	dialTimeout    = 2 * time.Second
)

type dialConfig struct {
	display   string
	transport string
	dial      func() (io.ReadWriteCloser, error)
	warning   func() string
}

// parseServerAddress accepts host:port (TCP), tcp://host:port,
// ws://host:port[/path], wss://... and ssh://[user@]host:port
func parseServerAddress(raw string) (*dialConfig, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}

	scheme := "tcp"
	user := ""
	path := ""
	hostPort := trimmed
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
		}

		if u.Scheme != "" {
			scheme = strings.ToLower(u.Scheme)
		}
		if u.User != nil {
			user = u.User.Username()
		}
		hostPort = u.Host
		path = u.Path
	}

	switch scheme {
	case "tcp":
		host, port, err := splitHostPortWithDefault(hostPort, defaultTCPPort)
		if err != nil {
			return nil, err
		}

		address := net.JoinHostPort(host, port)
		return &dialConfig{
			display:   address,
			transport: "tcp",
			dial: func() (io.ReadWriteCloser, error) {
				return net.DialTimeout("tcp", address, dialTimeout)
			},
		}, nil

	case "ws", "wss":
		host, port, err := splitHostPortWithDefault(hostPort, defaultWSPort)
		if err != nil {
			return nil, err
		}
		if path == "" || path == "/" {
			path = "/ws"
		}

		target := fmt.Sprintf("%s://%s%s", scheme, net.JoinHostPort(host, port), path)
		return &dialConfig{
			display:   target,
			transport: "websocket",
			dial: func() (io.ReadWriteCloser, error) {
				conn, err := wsconn.Dial(target)
				if err != nil {
					return nil, err
				}
				return conn, nil
			},
		}, nil

	case "ssh":
		host, port, err := splitHostPortWithDefault(hostPort, defaultSSHPort)
		if err != nil {
			return nil, err
		}
		if user == "" {
			user = defaultSSHUser()
		}

		verifier := newHostKeyVerifier(host, port)
		address := net.JoinHostPort(host, port)
		return &dialConfig{
			display:   fmt.Sprintf("ssh://%s@%s", user, address),
			transport: "ssh",
			dial: func() (io.ReadWriteCloser, error) {
				conn, err := dialSSH(user, address, verifier)
				if err != nil {
					return nil, err
				}
				return conn, nil
			},
			warning: verifier.Warning,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported server scheme %q", scheme)
	}
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		if host == "" {
			return "", "", fmt.Errorf("missing host in server address %q", hostPort)
		}
		return host, port, nil
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = hostPort
		if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
			host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
		}
		return host, defaultPort, nil
	}

	return "", "", err
}

func defaultSSHUser() string {
	if user := os.Getenv("CHATRELAY_SSH_USER"); user != "" {
		return user
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	if user := os.Getenv("USERNAME"); user != "" {
		return user
	}
	return "anonymous"
}
