package client

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// relaySSHVersionPrefix is the banner the relay's SSH endpoint advertises
const relaySSHVersionPrefix = "SSH-2.0-ChatRelay"

// hostKeyVerifier checks the server key against known_hosts. Keys that no
// file mentions are accepted and reported through warning; keys that
// contradict a known_hosts entry are refused.
type hostKeyVerifier struct {
	host      string
	port      string
	paths     []string
	callbacks []ssh.HostKeyCallback

	mu      sync.Mutex
	warning string
}

func newHostKeyVerifier(host, port string) *hostKeyVerifier {
	paths := knownHostPaths()
	var callbacks []ssh.HostKeyCallback
	for _, path := range paths {
		if cb, err := knownhosts.New(path); err == nil {
			callbacks = append(callbacks, cb)
		}
	}

	warning := ""
	if len(callbacks) == 0 {
		warning = "SSH host key verification is disabled (known_hosts not found)"
	}

	return &hostKeyVerifier{
		host:      host,
		port:      port,
		paths:     paths,
		callbacks: callbacks,
		warning:   warning,
	}
}

// Warning returns the most recent trust note, or "" when the key is known
func (v *hostKeyVerifier) Warning() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.warning
}

func (v *hostKeyVerifier) callback(hostname string, remote net.Addr, key ssh.PublicKey) error {
	var lastErr error
	for _, cb := range v.callbacks {
		if err := cb(hostname, remote, key); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	var keyErr *knownhosts.KeyError
	if lastErr == nil || (errors.As(lastErr, &keyErr) && len(keyErr.Want) == 0) {
		v.mu.Lock()
		v.warning = fmt.Sprintf("SSH host key %s for %s is not in known_hosts", ssh.FingerprintSHA256(key), hostname)
		v.mu.Unlock()
		return nil
	}

	if keyErr != nil {
		expected := "unknown"
		if keyErr.Want[0].Key != nil {
			expected = ssh.FingerprintSHA256(keyErr.Want[0].Key)
		}
		return fmt.Errorf("ssh host key verification failed for %s: the server presented key %s but known_hosts expects %s (checked %s)",
			hostname, ssh.FingerprintSHA256(key), expected, strings.Join(v.paths, ", "))
	}
	return lastErr
}

func knownHostPaths() []string {
	if env := os.Getenv("SSH_KNOWN_HOSTS"); env != "" {
		var paths []string
		for _, p := range strings.Split(env, string(os.PathListSeparator)) {
			if p = strings.TrimSpace(p); p != "" {
				paths = append(paths, p)
			}
		}
		return paths
	}

	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return nil
	}
	return []string{filepath.Join(home, ".ssh", "known_hosts")}
}

// dialSSH opens a session channel on the relay's SSH endpoint. The relay
// accepts any user without credentials.
func dialSSH(user, address string, verifier *hostKeyVerifier) (*sshClientConn, error) {
	config := &ssh.ClientConfig{
		User:            user,
		HostKeyCallback: verifier.callback,
		Timeout:         dialTimeout,
	}

	client, err := ssh.Dial("tcp", address, config)
	if err != nil {
		return nil, err
	}

	serverBanner := string(client.ServerVersion())
	if !strings.HasPrefix(serverBanner, relaySSHVersionPrefix) {
		client.Close()
		return nil, fmt.Errorf("ssh handshake completed but remote server advertised %q; expected banner prefix %q", serverBanner, relaySSHVersionPrefix)
	}

	channel, requests, err := client.OpenChannel("session", nil)
	if err != nil {
		client.Close()
		return nil, err
	}
	go ssh.DiscardRequests(requests)

	return &sshClientConn{channel: channel, client: client}, nil
}

// sshClientConn closes the whole SSH client along with its channel
type sshClientConn struct {
	channel ssh.Channel
	client  *ssh.Client
}

func (c *sshClientConn) Read(b []byte) (int, error) {
	return c.channel.Read(b)
}

func (c *sshClientConn) Write(b []byte) (int, error) {
	return c.channel.Write(b)
}

func (c *sshClientConn) Close() error {
	chErr := c.channel.Close()
	clientErr := c.client.Close()
	if chErr != nil && !errors.Is(chErr, net.ErrClosed) {
		return chErr
	}
	return clientErr
}
