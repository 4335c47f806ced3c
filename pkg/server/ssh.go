package server

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aeolun/chatrelay/pkg/config"
	"golang.org/x/crypto/ssh"
)

const sshServerVersion = "SSH-2.0-ChatRelay"

// startSSHServer starts the SSH server on the configured port
func (s *Server) startSSHServer() error {
	if s.config.SSHPort <= 0 {
		return nil
	}

	hostKey, err := loadOrGenerateHostKey(s.config.SSHHostKeyPath)
	if err != nil {
		return fmt.Errorf("failed to load host key: %w", err)
	}

	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.SSHPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.serveSSH(listener, newSSHConfig(hostKey))
	return nil
}

// newSSHConfig accepts any client. SSH is only a transport here; identity is
// whatever name the client registers.
func newSSHConfig(hostKey ssh.Signer) *ssh.ServerConfig {
	config := &ssh.ServerConfig{
		NoClientAuth:  true,
		ServerVersion: sshServerVersion,
	}
	config.AddHostKey(hostKey)
	return config
}

// serveSSH accepts SSH connections on listener
func (s *Server) serveSSH(listener net.Listener, config *ssh.ServerConfig) {
	s.sshListener = listener
	log.Printf("SSH server listening on %s", listener.Addr())

	s.wg.Add(1)
	go s.acceptSSHLoop(listener, config)
}

// acceptSSHLoop accepts incoming SSH connections
func (s *Server) acceptSSHLoop(listener net.Listener, config *ssh.ServerConfig) {
	defer s.wg.Done()
	defer listener.Close()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				errorLog.Printf("SSH accept error: %v", err)
				continue
			}
		}

		s.wg.Add(1)
		go s.handleSSHConnection(conn, config)
	}
}

// handleSSHConnection completes the handshake and serves every "session"
// channel the client opens as its own relay connection
func (s *Server) handleSSHConnection(conn net.Conn, config *ssh.ServerConfig) {
	defer s.wg.Done()
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		debugLog.Printf("SSH handshake from %s failed: %v", conn.RemoteAddr(), err)
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	// chans only ends when the transport does, so tie it to the server context
	stop := context.AfterFunc(s.ctx, func() { sshConn.Close() })
	defer stop()

	remote := sshConn.RemoteAddr().String()
	for newChannel := range chans {
		if kind := newChannel.ChannelType(); kind != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "only session channels carry chat")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			debugLog.Printf("SSH channel from %s not accepted: %v", remote, err)
			continue
		}
		go ackSessionRequests(requests)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(channel, remote, "ssh")
		}()
	}
}

// ackSessionRequests accepts the requests terminal clients send before
// streaming and refuses the rest
func ackSessionRequests(requests <-chan *ssh.Request) {
	for req := range requests {
		if !req.WantReply {
			continue
		}
		switch req.Type {
		case "shell", "pty-req", "env", "window-change":
			req.Reply(true, nil)
		default:
			req.Reply(false, nil)
		}
	}
}

// loadOrGenerateHostKey returns the host key stored at keyPath, creating an
// ed25519 key there on first start
func loadOrGenerateHostKey(keyPath string) (ssh.Signer, error) {
	if strings.TrimSpace(keyPath) == "" {
		return nil, fmt.Errorf("ssh host key path is empty; set [server].ssh_host_key or remove it to use the default (%s)", DefaultConfig().SSHHostKeyPath)
	}
	keyPath, err := config.ExpandHome(keyPath)
	if err != nil {
		return nil, err
	}

	pemBytes, err := os.ReadFile(keyPath)
	switch {
	case err == nil:
		signer, err := ssh.ParsePrivateKey(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("parse host key %s: %w", keyPath, err)
		}
		log.Printf("Loaded SSH host key from %s", keyPath)
		return signer, nil
	case errors.Is(err, fs.ErrNotExist):
		return generateHostKey(keyPath)
	default:
		return nil, fmt.Errorf("read host key %s: %w", keyPath, err)
	}
}

func generateHostKey(keyPath string) (ssh.Signer, error) {
	_, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(private, "chatrelay host key")
	if err != nil {
		return nil, fmt.Errorf("encode host key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return nil, fmt.Errorf("create host key directory: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("write host key: %w", err)
	}

	signer, err := ssh.NewSignerFromKey(private)
	if err != nil {
		return nil, fmt.Errorf("host key signer: %w", err)
	}
	log.Printf("Generated SSH host key at %s (%s)", keyPath, ssh.FingerprintSHA256(signer.PublicKey()))
	return signer, nil
}
