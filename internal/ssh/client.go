package ssh

import (
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// ClientConfig configures the SSH transport to a chained proxy.
type ClientConfig struct {
	Username string
	// Password and Signers are both offered when set; the server picks.
	Password        string
	Signers         []ssh.Signer
	HostKeyCallback ssh.HostKeyCallback
	// HandshakeTimeout bounds the SSH handshake. Zero means no timeout.
	HandshakeTimeout time.Duration
}

// Validate reports configuration that can never authenticate.
func (c *ClientConfig) Validate() error {
	if c.Username == "" {
		return errors.New("missing username")
	}
	if c.Password == "" && len(c.Signers) == 0 {
		return errors.New("missing password or key")
	}
	return nil
}

func (c *ClientConfig) authMethods() []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	if len(c.Signers) > 0 {
		methods = append(methods, ssh.PublicKeys(c.Signers...))
	}
	if c.Password != "" {
		methods = append(methods, ssh.Password(c.Password))
	}
	return methods
}

// NewClient runs the SSH handshake over conn, which is already connected to
// the server at addr. On error, conn is closed.
func NewClient(conn net.Conn, cfg ClientConfig, addr string) (*ssh.Client, error) {
	hostKeyCallback := cfg.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec // No known_hosts configured.
	}

	sshConfig := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            cfg.authMethods(),
		HostKeyCallback: hostKeyCallback,
	}

	if cfg.HandshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
	}

	cc, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}

	if cfg.HandshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Time{})
	}

	return ssh.NewClient(cc, chans, reqs), nil
}
