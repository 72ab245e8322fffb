package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// AgentAuthType is the special value for --ssh-key to use the SSH agent.
const AgentAuthType = "agent"

// AgentSigners returns the signers held by the agent at $SSH_AUTH_SOCK.
func AgentSigners() ([]ssh.Signer, error) {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil, errors.New("SSH_AUTH_SOCK not set")
	}

	var d net.Dialer
	conn, err := d.DialContext(context.Background(), "unix", socket)
	if err != nil {
		return nil, fmt.Errorf("connecting to SSH agent: %w", err)
	}
	// The signers sign through conn, so it stays open for the process lifetime.

	signers, err := agent.NewClient(conn).Signers()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("getting signers from SSH agent: %w", err)
	}
	if len(signers) == 0 {
		_ = conn.Close()
		return nil, errors.New("no keys available in SSH agent")
	}
	return signers, nil
}

// LoadSigners interprets keyPath as "agent", an OpenSSH private key file, or
// empty for no public key authentication.
func LoadSigners(keyPath string) ([]ssh.Signer, error) {
	switch keyPath {
	case "":
		return nil, nil
	case AgentAuthType:
		return AgentSigners()
	}

	keyData, err := os.ReadFile(keyPath) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("parsing key file %s: %w", keyPath, err)
	}
	return []ssh.Signer{signer}, nil
}

// PasswordAuth returns a PasswordCallback accepting a single username and
// password pair.
func PasswordAuth(username, password string) func(ssh.ConnMetadata, []byte) (*ssh.Permissions, error) {
	return func(conn ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
		if conn.User() != username || string(pass) != password {
			return nil, errors.New("invalid credentials")
		}
		return &ssh.Permissions{}, nil
	}
}
