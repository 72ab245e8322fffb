package dialer

import (
	"net"
	"time"

	"go.uber.org/zap"
)

// Config holds settings shared by every dialer.
type Config struct {
	DialTimeout        time.Duration
	NegotiationTimeout time.Duration
	KeepAlive          net.KeepAliveConfig

	// SSHKeyPath is "agent", a private key file, or empty for password
	// auth only.
	SSHKeyPath string
	// SSHKnownHostsPath enables trust-on-first-use host key checking.
	// Empty disables host key checking.
	SSHKnownHostsPath string

	Logger *zap.Logger
}
