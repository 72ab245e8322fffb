package proxy

import (
	"net"
	"time"
)

// Config holds the timeouts and socket options of a proxy instance.
type Config struct {
	DialTimeout        time.Duration
	NegotiationTimeout time.Duration
	HTTPIdleTimeout    time.Duration

	KeepAlive net.KeepAliveConfig

	// SSHKeyPath and SSHKnownHostsPath configure SSH hops to chained
	// proxies; see dialer.Config.
	SSHKeyPath        string
	SSHKnownHostsPath string
}

// DefaultConfig returns the settings used when a Bootstrap has none.
func DefaultConfig() Config {
	return Config{
		DialTimeout:        10 * time.Second,
		NegotiationTimeout: 10 * time.Second,
		HTTPIdleTimeout:    90 * time.Second,
	}
}
