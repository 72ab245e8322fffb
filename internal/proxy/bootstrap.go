package proxy

import (
	"crypto/tls"
	"net"
	"slices"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/die-net/chaincheck/internal/activity"
	"github.com/die-net/chaincheck/internal/chain"
)

// Bootstrap describes a proxy instance before it starts. Every With/Plus
// method returns a modified copy; the receiver is left unchanged.
type Bootstrap struct {
	name      string
	host      string
	port      uint16
	transport chain.TransportProtocol
	tlsConfig *tls.Config

	sshHostKey  ssh.Signer
	sshUsername string
	sshPassword string

	selector chain.Selector
	trackers []activity.Tracker

	cfg Config
	log *zap.Logger
}

// NewBootstrap returns a Plain HTTP proxy on an ephemeral loopback port
// that connects directly.
func NewBootstrap() Bootstrap {
	return Bootstrap{
		name:      "proxy",
		host:      "127.0.0.1",
		transport: chain.Plain,
		cfg:       DefaultConfig(),
	}
}

func (b Bootstrap) WithName(name string) Bootstrap {
	b.name = name
	return b
}

// WithAddress sets the host to bind. Empty binds every interface.
func (b Bootstrap) WithAddress(host string) Bootstrap {
	b.host = host
	return b
}

// WithPort sets the port to bind; 0 asks for an ephemeral port.
func (b Bootstrap) WithPort(port uint16) Bootstrap {
	b.port = port
	return b
}

// WithTransport sets the protocol the listener accepts.
func (b Bootstrap) WithTransport(t chain.TransportProtocol) Bootstrap {
	b.transport = t
	return b
}

// WithTLSConfig sets the server TLS config of a TLS listener.
func (b Bootstrap) WithTLSConfig(cfg *tls.Config) Bootstrap {
	b.tlsConfig = cfg
	return b
}

// WithSSHServer sets the host key and the single username/password pair
// an SSH listener accepts.
func (b Bootstrap) WithSSHServer(hostKey ssh.Signer, username, password string) Bootstrap {
	b.sshHostKey = hostKey
	b.sshUsername = username
	b.sshPassword = password
	return b
}

// WithChainProxyManager sets the selector consulted once per flow. A nil
// selector connects directly.
func (b Bootstrap) WithChainProxyManager(s chain.Selector) Bootstrap {
	b.selector = s
	return b
}

// PlusActivityTracker adds t after the trackers already installed.
func (b Bootstrap) PlusActivityTracker(t activity.Tracker) Bootstrap {
	b.trackers = append(slices.Clip(b.trackers), t)
	return b
}

func (b Bootstrap) WithConfig(cfg Config) Bootstrap {
	b.cfg = cfg
	return b
}

func (b Bootstrap) WithLogger(log *zap.Logger) Bootstrap {
	b.log = log
	return b
}

// Name returns the instance name.
func (b Bootstrap) Name() string {
	return b.name
}

// Transport returns the protocol the listener accepts.
func (b Bootstrap) Transport() chain.TransportProtocol {
	return b.transport
}

// Selector returns the installed selector, possibly nil.
func (b Bootstrap) Selector() chain.Selector {
	return b.selector
}

func (b Bootstrap) listenAddress() string {
	return net.JoinHostPort(b.host, strconv.Itoa(int(b.port)))
}
