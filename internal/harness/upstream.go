package harness

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/die-net/chaincheck/internal/certs"
	"github.com/die-net/chaincheck/internal/chain"
	"github.com/die-net/chaincheck/internal/proxy"
	"github.com/die-net/chaincheck/internal/ssh"
)

// Upstream is the upstream instance to start and what a downstream needs
// to reach it.
type Upstream struct {
	Bootstrap proxy.Bootstrap

	// Username and Password are presented by the downstream.
	Username string
	Password string
	// TLSConfig is the client side of a TLS hop.
	TLSConfig *tls.Config
}

// DefaultUpstream returns an upstream on an ephemeral loopback port that
// accepts transport. TLS upstreams get a throwaway certificate for
// 127.0.0.1 and SSH upstreams a throwaway host key and password.
func DefaultUpstream(transport chain.TransportProtocol) (Upstream, error) {
	u := Upstream{
		Bootstrap: proxy.NewBootstrap().WithTransport(transport),
	}

	switch transport {
	case chain.Plain, chain.SOCKS5:
	case chain.TLS:
		pair, err := certs.SelfSigned(loopback)
		if err != nil {
			return Upstream{}, err
		}
		u.Bootstrap = u.Bootstrap.WithTLSConfig(pair.ServerConfig())
		u.TLSConfig = pair.ClientConfig()
	case chain.SSH:
		hostKey, err := ssh.GenerateHostKey()
		if err != nil {
			return Upstream{}, err
		}
		u.Username, u.Password = "chaincheck", rand.Text()
		u.Bootstrap = u.Bootstrap.WithSSHServer(hostKey, u.Username, u.Password)
	default:
		return Upstream{}, fmt.Errorf("unsupported upstream transport %s", transport)
	}
	return u, nil
}

const loopback = "127.0.0.1"

// ChainedProxy resolves host and returns the descriptor of u as seen by
// the downstream. A resolution failure wraps chain.ErrResolve.
func (u Upstream) ChainedProxy(ctx context.Context, r chain.Resolver, host string, addr *net.TCPAddr) (chain.ChainedProxy, error) {
	cp, err := chain.New(ctx, r, host, uint16(addr.Port), u.Bootstrap.Transport())
	if err != nil {
		return chain.ChainedProxy{}, fmt.Errorf("unable to resolve %s: %w", host, err)
	}
	cp.Username, cp.Password = u.Username, u.Password
	cp.TLSConfig = u.TLSConfig
	return cp, nil
}
