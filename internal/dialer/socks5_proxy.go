package dialer

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/die-net/chaincheck/internal/chain"
	"github.com/die-net/chaincheck/internal/socks5"
)

// SOCKS5ProxyDialer dials outbound TCP connections through a SOCKS5 proxy.
// Every dial opens one CONNECT tunnel.
type SOCKS5ProxyDialer struct {
	cfg    Config
	proxy  chain.ChainedProxy
	direct Dialer
}

func NewSOCKS5ProxyDialer(cfg Config, cp chain.ChainedProxy) *SOCKS5ProxyDialer {
	return &SOCKS5ProxyDialer{cfg: cfg, proxy: cp, direct: NewDirectDialer(cfg)}
}

// DialContext connects to the SOCKS5 proxy and asks it to CONNECT to address.
// Canceling ctx aborts the handshake.
func (f *SOCKS5ProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("socks5 proxy dial %s %s: unsupported network", network, address)
	}

	c, err := f.direct.DialContext(ctx, network, f.proxy.Address.String())
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.Close()
	})
	defer stop()

	if f.cfg.NegotiationTimeout > 0 {
		_ = c.SetDeadline(time.Now().Add(f.cfg.NegotiationTimeout))
	}

	auth := socks5.Auth{Username: f.proxy.Username, Password: f.proxy.Password}
	if err := socks5.ClientNegotiate(c, auth); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("socks5 proxy dial %s %s: %w", network, address, err)
	}

	if err := socks5.ClientRequest(c, address); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("socks5 proxy dial %s %s: %w", network, address, err)
	}
	wroteTunnelRequest(ctx)

	if err := socks5.ClientReadReply(c); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("socks5 proxy dial %s %s: %w", network, address, err)
	}

	if !stop() {
		_ = c.Close()
		return nil, fmt.Errorf("socks5 proxy dial %s %s: %w", network, address, ctx.Err())
	}

	if f.cfg.NegotiationTimeout > 0 {
		_ = c.SetDeadline(time.Time{})
	}
	return c, nil
}
