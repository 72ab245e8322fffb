package dialer

import (
	"context"
	"fmt"
	"net"

	"github.com/die-net/chaincheck/internal/chain"
)

// Dialer mirrors the net.Dialer interface.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// New constructs the Dialer that reaches addresses through cp.
func New(cfg Config, cp chain.ChainedProxy) (Dialer, error) {
	if !cp.Address.IsValid() {
		return nil, fmt.Errorf("chained proxy %s: invalid address", cp.Transport)
	}

	switch cp.Transport {
	case chain.Plain, chain.TLS:
		d, err := NewHTTPProxyDialer(cfg, cp)
		if err != nil {
			return nil, err
		}
		return d, nil
	case chain.SOCKS5:
		return NewSOCKS5ProxyDialer(cfg, cp), nil
	case chain.SSH:
		d, err := NewSSHProxyDialer(cfg, cp)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unsupported chained proxy transport: %s", cp.Transport)
	}
}

type closeWriter interface {
	CloseWrite() error
}

// closeWrite half-closes c when it supports it, and fully closes it
// otherwise.
func closeWrite(c net.Conn) error {
	if cw, ok := c.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return c.Close()
}
