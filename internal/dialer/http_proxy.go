package dialer

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/die-net/chaincheck/internal/chain"
)

// HTTPProxyDialer dials outbound TCP connections through an HTTP proxy,
// reached over TCP or TLS, using the HTTP CONNECT method.
type HTTPProxyDialer struct {
	cfg    Config
	proxy  chain.ChainedProxy
	auth   string
	direct Dialer
}

// NewHTTPProxyDialer constructs a CONNECT dialer for a Plain or TLS chained
// proxy.
//
// If the chained proxy has a username, Proxy-Authorization is set using
// HTTP Basic auth.
func NewHTTPProxyDialer(cfg Config, cp chain.ChainedProxy) (*HTTPProxyDialer, error) {
	if cp.Transport != chain.Plain && cp.Transport != chain.TLS {
		return nil, fmt.Errorf("http proxy dialer: unsupported transport: %s", cp.Transport)
	}
	if !cp.Address.IsValid() {
		return nil, errors.New("http proxy dialer: invalid proxy address")
	}

	return &HTTPProxyDialer{
		cfg:    cfg,
		proxy:  cp,
		auth:   BasicAuth(cp.Username, cp.Password),
		direct: NewDirectDialer(cfg),
	}, nil
}

// BasicAuth returns a Proxy-Authorization value, or "" without a username.
func BasicAuth(username, password string) string {
	if username == "" {
		return ""
	}
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

// TLSClientConfig returns the TLS config used toward a TLS chained proxy.
func TLSClientConfig(cp chain.ChainedProxy) *tls.Config {
	var cfg *tls.Config
	if cp.TLSConfig != nil {
		cfg = cp.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = cp.ServerName
		if cfg.ServerName == "" {
			cfg.ServerName = cp.Address.Addr().String()
		}
	}
	return cfg
}

// DialContext establishes a TCP connection to address via the configured
// HTTP proxy, returned as a net.Conn.
//
// For TLS proxies, this performs a TLS handshake to the proxy before sending
// CONNECT.
//
// CONNECT negotiation is performed synchronously before returning.
//
// If NegotiationTimeout is set, a deadline is applied during TLS and
// CONNECT negotiation and cleared before returning.
func (f *HTTPProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("http proxy dial %s %s: unsupported network", network, address)
	}

	c, err := f.direct.DialContext(ctx, network, f.proxy.Address.String())
	if err != nil {
		return nil, fmt.Errorf("http proxy: %w", err)
	}

	if f.cfg.NegotiationTimeout > 0 {
		_ = c.SetDeadline(time.Now().Add(f.cfg.NegotiationTimeout))
	}

	if f.proxy.Transport == chain.TLS {
		tlsConn := tls.Client(c, TLSClientConfig(f.proxy))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = tlsConn.Close()
			return nil, fmt.Errorf("http proxy connect tls handshake: %w", err)
		}
		c = tlsConn
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: address},
		Host:   address,
		Header: make(http.Header),
	}
	if f.auth != "" {
		req.Header.Set("Proxy-Authorization", f.auth)
	}

	if err := req.Write(c); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("http proxy connect write: %w", err)
	}
	wroteTunnelRequest(ctx)

	br := bufio.NewReader(c)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("http proxy connect read: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		_ = c.Close()
		return nil, fmt.Errorf("http proxy connect failed: %s", resp.Status)
	}

	if f.cfg.NegotiationTimeout > 0 {
		_ = c.SetDeadline(time.Time{})
	}

	if br.Buffered() > 0 {
		return &bufferedConn{Conn: c, r: br}, nil
	}
	return c, nil
}

// bufferedConn returns bytes the proxy sent after its CONNECT response
// before reading from the connection again.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *bufferedConn) CloseWrite() error {
	return closeWrite(c.Conn)
}
