package dialer

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/die-net/chaincheck/internal/certs"
	"github.com/die-net/chaincheck/internal/chain"
	"github.com/die-net/chaincheck/internal/testutil"
)

// serveCONNECT answers one CONNECT on c, relaying to the requested target.
func serveCONNECT(ctx context.Context, c net.Conn, wantAuth string) {
	br := bufio.NewReader(c)
	req, err := http.ReadRequest(br)
	if err != nil || req.Method != http.MethodConnect {
		return
	}
	_ = req.Body.Close()

	if req.Header.Get("Proxy-Authorization") != wantAuth {
		_, _ = io.WriteString(c, "HTTP/1.1 407 Proxy Authentication Required\r\n\r\n")
		return
	}

	var d net.Dialer
	dst, err := d.DialContext(ctx, "tcp", req.Host)
	if err != nil {
		_, _ = io.WriteString(c, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
		return
	}
	defer dst.Close()

	_, _ = io.WriteString(c, "HTTP/1.1 200 Connection Established\r\n\r\n")

	go func() {
		_, _ = io.Copy(dst, br)
		_ = dst.Close()
	}()
	_, _ = io.Copy(c, dst)
}

func TestHTTPProxyDialerDialSuccess(t *testing.T) {
	tests := []struct {
		name string
		user string
		pass string
	}{
		{name: "no_auth"},
		{name: "basic_auth", user: "user", pass: "pass"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			echoLn := testutil.StartEchoTCPServer(t, ctx)
			upLn, waitUp := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
				serveCONNECT(ctx, c, BasicAuth(tt.user, tt.pass))
			})

			f, err := NewHTTPProxyDialer(Config{DialTimeout: 2 * time.Second}, chain.ChainedProxy{
				Address:   testutil.AddrPort(t, upLn),
				Transport: chain.Plain,
				Username:  tt.user,
				Password:  tt.pass,
			})
			require.NoError(t, err)

			tctx, wrote := countingTrace(ctx)
			conn, err := f.DialContext(tctx, "tcp", echoLn.Addr().String())
			require.NoError(t, err)
			testutil.AssertEcho(t, conn, conn, []byte("hello"))
			_ = conn.Close()

			assert.Equal(t, 1, *wrote)
			waitUp()
		})
	}
}

func TestHTTPProxyDialerDialTLS(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pair, err := certs.SelfSigned("127.0.0.1")
	require.NoError(t, err)

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	upLn, waitUp := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		tc := tls.Server(c, pair.ServerConfig())
		defer tc.Close()
		serveCONNECT(ctx, tc, "")
	})

	f, err := NewHTTPProxyDialer(Config{NegotiationTimeout: time.Second}, chain.ChainedProxy{
		Address:   testutil.AddrPort(t, upLn),
		Transport: chain.TLS,
		TLSConfig: pair.ClientConfig(),
	})
	require.NoError(t, err)

	conn, err := f.DialContext(ctx, "tcp", echoLn.Addr().String())
	require.NoError(t, err)
	testutil.AssertEcho(t, conn, conn, []byte("over tls"))
	_ = conn.Close()
	waitUp()
}

func TestHTTPProxyDialerDialNon2xx(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	upLn, waitUp := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		serveCONNECT(ctx, c, "")
	})

	f, err := NewHTTPProxyDialer(Config{}, chain.ChainedProxy{
		Address:   testutil.AddrPort(t, upLn),
		Transport: chain.Plain,
	})
	require.NoError(t, err)

	tctx, wrote := countingTrace(ctx)
	_, err = f.DialContext(tctx, "tcp", testutil.ClosedAddr(t).String())
	assert.ErrorContains(t, err, "502")
	// The CONNECT reached the proxy even though it failed.
	assert.Equal(t, 1, *wrote)
	waitUp()
}

func TestHTTPProxyDialerUnreachableProxy(t *testing.T) {
	f, err := NewHTTPProxyDialer(Config{}, chain.ChainedProxy{
		Address:   testutil.ClosedAddr(t),
		Transport: chain.Plain,
	})
	require.NoError(t, err)

	ctx, wrote := countingTrace(context.Background())
	_, err = f.DialContext(ctx, "tcp", "127.0.0.1:1")
	assert.Error(t, err)
	assert.Equal(t, 0, *wrote)
}

func TestTLSClientConfig(t *testing.T) {
	cp := chain.ChainedProxy{Address: testProxyAddr, Transport: chain.TLS}
	assert.Equal(t, "127.0.0.1", TLSClientConfig(cp).ServerName)

	cp.ServerName = "proxy.test"
	assert.Equal(t, "proxy.test", TLSClientConfig(cp).ServerName)

	cp.TLSConfig = &tls.Config{ServerName: "explicit.test"} //nolint:gosec // Test config.
	cfg := TLSClientConfig(cp)
	assert.Equal(t, "explicit.test", cfg.ServerName)
	assert.NotSame(t, cp.TLSConfig, cfg)
}

func TestBasicAuth(t *testing.T) {
	assert.Empty(t, BasicAuth("", "ignored"))
	assert.Equal(t, "Basic dXNlcjpwYXNz", BasicAuth("user", "pass"))
}
