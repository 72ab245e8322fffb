package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap/zaptest"

	"github.com/die-net/chaincheck/internal/activity"
	"github.com/die-net/chaincheck/internal/chain"
)

// recorder counts tracker callbacks.
type recorder struct {
	connected     atomic.Int64
	disconnected  atomic.Int64
	received      atomic.Int64
	sent          atomic.Int64
	chainedSent   atomic.Int64
	responses     atomic.Int64
	bytesSent     atomic.Int64
	bytesReceived atomic.Int64
	lastStatus    atomic.Int64
	transports    chain.TransportSet
}

func (c *recorder) tracker() activity.Tracker {
	return activity.Funcs{
		OnClientConnected:    func(net.Addr) { c.connected.Inc() },
		OnClientDisconnected: func(net.Addr) { c.disconnected.Inc() },
		OnRequestReceivedFromClient: func(activity.FlowContext, *http.Request) {
			c.received.Inc()
		},
		OnRequestSentToServer: func(flow activity.FullFlowContext, _ *http.Request) {
			c.sent.Inc()
			if flow.Chained() {
				c.chainedSent.Inc()
				c.transports.Add(flow.ChainedProxy.Transport)
			}
		},
		OnResponseSentToClient: func(_ activity.FlowContext, resp *http.Response) {
			c.responses.Inc()
			c.lastStatus.Store(int64(resp.StatusCode))
		},
		OnBytesSentToServer:       func(_ activity.FullFlowContext, n int64) { c.bytesSent.Add(n) },
		OnBytesReceivedFromServer: func(_ activity.FullFlowContext, n int64) { c.bytesReceived.Add(n) },
	}
}

// startOrigin answers every request with its method and body.
func startOrigin(t *testing.T) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_, _ = fmt.Fprintf(w, "%s %s", r.Method, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DialTimeout = 2 * time.Second
	cfg.NegotiationTimeout = 2 * time.Second
	return cfg
}

func startProxy(t *testing.T, b Bootstrap) *Server {
	t.Helper()

	srv, err := b.WithConfig(testConfig()).WithLogger(zaptest.NewLogger(t)).Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

// proxyClient sends every request through the HTTP proxy at srv.
func proxyClient(srv *Server) *http.Client {
	u := &url.URL{Scheme: "http", Host: srv.ListenAddress().String()}
	return &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			Proxy:             http.ProxyURL(u),
			DisableKeepAlives: true,
		},
	}
}

func get(t *testing.T, c *http.Client, target string) (int, string) {
	t.Helper()

	resp, err := c.Get(target)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}
