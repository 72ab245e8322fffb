package proxy

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/die-net/chaincheck/internal/testutil"
)

func TestHTTPProxyConnectDirect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)

	var rec recorder
	srv := startProxy(t, NewBootstrap().PlusActivityTracker(rec.tracker()))

	c, err := net.Dial("tcp", srv.ListenAddress().String())
	require.NoError(t, err)

	req := &http.Request{Method: http.MethodConnect, Host: echoLn.Addr().String(), URL: &url.URL{Opaque: echoLn.Addr().String()}}
	require.NoError(t, req.Write(c))

	br := bufio.NewReader(c)
	resp, err := http.ReadResponse(br, req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	testutil.AssertEcho(t, c, br, []byte("hello"))
	_ = c.Close()

	assert.Equal(t, int64(1), rec.received.Load())
	assert.Equal(t, int64(1), rec.sent.Load())
	assert.Equal(t, int64(0), rec.chainedSent.Load())
	assert.Equal(t, int64(http.StatusOK), rec.lastStatus.Load())

	require.NoError(t, srv.Stop())
	assert.Equal(t, int64(5), rec.bytesSent.Load())
	assert.Equal(t, int64(5), rec.bytesReceived.Load())
	assert.Equal(t, rec.connected.Load(), rec.disconnected.Load())
}

func TestHTTPProxyConnectBadGateway(t *testing.T) {
	var rec recorder
	srv := startProxy(t, NewBootstrap().PlusActivityTracker(rec.tracker()))

	c, err := net.Dial("tcp", srv.ListenAddress().String())
	require.NoError(t, err)
	defer c.Close()

	target := testutil.ClosedAddr(t).String()
	req := &http.Request{Method: http.MethodConnect, Host: target, URL: &url.URL{Opaque: target}}
	require.NoError(t, req.Write(c))

	resp, err := http.ReadResponse(bufio.NewReader(c), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, int64(0), rec.sent.Load())
	assert.Equal(t, int64(http.StatusBadGateway), rec.lastStatus.Load())
}

func TestHTTPProxyForward(t *testing.T) {
	origin := startOrigin(t)

	var rec recorder
	srv := startProxy(t, NewBootstrap().WithName("forward").PlusActivityTracker(rec.tracker()))
	client := proxyClient(srv)

	code, body := get(t, client, origin.URL+"/a")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "GET ", body)

	resp, err := client.Post(origin.URL+"/b", "text/plain", strings.NewReader("payload"))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, int64(2), rec.received.Load())
	assert.Equal(t, int64(2), rec.sent.Load())
	// The last response may reach the client before the handler returns.
	assert.Eventually(t, func() bool { return rec.responses.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "forward", srv.Name())
}

func TestHTTPProxyForwardBadGateway(t *testing.T) {
	var rec recorder
	srv := startProxy(t, NewBootstrap().PlusActivityTracker(rec.tracker()))

	code, _ := get(t, proxyClient(srv), "http://"+testutil.ClosedAddr(t).String()+"/")
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, int64(1), rec.received.Load())
	assert.Equal(t, int64(0), rec.sent.Load())
	assert.Equal(t, int64(http.StatusBadGateway), rec.lastStatus.Load())
}

func TestHTTPProxyRejectsOriginForm(t *testing.T) {
	srv := startProxy(t, NewBootstrap())

	resp, err := http.Get("http://" + srv.ListenAddress().String() + "/")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTargetAddress(t *testing.T) {
	tests := []struct {
		method string
		target string
		want   string
	}{
		{method: http.MethodGet, target: "http://example.com/x", want: "example.com:80"},
		{method: http.MethodGet, target: "https://example.com/x", want: "example.com:443"},
		{method: http.MethodGet, target: "http://example.com:8080/x", want: "example.com:8080"},
		{method: http.MethodGet, target: "http://[::1]/x", want: "[::1]:80"},
		{method: http.MethodConnect, target: "example.com", want: "example.com:443"},
		{method: http.MethodConnect, target: "example.com:22", want: "example.com:22"},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.target, func(t *testing.T) {
			var r *http.Request
			if tt.method == http.MethodConnect {
				r = &http.Request{Method: tt.method, Host: tt.target, URL: &url.URL{Host: tt.target}}
			} else {
				u, err := url.Parse(tt.target)
				require.NoError(t, err)
				r = &http.Request{Method: tt.method, Host: u.Host, URL: u}
			}
			assert.Equal(t, tt.want, targetAddress(r))
		})
	}
}
