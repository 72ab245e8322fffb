package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/die-net/chaincheck/internal/activity"
	"github.com/die-net/chaincheck/internal/chain"
	"github.com/die-net/chaincheck/internal/dialer"
)

// route consults the selector once for r and returns the flow toward
// target.
func (s *Server) route(flow activity.FlowContext, r *http.Request, target string) activity.FullFlowContext {
	full := activity.FullFlowContext{FlowContext: flow, ServerHostAndPort: target}
	if cp, ok := chain.First(s.selector, r); ok {
		full.ChainedProxy = &cp
	}
	return full
}

// openTunnel dials full.ServerHostAndPort through the flow's next hop.
//
// RequestSentToServer fires once the tunnel request reached a chained
// proxy, even if the proxy then refuses it, or once a direct dial
// connected.
func (s *Server) openTunnel(ctx context.Context, full activity.FullFlowContext, r *http.Request) (net.Conn, error) {
	d, err := s.hops.dialer(full.ChainedProxy)
	if err != nil {
		return nil, err
	}

	if full.Chained() {
		ctx = dialer.WithTrace(ctx, &dialer.Trace{WroteTunnelRequest: func() {
			s.tracker.RequestSentToServer(full, r)
		}})
	}

	conn, err := d.DialContext(ctx, "tcp", full.ServerHostAndPort)
	if err != nil {
		s.log.Debug("tunnel dial failed",
			zap.String("server", full.ServerHostAndPort),
			zap.Stringer("chained", chainedName(full.ChainedProxy)),
			zap.Error(err))
		return nil, err
	}
	if !full.Chained() {
		s.tracker.RequestSentToServer(full, r)
	}
	s.tracker.ResponseReceivedFromServer(full, syntheticResponse(r, http.StatusOK))
	return conn, nil
}

// relay copies between the client and the tunnel and reports the totals.
func (s *Server) relay(ctx context.Context, full activity.FullFlowContext, client, server net.Conn) {
	sent, received, err := CopyBidirectional(ctx, client, server)
	if err != nil {
		s.log.Debug("tunnel copy", zap.String("server", full.ServerHostAndPort), zap.Error(err))
	}
	s.tracker.BytesSentToServer(full, sent)
	s.tracker.BytesReceivedFromServer(full, received)
}

// connectRequest is the request a tunnel flow presents to trackers and
// selectors.
func connectRequest(ctx context.Context, address string, remote net.Addr) *http.Request {
	r := &http.Request{
		Method:     http.MethodConnect,
		URL:        &url.URL{Host: address},
		Host:       address,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
		Body:       http.NoBody,
		RequestURI: address,
	}
	if remote != nil {
		r.RemoteAddr = remote.String()
	}
	return r.WithContext(ctx)
}

func syntheticResponse(r *http.Request, code int) *http.Response {
	return &http.Response{
		Status:     fmt.Sprintf("%d %s", code, http.StatusText(code)),
		StatusCode: code,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
		Body:       http.NoBody,
		Request:    r,
	}
}

type stringer string

func (s stringer) String() string { return string(s) }

func chainedName(cp *chain.ChainedProxy) fmt.Stringer {
	if cp == nil {
		return stringer("direct")
	}
	return cp
}

// countingBody reports the bytes read through it when closed.
type countingBody struct {
	io.ReadCloser
	n       atomic.Int64
	once    sync.Once
	onClose func(int64)
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n.Add(int64(n))
	return n, err
}

func (b *countingBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(func() { b.onClose(b.n.Load()) })
	return err
}

// countingConn reports bytes written to and read from a tunnel when
// closed.
type countingConn struct {
	net.Conn
	sent     atomic.Int64
	received atomic.Int64
	once     sync.Once
	onClose  func(sent, received int64)
}

func (c *countingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.received.Add(int64(n))
	return n, err
}

func (c *countingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.sent.Add(int64(n))
	return n, err
}

func (c *countingConn) CloseWrite() error {
	if cw, ok := c.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return c.Close()
}

func (c *countingConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() { c.onClose(c.sent.Load(), c.received.Load()) })
	return err
}

// prefixConn replays bytes the HTTP server buffered before a hijack.
type prefixConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *prefixConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *prefixConn) CloseWrite() error {
	if cw, ok := c.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}

