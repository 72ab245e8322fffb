package proxy

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/http/httputil"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/die-net/chaincheck/internal/activity"
	"github.com/die-net/chaincheck/internal/dialer"
)

type (
	clientAddrKey struct{}
	flowKey       struct{}
)

// newHTTPServer builds the HTTP forward proxy: CONNECT tunnels via
// hijacking, everything else via httputil.ReverseProxy.
func (s *Server) newHTTPServer() (*http.Server, *httputil.ReverseProxy) {
	errLog, err := zap.NewStdLogAt(s.log, zap.DebugLevel)
	if err != nil {
		errLog = zap.NewStdLog(s.log)
	}

	rp := &httputil.ReverseProxy{
		Rewrite:   rewriteForward,
		Transport: &observingTransport{s: s},
		// Only buffer incomplete responses briefly.
		FlushInterval: 10 * time.Millisecond,
		BufferPool:    buffers,
		ErrorLog:      errLog,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.log.Debug("forward failed", zap.String("url", r.URL.String()), zap.Error(err))
			http.Error(w, err.Error(), http.StatusBadGateway)
		},
	}

	srv := &http.Server{
		Handler:           http.HandlerFunc(s.handleHTTP),
		ReadHeaderTimeout: s.cfg.NegotiationTimeout,
		IdleTimeout:       s.cfg.HTTPIdleTimeout,
		ErrorLog:          errLog,
		BaseContext: func(net.Listener) context.Context {
			return s.flowCtx
		},
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			return context.WithValue(ctx, clientAddrKey{}, c.RemoteAddr())
		},
		ConnState: func(c net.Conn, state http.ConnState) {
			// Hijacked connections report their own disconnect and are
			// tracked again by handleConnect.
			switch state {
			case http.StateNew:
				s.track(c)
				s.tracker.ClientConnected(c.RemoteAddr())
			case http.StateHijacked:
				s.untrack(c)
			case http.StateClosed:
				s.tracker.ClientDisconnected(c.RemoteAddr())
				s.untrack(c)
			}
		},
	}
	return srv, rp
}

func clientAddr(r *http.Request) net.Addr {
	addr, _ := r.Context().Value(clientAddrKey{}).(net.Addr)
	return addr
}

func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	flow := activity.FlowContext{ProxyName: s.name, ClientAddr: clientAddr(r)}
	s.tracker.RequestReceivedFromClient(flow, r)

	if strings.EqualFold(r.Method, http.MethodConnect) {
		s.handleConnect(w, r, flow)
		return
	}

	if !r.URL.IsAbs() {
		http.Error(w, "not a proxy request", http.StatusBadRequest)
		s.tracker.ResponseSentToClient(flow, syntheticResponse(r, http.StatusBadRequest))
		return
	}

	full := s.route(flow, r, targetAddress(r))
	rec := &responseRecorder{ResponseWriter: w}
	s.rp.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), flowKey{}, full)))
	s.tracker.ResponseSentToClient(flow, rec.response(r))
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request, flow activity.FlowContext) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		s.tracker.ResponseSentToClient(flow, syntheticResponse(r, http.StatusInternalServerError))
		return
	}
	clientConn, brw, err := hj.Hijack()
	if err != nil {
		http.Error(w, "hijack failed", http.StatusInternalServerError)
		s.tracker.ResponseSentToClient(flow, syntheticResponse(r, http.StatusInternalServerError))
		return
	}
	if !s.track(clientConn) {
		_ = clientConn.Close()
		s.tracker.ClientDisconnected(clientConn.RemoteAddr())
		return
	}
	defer s.untrack(clientConn)
	defer s.tracker.ClientDisconnected(clientConn.RemoteAddr())
	defer clientConn.Close()

	ctx := r.Context()
	full := s.route(flow, r, targetAddress(r))

	serverConn, err := s.openTunnel(ctx, full, r)
	if err != nil {
		s.tracker.ResponseSentToClient(flow, syntheticResponse(r, http.StatusBadGateway))
		_, _ = writeError(brw, err, http.StatusBadGateway)
		_ = brw.Flush()
		return
	}

	s.tracker.ResponseSentToClient(flow, syntheticResponse(r, http.StatusOK))
	_, _ = brw.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n")
	if err := brw.Flush(); err != nil {
		_ = serverConn.Close()
		return
	}

	var client net.Conn = clientConn
	if brw.Reader.Buffered() > 0 {
		client = &prefixConn{Conn: clientConn, r: brw.Reader}
	}
	s.relay(ctx, full, client, serverConn)
}

// writeError simulates http.Error() for use on a hijacked connection.
func writeError(brw *bufio.ReadWriter, err error, code int) (int, error) {
	return fmt.Fprintf(brw, "HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nConnection: close\r\n\r\n%s\r\n", code, http.StatusText(code), err.Error())
}

// targetAddress returns the host:port a request is for, filling in the
// scheme's default port.
func targetAddress(r *http.Request) string {
	host := r.Host
	port := "80"
	if r.Method == http.MethodConnect {
		port = "443"
	} else if r.URL != nil {
		if r.URL.Host != "" {
			host = r.URL.Host
		}
		if r.URL.Scheme == "https" {
			port = "443"
		}
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(strings.Trim(host, "[]"), port)
	}
	return host
}

func rewriteForward(pr *httputil.ProxyRequest) {
	out := pr.Out
	if out.URL.Scheme == "" {
		out.URL.Scheme = "http"
	}
	if out.URL.Host == "" {
		out.URL.Host = pr.In.Host
	}
	out.Host = out.URL.Host
}

// observingTransport sends each request through the flow's next hop and
// reports it to the trackers.
type observingTransport struct {
	s *Server
}

func (t *observingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	s := t.s
	full, _ := req.Context().Value(flowKey{}).(activity.FullFlowContext)

	rt, err := s.hops.transport(full.ChainedProxy)
	if err != nil {
		return nil, err
	}

	var once sync.Once
	sent := func() {
		once.Do(func() { s.tracker.RequestSentToServer(full, req) })
	}

	// Tunnel hops count the tunnel request; the others count the request
	// written on the proxy connection.
	ctx := req.Context()
	if full.Chained() && full.ChainedProxy.Transport.Tunnel() {
		ctx = dialer.WithTrace(ctx, &dialer.Trace{WroteTunnelRequest: sent})
	} else {
		ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
			WroteRequest: func(info httptrace.WroteRequestInfo) {
				if info.Err == nil {
					sent()
				}
			},
		})
	}

	out := req.WithContext(ctx)
	if out.Body != nil && out.Body != http.NoBody {
		out.Body = &countingBody{ReadCloser: out.Body, onClose: func(n int64) {
			s.tracker.BytesSentToServer(full, n)
		}}
	}

	resp, err := rt.RoundTrip(out)
	if err != nil {
		return nil, err
	}
	// A response means the request was written, even if the trace callback
	// has not run yet on the transport's write goroutine.
	sent()
	s.tracker.ResponseReceivedFromServer(full, resp)

	resp.Body = &countingBody{ReadCloser: resp.Body, onClose: func(n int64) {
		s.tracker.BytesReceivedFromServer(full, n)
	}}
	return resp, nil
}

// responseRecorder remembers the status written to the client.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	if r.status == 0 && code >= 200 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *responseRecorder) response(req *http.Request) *http.Response {
	code := r.status
	if code == 0 {
		code = http.StatusOK
	}
	resp := syntheticResponse(req, code)
	resp.Header = r.Header()
	return resp
}
