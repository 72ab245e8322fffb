package scenario

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/die-net/chaincheck/internal/proxy"
)

// Flags describe the configuration a fixture's proxy runs in.
type Flags struct {
	// Chained is set when the proxy forwards through a chained proxy.
	Chained bool
	// ExpectBadGatewayForEverything is set when no request can reach the
	// origin, so every scenario expects 502 Bad Gateway.
	ExpectBadGatewayForEverything bool
}

// ClientTimeout bounds every request a scenario sends.
const ClientTimeout = 10 * time.Second

// Fixture is an origin web server and the proxy under test in front of it.
// It owns both and closes both.
type Fixture struct {
	Flags Flags

	proxy  *proxy.Server
	origin *http.Server
	addr   net.Addr
	client *http.Client
	log    *zap.Logger
}

// StartFixture starts the origin and then the proxy b describes.
func StartFixture(ctx context.Context, b proxy.Bootstrap, flags Flags, log *zap.Logger) (*Fixture, error) {
	if log == nil {
		log = zap.NewNop()
	}

	ln, err := proxy.ListenTCP(ctx, "127.0.0.1:0", net.KeepAliveConfig{})
	if err != nil {
		return nil, fmt.Errorf("origin: %w", err)
	}
	origin := &http.Server{
		Handler:           http.HandlerFunc(echoMethodAndBody),
		ReadHeaderTimeout: ClientTimeout,
	}
	go func() {
		if err := origin.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("origin serve", zap.Error(err))
		}
	}()

	srv, err := b.Start(ctx)
	if err != nil {
		_ = origin.Close()
		return nil, err
	}

	proxyURL := &url.URL{Scheme: "http", Host: srv.ListenAddress().String()}
	return &Fixture{
		Flags:  flags,
		proxy:  srv,
		origin: origin,
		addr:   ln.Addr(),
		client: &http.Client{
			Timeout: ClientTimeout,
			Transport: &http.Transport{
				Proxy:             http.ProxyURL(proxyURL),
				DisableKeepAlives: true,
			},
		},
		log: log,
	}, nil
}

// echoMethodAndBody answers "METHOD body".
func echoMethodAndBody(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprintf(w, "%s %s", r.Method, body)
}

// Proxy returns the proxy under test.
func (f *Fixture) Proxy() *proxy.Server {
	return f.proxy
}

// OriginURL returns the base URL of the origin web server.
func (f *Fixture) OriginURL() string {
	return "http://" + f.addr.String() + "/"
}

// Client returns an HTTP client that sends every request through the proxy.
func (f *Fixture) Client() *http.Client {
	return f.client
}

// Close stops the proxy and the origin.
func (f *Fixture) Close() error {
	f.client.CloseIdleConnections()
	return errors.Join(f.proxy.Stop(), f.origin.Close())
}
