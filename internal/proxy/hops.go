package proxy

import (
	"crypto/tls"
	"io"
	"net/http"
	"sync"

	"github.com/die-net/chaincheck/internal/chain"
	"github.com/die-net/chaincheck/internal/dialer"
)

// hops caches one dialer and one http.Transport per next hop, so that
// connections to a chained proxy are pooled across flows. Hops are keyed
// by the whole descriptor: the same address with other credentials or TLS
// settings is a different hop.
type hops struct {
	cfg    dialer.Config
	direct dialer.Dialer
	idle   Config

	mu              sync.Mutex
	directTransport *http.Transport
	dialers         map[chain.ChainedProxy]dialer.Dialer
	transports      map[chain.ChainedProxy]*http.Transport
}

func newHops(cfg Config, dcfg dialer.Config) *hops {
	return &hops{
		cfg:        dcfg,
		direct:     dialer.NewDirectDialer(dcfg),
		idle:       cfg,
		dialers:    make(map[chain.ChainedProxy]dialer.Dialer),
		transports: make(map[chain.ChainedProxy]*http.Transport),
	}
}

// dialer returns the dialer reaching addresses through cp, or directly
// when cp is nil.
func (h *hops) dialer(cp *chain.ChainedProxy) (dialer.Dialer, error) {
	if cp == nil {
		return h.direct, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if d, ok := h.dialers[*cp]; ok {
		return d, nil
	}
	d, err := dialer.New(h.cfg, *cp)
	if err != nil {
		return nil, err
	}
	h.dialers[*cp] = d
	return d, nil
}

// transport returns the http.Transport that forwards requests through cp,
// or directly when cp is nil.
//
// Plain and TLS hops receive proxied requests on pooled connections.
// Tunnel hops get a fresh tunnel per request so that each request is one
// tunnel request at the chained proxy.
func (h *hops) transport(cp *chain.ChainedProxy) (*http.Transport, error) {
	h.mu.Lock()
	t := h.cached(cp)
	h.mu.Unlock()
	if t != nil {
		return t, nil
	}

	t = &http.Transport{
		DialContext:         h.direct.DialContext,
		MaxIdleConns:        256,
		MaxIdleConnsPerHost: 64,
		IdleConnTimeout:     h.idle.HTTPIdleTimeout,
		TLSHandshakeTimeout: h.idle.NegotiationTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			ClientSessionCache: tls.NewLRUClientSessionCache(0),
		},
	}

	switch {
	case cp == nil:
	case cp.Transport.Tunnel():
		d, err := h.dialer(cp)
		if err != nil {
			return nil, err
		}
		t.DialContext = d.DialContext
		t.DisableKeepAlives = true
	default:
		// With Transport.Proxy set, DialContext reaches the proxy itself and
		// TLSClientConfig secures the hop when the proxy URL is https.
		t.Proxy = http.ProxyURL(cp.URL())
		if cp.TLSConfig != nil {
			t.TLSClientConfig = cp.TLSConfig.Clone()
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if existing := h.cached(cp); existing != nil {
		return existing, nil
	}
	if cp == nil {
		h.directTransport = t
	} else {
		h.transports[*cp] = t
	}
	return t, nil
}

// cached returns the transport already built for cp. h.mu must be held.
func (h *hops) cached(cp *chain.ChainedProxy) *http.Transport {
	if cp == nil {
		return h.directTransport
	}
	return h.transports[*cp]
}

// Close drops idle pooled connections and closes dialers that hold a
// shared transport.
func (h *hops) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.directTransport != nil {
		h.directTransport.CloseIdleConnections()
		h.directTransport = nil
	}
	for _, t := range h.transports {
		t.CloseIdleConnections()
	}
	for _, d := range h.dialers {
		if c, ok := d.(io.Closer); ok {
			_ = c.Close()
		}
	}
	clear(h.transports)
	clear(h.dialers)
}
