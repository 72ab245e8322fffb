package dialer

import "context"

// Trace holds hooks a chaining dialer calls while it sets up a tunnel.
type Trace struct {
	// WroteTunnelRequest is called once the tunnel request (CONNECT line,
	// SOCKS5 request, or SSH channel open) reached the chained proxy,
	// whether or not the proxy then accepts it.
	WroteTunnelRequest func()
}

type traceKey struct{}

// WithTrace returns a context carrying t.
func WithTrace(ctx context.Context, t *Trace) context.Context {
	return context.WithValue(ctx, traceKey{}, t)
}

// ContextTrace returns the Trace carried by ctx, or nil.
func ContextTrace(ctx context.Context) *Trace {
	t, _ := ctx.Value(traceKey{}).(*Trace)
	return t
}

func wroteTunnelRequest(ctx context.Context) {
	if t := ContextTrace(ctx); t != nil && t.WroteTunnelRequest != nil {
		t.WroteTunnelRequest()
	}
}
