package activity

import (
	"net"
	"net/http"

	"github.com/die-net/chaincheck/internal/chain"
)

// FlowContext identifies the client side of a flow.
type FlowContext struct {
	// ProxyName is the name of the proxy instance handling the flow.
	ProxyName string
	// ClientAddr is the remote address of the client connection.
	ClientAddr net.Addr
}

// FullFlowContext identifies both sides of a flow.
type FullFlowContext struct {
	FlowContext

	// ServerHostAndPort is the host:port the client asked for.
	ServerHostAndPort string
	// ChainedProxy is the hop the flow goes through, or nil when the proxy
	// connects directly.
	ChainedProxy *chain.ChainedProxy
}

// Chained reports whether the flow goes through a chained proxy.
func (f FullFlowContext) Chained() bool {
	return f.ChainedProxy != nil
}

// Tracker receives callbacks at defined points of each flow.
//
// Tunneled flows (CONNECT, SOCKS5, SSH direct-tcpip) present a synthesized
// CONNECT request whose Host is the tunnel target, and report their byte
// totals once the tunnel closes.
type Tracker interface {
	ClientConnected(addr net.Addr)
	ClientDisconnected(addr net.Addr)

	RequestReceivedFromClient(flow FlowContext, r *http.Request)
	RequestSentToServer(flow FullFlowContext, r *http.Request)
	ResponseReceivedFromServer(flow FullFlowContext, resp *http.Response)
	ResponseSentToClient(flow FlowContext, resp *http.Response)

	BytesSentToServer(flow FullFlowContext, n int64)
	BytesReceivedFromServer(flow FullFlowContext, n int64)
}

// Adapter implements every Tracker hook as a no-op. Embed it to override
// only the hooks you need.
type Adapter struct{}

var _ Tracker = Adapter{}

func (Adapter) ClientConnected(net.Addr) {}
func (Adapter) ClientDisconnected(net.Addr) {}
func (Adapter) RequestReceivedFromClient(FlowContext, *http.Request) {}
func (Adapter) RequestSentToServer(FullFlowContext, *http.Request) {}
func (Adapter) ResponseReceivedFromServer(FullFlowContext, *http.Response) {}
func (Adapter) ResponseSentToClient(FlowContext, *http.Response) {}
func (Adapter) BytesSentToServer(FullFlowContext, int64) {}
func (Adapter) BytesReceivedFromServer(FullFlowContext, int64) {}
