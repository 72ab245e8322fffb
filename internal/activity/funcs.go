package activity

import (
	"net"
	"net/http"
)

// Funcs is a Tracker built from optional closures. Nil fields are skipped.
type Funcs struct {
	OnClientConnected            func(addr net.Addr)
	OnClientDisconnected         func(addr net.Addr)
	OnRequestReceivedFromClient  func(flow FlowContext, r *http.Request)
	OnRequestSentToServer        func(flow FullFlowContext, r *http.Request)
	OnResponseReceivedFromServer func(flow FullFlowContext, resp *http.Response)
	OnResponseSentToClient       func(flow FlowContext, resp *http.Response)
	OnBytesSentToServer          func(flow FullFlowContext, n int64)
	OnBytesReceivedFromServer    func(flow FullFlowContext, n int64)
}

var _ Tracker = Funcs{}

func (f Funcs) ClientConnected(addr net.Addr) {
	if f.OnClientConnected != nil {
		f.OnClientConnected(addr)
	}
}

func (f Funcs) ClientDisconnected(addr net.Addr) {
	if f.OnClientDisconnected != nil {
		f.OnClientDisconnected(addr)
	}
}

func (f Funcs) RequestReceivedFromClient(flow FlowContext, r *http.Request) {
	if f.OnRequestReceivedFromClient != nil {
		f.OnRequestReceivedFromClient(flow, r)
	}
}

func (f Funcs) RequestSentToServer(flow FullFlowContext, r *http.Request) {
	if f.OnRequestSentToServer != nil {
		f.OnRequestSentToServer(flow, r)
	}
}

func (f Funcs) ResponseReceivedFromServer(flow FullFlowContext, resp *http.Response) {
	if f.OnResponseReceivedFromServer != nil {
		f.OnResponseReceivedFromServer(flow, resp)
	}
}

func (f Funcs) ResponseSentToClient(flow FlowContext, resp *http.Response) {
	if f.OnResponseSentToClient != nil {
		f.OnResponseSentToClient(flow, resp)
	}
}

func (f Funcs) BytesSentToServer(flow FullFlowContext, n int64) {
	if f.OnBytesSentToServer != nil {
		f.OnBytesSentToServer(flow, n)
	}
}

func (f Funcs) BytesReceivedFromServer(flow FullFlowContext, n int64) {
	if f.OnBytesReceivedFromServer != nil {
		f.OnBytesReceivedFromServer(flow, n)
	}
}
