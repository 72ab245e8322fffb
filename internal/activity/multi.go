package activity

import (
	"net"
	"net/http"
)

// Multi fans every hook out to its trackers in order.
type Multi []Tracker

var _ Tracker = Multi(nil)

// Join returns a Tracker calling each non-nil tracker in order.
func Join(trackers ...Tracker) Multi {
	m := make(Multi, 0, len(trackers))
	for _, t := range trackers {
		if t != nil {
			m = append(m, t)
		}
	}
	return m
}

func (m Multi) ClientConnected(addr net.Addr) {
	for _, t := range m {
		t.ClientConnected(addr)
	}
}

func (m Multi) ClientDisconnected(addr net.Addr) {
	for _, t := range m {
		t.ClientDisconnected(addr)
	}
}

func (m Multi) RequestReceivedFromClient(flow FlowContext, r *http.Request) {
	for _, t := range m {
		t.RequestReceivedFromClient(flow, r)
	}
}

func (m Multi) RequestSentToServer(flow FullFlowContext, r *http.Request) {
	for _, t := range m {
		t.RequestSentToServer(flow, r)
	}
}

func (m Multi) ResponseReceivedFromServer(flow FullFlowContext, resp *http.Response) {
	for _, t := range m {
		t.ResponseReceivedFromServer(flow, resp)
	}
}

func (m Multi) ResponseSentToClient(flow FlowContext, resp *http.Response) {
	for _, t := range m {
		t.ResponseSentToClient(flow, resp)
	}
}

func (m Multi) BytesSentToServer(flow FullFlowContext, n int64) {
	for _, t := range m {
		t.BytesSentToServer(flow, n)
	}
}

func (m Multi) BytesReceivedFromServer(flow FullFlowContext, n int64) {
	for _, t := range m {
		t.BytesReceivedFromServer(flow, n)
	}
}
