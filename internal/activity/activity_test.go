package activity

import (
	"net"
	"net/http"
	"net/netip"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/die-net/chaincheck/internal/chain"
)

var clientAddr = &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000}

func chainedFlow() FullFlowContext {
	cp := chain.ChainedProxy{Address: netip.MustParseAddrPort("127.0.0.1:3128"), Transport: chain.Plain}
	return FullFlowContext{
		FlowContext:       FlowContext{ProxyName: "Downstream", ClientAddr: clientAddr},
		ServerHostAndPort: "example.com:80",
		ChainedProxy:      &cp,
	}
}

// sentCounter overrides a single hook.
type sentCounter struct {
	Adapter
	n atomic.Int64
}

func (s *sentCounter) RequestSentToServer(FullFlowContext, *http.Request) { s.n.Inc() }

func TestAdapterSelectiveOverride(t *testing.T) {
	t.Parallel()

	var tr Tracker = &sentCounter{}
	req := &http.Request{Method: http.MethodGet, Host: "example.com"}

	tr.ClientConnected(clientAddr)
	tr.RequestReceivedFromClient(FlowContext{}, req)
	tr.RequestSentToServer(chainedFlow(), req)
	tr.ResponseSentToClient(FlowContext{}, &http.Response{StatusCode: 200})

	assert.EqualValues(t, 1, tr.(*sentCounter).n.Load())
}

func TestFuncsSkipsNil(t *testing.T) {
	t.Parallel()

	var received, sent atomic.Int64
	f := Funcs{
		OnRequestReceivedFromClient: func(FlowContext, *http.Request) { received.Inc() },
		OnRequestSentToServer: func(flow FullFlowContext, _ *http.Request) {
			if flow.Chained() {
				sent.Inc()
			}
		},
	}

	req := &http.Request{Method: http.MethodGet}
	f.ClientConnected(clientAddr)
	f.ClientDisconnected(clientAddr)
	f.RequestReceivedFromClient(FlowContext{}, req)
	f.RequestSentToServer(chainedFlow(), req)
	f.RequestSentToServer(FullFlowContext{}, req)
	f.ResponseReceivedFromServer(chainedFlow(), &http.Response{})
	f.BytesSentToServer(chainedFlow(), 10)
	f.BytesReceivedFromServer(chainedFlow(), 10)

	assert.EqualValues(t, 1, received.Load())
	assert.EqualValues(t, 1, sent.Load())
}

func TestJoinFansOutInOrder(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var order []string
	named := func(name string) Tracker {
		return Funcs{OnClientConnected: func(net.Addr) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}}
	}

	m := Join(named("a"), nil, named("b"))
	require.Len(t, m, 2)

	m.ClientConnected(clientAddr)
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg, "Upstream")
	require.NoError(t, err)

	req := &http.Request{Method: http.MethodGet}
	m.ClientConnected(clientAddr)
	m.RequestReceivedFromClient(FlowContext{}, req)
	m.RequestReceivedFromClient(FlowContext{}, req)
	m.RequestSentToServer(chainedFlow(), req)
	m.RequestSentToServer(FullFlowContext{}, req)
	m.ResponseReceivedFromServer(chainedFlow(), &http.Response{StatusCode: 502})
	m.ResponseSentToClient(FlowContext{}, &http.Response{StatusCode: 200})
	m.BytesSentToServer(chainedFlow(), 128)

	assert.InDelta(t, 1, testutil.ToFloat64(m.clientsConnected), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.requestsReceived), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.requestsSent.WithLabelValues("plain")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.requestsSent.WithLabelValues("direct")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.responsesReceived.WithLabelValues("plain", "502")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.responsesSent.WithLabelValues("200")), 0)
	assert.InDelta(t, 128, testutil.ToFloat64(m.bytesSent.WithLabelValues("plain")), 0)

	_, err = NewMetrics(reg, "Upstream")
	assert.Error(t, err, "duplicate registration")

	_, err = NewMetrics(reg, "Downstream")
	assert.NoError(t, err)
}

func TestLogging(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	l := NewLogging(zap.New(core))

	l.RequestReceivedFromClient(FlowContext{ProxyName: "Upstream", ClientAddr: clientAddr},
		&http.Request{Method: http.MethodConnect, Host: "example.com:443"})
	l.RequestSentToServer(chainedFlow(), &http.Request{Method: http.MethodGet})

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "request received from client", entries[0].Message)
	assert.Equal(t, "Upstream", entries[0].ContextMap()["proxy"])
	assert.Equal(t, "example.com:443", entries[0].ContextMap()["host"])
	assert.Equal(t, "http://127.0.0.1:3128", entries[1].ContextMap()["chained"])

	NewLogging(nil).ClientConnected(clientAddr)
}
