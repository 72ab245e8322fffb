package activity

import (
	"net"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is a Tracker that exports flow counters to Prometheus.
//
// Every series carries a "proxy" label; hop series also carry "transport",
// which is "direct" for flows that were not chained.
type Metrics struct {
	proxy string

	clientsConnected    prometheus.Counter
	clientsDisconnected prometheus.Counter
	requestsReceived    prometheus.Counter
	requestsSent        *prometheus.CounterVec
	responsesReceived   *prometheus.CounterVec
	responsesSent       *prometheus.CounterVec
	bytesSent           *prometheus.CounterVec
	bytesReceived       *prometheus.CounterVec
}

var _ Tracker = (*Metrics)(nil)

// NewMetrics registers the counters for the proxy instance named proxy
// with reg. Registering the same proxy name twice on one registry fails.
func NewMetrics(reg prometheus.Registerer, proxy string) (*Metrics, error) {
	constLabels := prometheus.Labels{"proxy": proxy}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "chaincheck",
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		})
	}
	vec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "chaincheck",
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		}, labels)
	}

	m := &Metrics{
		proxy:               proxy,
		clientsConnected:    counter("clients_connected_total", "Client connections accepted."),
		clientsDisconnected: counter("clients_disconnected_total", "Client connections closed."),
		requestsReceived:    counter("requests_received_total", "Requests received from clients."),
		requestsSent:        vec("requests_sent_total", "Requests sent toward servers, by hop transport.", "transport"),
		responsesReceived:   vec("responses_received_total", "Responses received from servers, by hop transport and status.", "transport", "code"),
		responsesSent:       vec("responses_sent_total", "Responses sent to clients, by status.", "code"),
		bytesSent:           vec("tunnel_bytes_sent_total", "Tunnel bytes sent toward servers, by hop transport.", "transport"),
		bytesReceived:       vec("tunnel_bytes_received_total", "Tunnel bytes received from servers, by hop transport.", "transport"),
	}

	for _, c := range []prometheus.Collector{
		m.clientsConnected, m.clientsDisconnected, m.requestsReceived,
		m.requestsSent, m.responsesReceived, m.responsesSent,
		m.bytesSent, m.bytesReceived,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func hopLabel(flow FullFlowContext) string {
	if flow.ChainedProxy == nil {
		return "direct"
	}
	return flow.ChainedProxy.Transport.String()
}

func codeLabel(resp *http.Response) string {
	if resp == nil {
		return "0"
	}
	return strconv.Itoa(resp.StatusCode)
}

func (m *Metrics) ClientConnected(net.Addr) { m.clientsConnected.Inc() }

func (m *Metrics) ClientDisconnected(net.Addr) { m.clientsDisconnected.Inc() }

func (m *Metrics) RequestReceivedFromClient(FlowContext, *http.Request) {
	m.requestsReceived.Inc()
}

func (m *Metrics) RequestSentToServer(flow FullFlowContext, _ *http.Request) {
	m.requestsSent.WithLabelValues(hopLabel(flow)).Inc()
}

func (m *Metrics) ResponseReceivedFromServer(flow FullFlowContext, resp *http.Response) {
	m.responsesReceived.WithLabelValues(hopLabel(flow), codeLabel(resp)).Inc()
}

func (m *Metrics) ResponseSentToClient(_ FlowContext, resp *http.Response) {
	m.responsesSent.WithLabelValues(codeLabel(resp)).Inc()
}

func (m *Metrics) BytesSentToServer(flow FullFlowContext, n int64) {
	m.bytesSent.WithLabelValues(hopLabel(flow)).Add(float64(n))
}

func (m *Metrics) BytesReceivedFromServer(flow FullFlowContext, n int64) {
	m.bytesReceived.WithLabelValues(hopLabel(flow)).Add(float64(n))
}
