package activity

import (
	"net"
	"net/http"

	"go.uber.org/zap"
)

// Logging is a Tracker that writes one debug entry per hook.
type Logging struct {
	log *zap.Logger
}

var _ Tracker = Logging{}

// NewLogging returns a Logging tracker writing to log.
func NewLogging(log *zap.Logger) Logging {
	if log == nil {
		log = zap.NewNop()
	}
	return Logging{log: log}
}

func flowFields(flow FlowContext) []zap.Field {
	fields := []zap.Field{zap.String("proxy", flow.ProxyName)}
	if flow.ClientAddr != nil {
		fields = append(fields, zap.Stringer("client", flow.ClientAddr))
	}
	return fields
}

func fullFlowFields(flow FullFlowContext) []zap.Field {
	fields := append(flowFields(flow.FlowContext), zap.String("server", flow.ServerHostAndPort))
	if flow.ChainedProxy != nil {
		fields = append(fields, zap.Stringer("chained", flow.ChainedProxy))
	}
	return fields
}

func (l Logging) ClientConnected(addr net.Addr) {
	l.log.Debug("client connected", zap.Stringer("client", addr))
}

func (l Logging) ClientDisconnected(addr net.Addr) {
	l.log.Debug("client disconnected", zap.Stringer("client", addr))
}

func (l Logging) RequestReceivedFromClient(flow FlowContext, r *http.Request) {
	l.log.Debug("request received from client", append(flowFields(flow),
		zap.String("method", r.Method), zap.String("host", r.Host))...)
}

func (l Logging) RequestSentToServer(flow FullFlowContext, r *http.Request) {
	l.log.Debug("request sent to server", append(fullFlowFields(flow),
		zap.String("method", r.Method))...)
}

func (l Logging) ResponseReceivedFromServer(flow FullFlowContext, resp *http.Response) {
	l.log.Debug("response received from server", append(fullFlowFields(flow),
		zap.Int("status", resp.StatusCode))...)
}

func (l Logging) ResponseSentToClient(flow FlowContext, resp *http.Response) {
	l.log.Debug("response sent to client", append(flowFields(flow),
		zap.Int("status", resp.StatusCode))...)
}

func (l Logging) BytesSentToServer(flow FullFlowContext, n int64) {
	l.log.Debug("tunnel bytes sent to server", append(fullFlowFields(flow), zap.Int64("bytes", n))...)
}

func (l Logging) BytesReceivedFromServer(flow FullFlowContext, n int64) {
	l.log.Debug("tunnel bytes received from server", append(fullFlowFields(flow), zap.Int64("bytes", n))...)
}
