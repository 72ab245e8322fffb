package proxy

import (
	"context"
	"net"
	"net/http"

	"github.com/die-net/chaincheck/internal/activity"
)

// forwardSSH opens the destination of a direct-tcpip channel. The SSH
// server relays the channel; the returned conn reports the byte totals.
func (s *Server) forwardSSH(ctx context.Context, remote net.Addr, address string) (net.Conn, error) {
	flow := activity.FlowContext{ProxyName: s.name, ClientAddr: remote}
	r := connectRequest(ctx, address, remote)
	s.tracker.RequestReceivedFromClient(flow, r)

	full := s.route(flow, r, address)
	upstream, err := s.openTunnel(ctx, full, r)
	if err != nil {
		s.tracker.ResponseSentToClient(flow, syntheticResponse(r, http.StatusBadGateway))
		return nil, err
	}
	s.tracker.ResponseSentToClient(flow, syntheticResponse(r, http.StatusOK))

	return &countingConn{Conn: upstream, onClose: func(sent, received int64) {
		s.tracker.BytesSentToServer(full, sent)
		s.tracker.BytesReceivedFromServer(full, received)
	}}, nil
}
