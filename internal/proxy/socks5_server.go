package proxy

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/die-net/chaincheck/internal/activity"
	"github.com/die-net/chaincheck/internal/socks5"
)

// serveSOCKS5 accepts SOCKS5 clients on ln until it is closed.
func (s *Server) serveSOCKS5(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if s.State() == Stopped || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("socks5 accept: %w", err)
		}

		if !s.track(c) {
			_ = c.Close()
			return nil
		}
		go func() {
			defer s.untrack(c)
			s.handleSOCKS5(c)
		}()
	}
}

func (s *Server) handleSOCKS5(conn net.Conn) {
	defer conn.Close()

	remote := conn.RemoteAddr()
	s.tracker.ClientConnected(remote)
	defer s.tracker.ClientDisconnected(remote)

	if s.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
	}

	if err := socks5.ServerNegotiate(conn, socks5.Auth{}); err != nil {
		s.log.Debug("socks5 negotiation", zap.Stringer("client", remote), zap.Error(err))
		return
	}

	req, err := socks5.ServerReadRequest(conn)
	if err != nil {
		s.log.Debug("socks5 request", zap.Stringer("client", remote), zap.Error(err))
		return
	}
	if req.Cmd != socks5.CmdConnect {
		socks5.WriteCommandNotSupportedReply(conn, req.Atyp)
		return
	}

	ctx := s.flowCtx
	flow := activity.FlowContext{ProxyName: s.name, ClientAddr: remote}
	r := connectRequest(ctx, req.Address(), remote)
	s.tracker.RequestReceivedFromClient(flow, r)

	full := s.route(flow, r, req.Address())
	upstream, err := s.openTunnel(ctx, full, r)
	if err != nil {
		s.tracker.ResponseSentToClient(flow, syntheticResponse(r, http.StatusBadGateway))
		socks5.WriteHostUnreachableReply(conn, req.Atyp)
		return
	}

	s.tracker.ResponseSentToClient(flow, syntheticResponse(r, http.StatusOK))
	if err := socks5.WriteSuccessReply(conn, upstream.LocalAddr()); err != nil {
		s.log.Debug("socks5 reply", zap.Stringer("client", remote), zap.Error(err))
		_ = upstream.Close()
		return
	}

	if s.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Time{})
	}
	s.relay(ctx, full, conn, upstream)
}
