package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"sync"

	"github.com/matgreaves/run"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/die-net/chaincheck/internal/activity"
	"github.com/die-net/chaincheck/internal/chain"
	"github.com/die-net/chaincheck/internal/dialer"
	internalssh "github.com/die-net/chaincheck/internal/ssh"
)

// ErrNotStarted is returned by Runner for a server that already stopped.
var ErrNotStarted = errors.New("proxy: not started")

// State is the lifecycle stage of a proxy instance.
type State int32

const (
	Configured State = iota
	Started
	Stopped
)

func (s State) String() string {
	switch s {
	case Configured:
		return "configured"
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Server is a running proxy instance.
type Server struct {
	name      string
	transport chain.TransportProtocol
	selector  chain.Selector
	tracker   activity.Multi
	cfg       Config
	log       *zap.Logger
	hops      *hops

	ln    net.Listener
	addr  *net.TCPAddr
	state atomic.Int32

	httpSrv *http.Server
	rp      *httputil.ReverseProxy
	sshSrv  *internalssh.Server

	// flowCtx is the parent of every flow and ends on Stop.
	flowCtx context.Context
	cancel  context.CancelFunc

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup

	done     chan struct{}
	serveErr error

	stopOnce sync.Once
	stopErr  error
}

// Start binds the listener and begins serving in the background. It
// returns once the listener is accepting connections.
func (b Bootstrap) Start(ctx context.Context) (*Server, error) {
	transport := b.transport
	if transport == 0 {
		transport = chain.Plain
	}
	name := b.name
	if name == "" {
		name = "proxy"
	}
	base := b.log
	if base == nil {
		base = zap.NewNop()
	}
	log := base.With(zap.String("proxy", name))

	switch transport {
	case chain.Plain, chain.SOCKS5:
	case chain.TLS:
		if b.tlsConfig == nil || (len(b.tlsConfig.Certificates) == 0 && b.tlsConfig.GetCertificate == nil && b.tlsConfig.GetConfigForClient == nil) {
			return nil, fmt.Errorf("proxy %s: tls listener without certificate", name)
		}
	case chain.SSH:
		if b.sshHostKey == nil || b.sshUsername == "" {
			return nil, fmt.Errorf("proxy %s: ssh listener without host key or username", name)
		}
	default:
		return nil, fmt.Errorf("proxy %s: unsupported transport %s", name, transport)
	}

	ln, err := ListenTCP(ctx, b.listenAddress(), b.cfg.KeepAlive)
	if err != nil {
		return nil, fmt.Errorf("proxy %s: %w", name, err)
	}

	s := &Server{
		name:      name,
		transport: transport,
		selector:  b.selector,
		tracker:   activity.Join(append(append([]activity.Tracker{}, b.trackers...), activity.NewLogging(base))...),
		cfg:       b.cfg,
		log:       log,
		ln:        ln,
		addr:      ln.Addr().(*net.TCPAddr),
		conns:     make(map[net.Conn]struct{}),
		done:      make(chan struct{}),
	}
	s.hops = newHops(b.cfg, dialer.Config{
		DialTimeout:        b.cfg.DialTimeout,
		NegotiationTimeout: b.cfg.NegotiationTimeout,
		KeepAlive:          b.cfg.KeepAlive,
		SSHKeyPath:         b.cfg.SSHKeyPath,
		SSHKnownHostsPath:  b.cfg.SSHKnownHostsPath,
		Logger:             log,
	})
	s.flowCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	serveLn := ln
	switch transport {
	case chain.Plain:
		s.httpSrv, s.rp = s.newHTTPServer()
	case chain.TLS:
		s.httpSrv, s.rp = s.newHTTPServer()
		serveLn = tls.NewListener(ln, b.tlsConfig.Clone())
	case chain.SSH:
		s.sshSrv, err = internalssh.NewServer(internalssh.ServerConfig{
			HostKeys:         []ssh.Signer{b.sshHostKey},
			PasswordCallback: internalssh.PasswordAuth(b.sshUsername, b.sshPassword),
			Forward:          s.forwardSSH,
			HandshakeTimeout: b.cfg.NegotiationTimeout,
			OnConnect:        s.tracker.ClientConnected,
			OnDisconnect:     s.tracker.ClientDisconnected,
			Logger:           log,
		})
		if err != nil {
			_ = ln.Close()
			s.cancel()
			return nil, fmt.Errorf("proxy %s: %w", name, err)
		}
	}

	s.state.Store(int32(Started))
	go s.serve(serveLn)

	log.Info("proxy started", zap.Stringer("transport", transport), zap.Stringer("addr", s.addr))
	return s, nil
}

func (s *Server) serve(ln net.Listener) {
	defer close(s.done)

	var err error
	switch s.transport {
	case chain.Plain, chain.TLS:
		err = s.httpSrv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	case chain.SOCKS5:
		err = s.serveSOCKS5(ln)
	case chain.SSH:
		err = s.sshSrv.Serve(s.flowCtx, ln)
	}
	if err != nil {
		s.log.Error("proxy serve", zap.Error(err))
	}
	s.serveErr = err
}

// Name returns the instance name given to the Bootstrap.
func (s *Server) Name() string {
	return s.name
}

// ListenAddress returns the bound address.
func (s *Server) ListenAddress() *net.TCPAddr {
	return s.addr
}

// Transport returns the protocol the listener accepts.
func (s *Server) Transport() chain.TransportProtocol {
	return s.transport
}

func (s *Server) State() State {
	return State(s.state.Load())
}

// Stop closes the listener and every connection, and waits for flow
// goroutines to return. It is safe to call more than once.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.state.Store(int32(Stopped))
		s.cancel()

		var errs []error
		switch s.transport {
		case chain.Plain, chain.TLS:
			errs = append(errs, s.httpSrv.Close())
		case chain.SOCKS5:
			if err := s.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		case chain.SSH:
			errs = append(errs, s.sshSrv.Close())
		}

		s.mu.Lock()
		for c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()

		s.wg.Wait()
		<-s.done
		s.hops.Close()

		s.stopErr = errors.Join(errs...)
		s.log.Info("proxy stopped")
	})
	return s.stopErr
}

// Runner serves until ctx ends and then stops the server.
func (s *Server) Runner() run.Runner {
	return run.Func(func(ctx context.Context) error {
		if s.State() != Started {
			return ErrNotStarted
		}
		select {
		case <-ctx.Done():
			return s.Stop()
		case <-s.done:
			return errors.Join(s.serveErr, s.Stop())
		}
	})
}

// track registers a connection Stop must close and wait for. It reports
// false once the server is stopping. Every successful track must be paired
// with untrack; untracking a connection that is not tracked does nothing.
func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() == Stopped {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	_, ok := s.conns[c]
	delete(s.conns, c)
	s.mu.Unlock()
	if ok {
		s.wg.Done()
	}
}
