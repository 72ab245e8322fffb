package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// ForwardFunc opens the destination of a direct-tcpip channel. remote is the
// address of the SSH client that asked for it.
type ForwardFunc func(ctx context.Context, remote net.Addr, address string) (net.Conn, error)

// ServerConfig holds configuration for the SSH server.
type ServerConfig struct {
	// HostKeys are the server's private host key(s). At least one is required.
	HostKeys []ssh.Signer

	// PasswordCallback authenticates users by password. At least one of
	// PasswordCallback or PublicKeyCallback must be set.
	PasswordCallback func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error)

	// PublicKeyCallback authenticates users by public key.
	PublicKeyCallback func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error)

	// Forward is required.
	Forward ForwardFunc

	// HandshakeTimeout bounds the SSH handshake of each accepted connection.
	HandshakeTimeout time.Duration

	// OnConnect and OnDisconnect, if set, bracket every accepted TCP
	// connection.
	OnConnect    func(net.Addr)
	OnDisconnect func(net.Addr)

	Logger *zap.Logger
}

// Server accepts SSH connections and serves "direct-tcpip" channels, the
// server side of ssh -D style forwarding.
type Server struct {
	cfg    ServerConfig
	config *ssh.ServerConfig
	log    *zap.Logger

	mu       sync.Mutex
	closed   bool
	lns      []net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	shutdown chan struct{}
}

// directTCPIPPayload is the payload for direct-tcpip channel requests
// (RFC 4254 section 7.2).
type directTCPIPPayload struct {
	Host       string
	Port       uint32
	OriginHost string
	OriginPort uint32
}

// NewServer validates cfg and returns a Server ready to Serve.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.PasswordCallback == nil && cfg.PublicKeyCallback == nil {
		return nil, errors.New("ssh server: at least one auth callback required")
	}
	if len(cfg.HostKeys) == 0 {
		return nil, errors.New("ssh server: at least one host key required")
	}
	if cfg.Forward == nil {
		return nil, errors.New("ssh server: missing forward func")
	}

	sshConfig := &ssh.ServerConfig{
		PasswordCallback:  cfg.PasswordCallback,
		PublicKeyCallback: cfg.PublicKeyCallback,
	}
	for _, key := range cfg.HostKeys {
		sshConfig.AddHostKey(key)
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Server{
		cfg:      cfg,
		config:   sshConfig,
		log:      log,
		conns:    make(map[net.Conn]struct{}),
		shutdown: make(chan struct{}),
	}, nil
}

// Serve accepts connections on ln until ln is closed. It returns nil when
// the server was closed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.lns = append(s.lns, ln)
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("ssh server accept: %w", err)
		}

		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}
		s.wg.Go(func() {
			defer s.untrack(conn)
			s.handleConn(ctx, conn)
		})
	}
}

// Close stops the listeners, closes live connections, and waits for their
// handlers to return.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.shutdown)
	lns := s.lns
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	var errs []error
	for _, ln := range lns {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	s.wg.Wait()
	return errors.Join(errs...)
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	remote := conn.RemoteAddr()
	if s.cfg.OnConnect != nil {
		s.cfg.OnConnect(remote)
	}
	if s.cfg.OnDisconnect != nil {
		defer s.cfg.OnDisconnect(remote)
	}

	if s.cfg.HandshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	}
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		s.log.Debug("ssh handshake failed", zap.Stringer("client", remote), zap.Error(err))
		return
	}
	defer sshConn.Close()
	if s.cfg.HandshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Time{})
	}

	go ssh.DiscardRequests(reqs)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	context.AfterFunc(ctx, func() {
		_ = sshConn.Close()
	})
	go func() {
		select {
		case <-ctx.Done():
		case <-s.shutdown:
			cancel()
		}
	}()

	var wg sync.WaitGroup
	for newChan := range chans {
		if newChan.ChannelType() != "direct-tcpip" {
			_ = newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}

		wg.Go(func() {
			s.handleDirectTCPIP(ctx, remote, newChan)
		})
	}
	wg.Wait()
}

func (s *Server) handleDirectTCPIP(ctx context.Context, remote net.Addr, newChan ssh.NewChannel) {
	var payload directTCPIPPayload
	if err := ssh.Unmarshal(newChan.ExtraData(), &payload); err != nil {
		_ = newChan.Reject(ssh.Prohibited, "invalid direct-tcpip payload")
		return
	}

	addr := net.JoinHostPort(payload.Host, strconv.FormatUint(uint64(payload.Port), 10))
	dst, err := s.cfg.Forward(ctx, remote, addr)
	if err != nil {
		_ = newChan.Reject(ssh.ConnectionFailed, fmt.Sprintf("dial %s: %v", addr, err))
		return
	}
	defer dst.Close()

	ch, reqs, err := newChan.Accept()
	if err != nil {
		return
	}
	defer ch.Close()
	go ssh.DiscardRequests(reqs)

	stop := context.AfterFunc(ctx, func() {
		_ = ch.Close()
		_ = dst.Close()
	})
	defer stop()

	go func() {
		_, err := io.Copy(dst, ch)
		// Pass the client's EOF along but keep relaying the reply.
		if cw, ok := dst.(interface{ CloseWrite() error }); ok && err == nil {
			_ = cw.CloseWrite()
		} else {
			_ = dst.Close()
		}
	}()

	// The channel lives until the destination finishes replying. Returning
	// closes both, which unblocks the copy above.
	_, _ = io.Copy(ch, dst)
	_ = ch.CloseWrite()
}

// GenerateHostKey returns a fresh Ed25519 host key.
func GenerateHostKey() (ssh.Signer, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}
	return ssh.NewSignerFromKey(key)
}
