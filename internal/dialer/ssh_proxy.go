package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"

	"github.com/die-net/chaincheck/internal/chain"
	internalssh "github.com/die-net/chaincheck/internal/ssh"
)

// SSHProxyDialer dials through an SSH chained proxy.
//
// One SSH transport per dialer is opened lazily and shared; every
// DialContext opens its own "direct-tcpip" channel over it. Canceling the
// context closes only that channel. If opening a channel fails for a
// transport reason, the transport is discarded and the dial retried once.
type SSHProxyDialer struct {
	proxy     chain.ChainedProxy
	sshConfig internalssh.ClientConfig
	direct    Dialer

	mu     sync.Mutex
	client *ssh.Client
	sf     singleflight.Group
}

// NewSSHProxyDialer authenticates as cp.Username with cp.Password, the keys
// named by cfg.SSHKeyPath, or both. Host keys are checked against
// cfg.SSHKnownHostsPath when it is set.
func NewSSHProxyDialer(cfg Config, cp chain.ChainedProxy) (*SSHProxyDialer, error) {
	if cp.Transport != chain.SSH {
		return nil, fmt.Errorf("ssh dialer: unexpected transport %s", cp.Transport)
	}

	signers, err := internalssh.LoadSigners(cfg.SSHKeyPath)
	if err != nil {
		return nil, fmt.Errorf("ssh dialer: %w", err)
	}

	hostKeyCallback, err := internalssh.NewHostKeyCallback(cfg.SSHKnownHostsPath, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("ssh dialer: %w", err)
	}

	sshConfig := internalssh.ClientConfig{
		Username:         cp.Username,
		Password:         cp.Password,
		Signers:          signers,
		HostKeyCallback:  hostKeyCallback,
		HandshakeTimeout: cfg.NegotiationTimeout,
	}
	if err := sshConfig.Validate(); err != nil {
		return nil, fmt.Errorf("ssh dialer: %w", err)
	}

	return &SSHProxyDialer{
		proxy:     cp,
		sshConfig: sshConfig,
		direct:    NewDirectDialer(cfg),
	}, nil
}

// DialContext opens a direct-tcpip channel to address. The channel open
// counts as the tunnel request for any Trace in ctx, whether or not the
// proxy accepts it.
func (f *SSHProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("ssh proxy dial %s %s: unsupported network", network, address)
	}

	client, err := f.getClient(ctx)
	if err != nil {
		return nil, err
	}

	upConn, err := f.openChannel(ctx, client, address)
	if err != nil {
		// An OpenChannelError means the transport is healthy but the proxy
		// refused the destination.
		var openErr *ssh.OpenChannelError
		if errors.As(err, &openErr) {
			return nil, fmt.Errorf("ssh proxy dial %s: %w", address, err)
		}

		f.invalidateClient()
		client, err2 := f.getClient(ctx)
		if err2 != nil {
			return nil, fmt.Errorf("ssh proxy dial %s: %w", address, err)
		}
		upConn, err = f.openChannel(ctx, client, address)
		if err != nil {
			return nil, fmt.Errorf("ssh proxy dial %s: %w", address, err)
		}
	}

	stop := context.AfterFunc(ctx, func() {
		_ = upConn.Close()
	})
	return &sshChannelConn{Conn: upConn, stop: stop}, nil
}

func (f *SSHProxyDialer) openChannel(ctx context.Context, client *ssh.Client, address string) (net.Conn, error) {
	conn, err := client.DialContext(ctx, "tcp", address)
	var openErr *ssh.OpenChannelError
	if err == nil || errors.As(err, &openErr) {
		wroteTunnelRequest(ctx)
	}
	return conn, err
}

// getClient returns the shared SSH client, connecting at most once at a time.
// A caller whose ctx ends stops waiting; the attempt continues for others.
func (f *SSHProxyDialer) getClient(ctx context.Context) (*ssh.Client, error) {
	f.mu.Lock()
	client := f.client
	f.mu.Unlock()
	if client != nil {
		return client, nil
	}

	ch := f.sf.DoChan("connect", func() (any, error) {
		f.mu.Lock()
		if f.client != nil {
			c := f.client
			f.mu.Unlock()
			return c, nil
		}
		f.mu.Unlock()

		newClient, err := f.dialSSH(context.Background())
		if err != nil {
			return nil, err
		}

		f.mu.Lock()
		f.client = newClient
		f.mu.Unlock()
		return newClient, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ssh.Client), nil
	}
}

func (f *SSHProxyDialer) dialSSH(ctx context.Context) (*ssh.Client, error) {
	addr := f.proxy.Address.String()
	conn, err := f.direct.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ssh transport dial: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	client, err := internalssh.NewClient(conn, f.sshConfig, addr)
	if err != nil {
		return nil, fmt.Errorf("ssh transport: %w", err)
	}

	return client, nil
}

func (f *SSHProxyDialer) invalidateClient() {
	f.mu.Lock()
	client := f.client
	f.client = nil
	f.mu.Unlock()
	if client != nil {
		_ = client.Close()
	}
}

// sshChannelConn is one direct-tcpip channel.
type sshChannelConn struct {
	net.Conn
	stop func() bool
}

// CloseWrite sends EOF on the channel, leaving the reply direction open.
func (c *sshChannelConn) CloseWrite() error {
	return closeWrite(c.Conn)
}

func (c *sshChannelConn) Close() error {
	if c.stop != nil {
		c.stop()
	}
	return c.Conn.Close()
}

// Close closes the shared SSH transport and every channel on it.
func (f *SSHProxyDialer) Close() error {
	f.invalidateClient()
	return nil
}
