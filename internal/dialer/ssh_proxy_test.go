package dialer

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/ssh"

	"github.com/die-net/chaincheck/internal/chain"
	internalssh "github.com/die-net/chaincheck/internal/ssh"
	"github.com/die-net/chaincheck/internal/testutil"
)

func startSSHServer(t *testing.T, ctx context.Context, username, password string) net.Listener {
	t.Helper()

	hostKey, err := internalssh.GenerateHostKey()
	require.NoError(t, err)

	var d net.Dialer
	srv, err := internalssh.NewServer(internalssh.ServerConfig{
		HostKeys:         []ssh.Signer{hostKey},
		PasswordCallback: internalssh.PasswordAuth(username, password),
		Forward: func(ctx context.Context, _ net.Addr, address string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", address)
		},
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() { _ = srv.Serve(ctx, ln) }()
	t.Cleanup(func() { _ = srv.Close() })
	return ln
}

func TestSSHProxyDialerDialContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn1 := testutil.StartEchoTCPServer(t, ctx)
	echoLn2 := testutil.StartEchoTCPServer(t, ctx)
	sshLn := startSSHServer(t, ctx, "user", "pass")

	d, err := NewSSHProxyDialer(Config{
		DialTimeout:        2 * time.Second,
		NegotiationTimeout: 2 * time.Second,
		Logger:             zaptest.NewLogger(t),
	}, chain.ChainedProxy{
		Address:   testutil.AddrPort(t, sshLn),
		Transport: chain.SSH,
		Username:  "user",
		Password:  "pass",
	})
	require.NoError(t, err)
	defer d.Close()

	tctx, wrote := countingTrace(ctx)

	c1, err := d.DialContext(tctx, "tcp", echoLn1.Addr().String())
	require.NoError(t, err)
	testutil.AssertEcho(t, c1, c1, []byte("hello"))
	_ = c1.Close()

	// The second channel shares the first transport.
	c2, err := d.DialContext(tctx, "tcp", echoLn2.Addr().String())
	require.NoError(t, err)
	testutil.AssertEcho(t, c2, c2, []byte("hello2"))
	_ = c2.Close()

	assert.Equal(t, 2, *wrote)
}

func TestSSHProxyDialerRejectedChannel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sshLn := startSSHServer(t, ctx, "user", "pass")
	d, err := NewSSHProxyDialer(Config{}, chain.ChainedProxy{
		Address:   testutil.AddrPort(t, sshLn),
		Transport: chain.SSH,
		Username:  "user",
		Password:  "pass",
	})
	require.NoError(t, err)
	defer d.Close()

	tctx, wrote := countingTrace(ctx)
	_, err = d.DialContext(tctx, "tcp", testutil.ClosedAddr(t).String())
	var openErr *ssh.OpenChannelError
	require.True(t, errors.As(err, &openErr), "got %v", err)
	assert.Equal(t, ssh.ConnectionFailed, openErr.Reason)
	assert.Equal(t, 1, *wrote)
}

func TestSSHProxyDialerBadPassword(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sshLn := startSSHServer(t, ctx, "user", "pass")
	d, err := NewSSHProxyDialer(Config{}, chain.ChainedProxy{
		Address:   testutil.AddrPort(t, sshLn),
		Transport: chain.SSH,
		Username:  "user",
		Password:  "wrong",
	})
	require.NoError(t, err)
	defer d.Close()

	tctx, wrote := countingTrace(ctx)
	_, err = d.DialContext(tctx, "tcp", "127.0.0.1:1")
	assert.ErrorContains(t, err, "ssh handshake")
	assert.Equal(t, 0, *wrote)
}
