package ssh

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/ssh"

	"github.com/die-net/chaincheck/internal/testutil"
)

func TestClientServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	defer echoLn.Close()

	var connected, disconnected atomic.Int32
	var forwarded []string
	var mu sync.Mutex
	var d net.Dialer

	srv, err := NewServer(ServerConfig{
		HostKeys:         []ssh.Signer{mustGenerateKey(t)},
		PasswordCallback: PasswordAuth("user", "pass"),
		Forward: func(ctx context.Context, _ net.Addr, address string) (net.Conn, error) {
			mu.Lock()
			forwarded = append(forwarded, address)
			mu.Unlock()
			return d.DialContext(ctx, "tcp", address)
		},
		OnConnect:    func(net.Addr) { connected.Inc() },
		OnDisconnect: func(net.Addr) { disconnected.Inc() },
		Logger:       zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatal(err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, ln) }()

	conn, err := d.DialContext(ctx, "tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	client, err := NewClient(conn, ClientConfig{
		Username:         "user",
		Password:         "pass",
		HandshakeTimeout: 2 * time.Second,
	}, ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	c, err := client.DialContext(ctx, "tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEcho(t, c, c, []byte("hello"))
	_ = c.Close()
	_ = client.Close()

	if err := srv.Close(); err != nil {
		t.Fatal(err)
	}
	if err := <-served; err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(forwarded) != 1 || forwarded[0] != echoLn.Addr().String() {
		t.Fatalf("unexpected forwards: %v", forwarded)
	}
	if connected.Load() != 1 || disconnected.Load() != 1 {
		t.Fatalf("connected=%d disconnected=%d", connected.Load(), disconnected.Load())
	}
}

func TestClientBadPassword(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv, err := NewServer(ServerConfig{
		HostKeys:         []ssh.Signer{mustGenerateKey(t)},
		PasswordCallback: PasswordAuth("user", "pass"),
		Forward:          noForward,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Serve(ctx, ln) }()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewClient(conn, ClientConfig{Username: "user", Password: "wrong"}, ln.Addr().String()); err == nil {
		t.Fatal("expected handshake failure")
	}
}
