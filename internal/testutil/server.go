package testutil

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
)

// StartSingleAcceptServer runs handler on the first accepted connection.
// The returned func closes the listener and waits for handler to return.
func StartSingleAcceptServer(t *testing.T, ctx context.Context, handler func(net.Conn)) (net.Listener, func()) {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Go(func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		handler(c)
	})

	wait := func() {
		_ = ln.Close()
		wg.Wait()
	}

	return ln, wait
}

// AddrPort returns the listener's address as a netip.AddrPort.
func AddrPort(t *testing.T, ln net.Listener) netip.AddrPort {
	t.Helper()

	ap, err := netip.ParseAddrPort(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	return ap
}

// ClosedAddr returns a loopback address nothing is listening on.
func ClosedAddr(t *testing.T) netip.AddrPort {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ap := AddrPort(t, ln)
	_ = ln.Close()
	return ap
}
