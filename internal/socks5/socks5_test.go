package socks5

import (
	"errors"
	"fmt"
	"net"
	"testing"

	"golang.org/x/sync/errgroup"
)

func TestClientDialToServer(t *testing.T) {
	tests := []struct {
		name    string
		auth    Auth
		address string
	}{
		{name: "no_auth", address: "127.0.0.1:80"},
		{name: "user_pass", auth: Auth{Username: "user", Password: "pass"}, address: "127.0.0.1:80"},
		{name: "domain", address: "origin.example:8080"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clientConn, serverConn := net.Pipe()
			defer clientConn.Close()
			defer serverConn.Close()

			g := errgroup.Group{}
			g.Go(func() error {
				if err := ServerNegotiate(serverConn, tt.auth); err != nil {
					return err
				}

				req, err := ServerReadRequest(serverConn)
				if err != nil {
					return err
				}
				if req.Cmd != CmdConnect {
					return fmt.Errorf("unexpected command: %d", req.Cmd)
				}
				if req.Address() != tt.address {
					return fmt.Errorf("unexpected address: %s", req.Address())
				}

				return WriteSuccessReply(serverConn, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 12345})
			})

			if err := ClientDial(clientConn, tt.auth, tt.address); err != nil {
				t.Fatal(err)
			}
			if err := g.Wait(); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestClientDialBadPassword(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	done := make(chan error, 1)
	go func() {
		done <- ServerNegotiate(serverConn, Auth{Username: "user", Password: "pass"})
	}()

	err := ClientNegotiate(clientConn, Auth{Username: "user", Password: "wrong"})
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if err := <-done; !errors.Is(err, ErrAuth) {
		t.Fatalf("expected server ErrAuth, got %v", err)
	}
}

func TestClientReadReplyRejected(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go WriteHostUnreachableReply(serverConn, 0x01)

	err := ClientReadReply(clientConn)
	var re *ReplyError
	if !errors.As(err, &re) {
		t.Fatalf("expected *ReplyError, got %v", err)
	}
	if re.Error() != "socks5: connect failed: host unreachable" {
		t.Fatalf("unexpected message %q", re.Error())
	}
}
