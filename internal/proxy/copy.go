package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

type closeWriter interface {
	CloseWrite() error
}

// CopyBidirectional relays between client and server until the server side
// ends or ctx is canceled, then closes both. sent counts bytes copied to
// server and received counts bytes copied back to client.
func CopyBidirectional(ctx context.Context, client, server net.Conn) (sent, received int64, err error) {
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = server.Close()
		})
	}
	defer closeBoth()

	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	var g errgroup.Group
	g.Go(func() error {
		var err error
		sent, err = copyBuffer(server, client)
		// Pass the client's EOF along but keep reading the reply.
		if cw, ok := server.(closeWriter); ok && err == nil {
			_ = cw.CloseWrite()
		} else {
			closeBoth()
		}
		return err
	})
	g.Go(func() error {
		var err error
		received, err = copyBuffer(client, server)
		closeBoth()
		return err
	})

	err = g.Wait()
	if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
		err = nil
	}
	return sent, received, err
}

func copyBuffer(dst io.Writer, src io.Reader) (int64, error) {
	buf := buffers.Get()
	defer buffers.Put(buf)
	return io.CopyBuffer(dst, src, buf)
}
