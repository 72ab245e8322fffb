package proxy

import (
	"net/http/httputil"
	"sync"
)

const copyBufferSize = 32 * 1024

// bufferPool recycles copy buffers between reverse-proxied responses and
// tunnels.
type bufferPool struct {
	pool sync.Pool
}

var _ httputil.BufferPool = (*bufferPool)(nil)

func newBufferPool(size int) *bufferPool {
	bp := &bufferPool{}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return bp
}

func (p *bufferPool) Get() []byte {
	return *p.pool.Get().(*[]byte)
}

func (p *bufferPool) Put(b []byte) {
	// &b costs a small heap allocation; unavoidable when storing a slice in an
	// interface.
	p.pool.Put(&b)
}

var buffers = newBufferPool(copyBufferSize)
