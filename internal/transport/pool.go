package transport

import (
	"sync"
	"sync/atomic"
)

// BufferPool hands out fixed-capacity buffers for small frames.
// Gets and puts are counted so callers can check for leaks and double returns.
type BufferPool struct {
	size int
	pool sync.Pool
	gets atomic.Int64
	puts atomic.Int64
}

// NewBufferPool creates a pool of buffers with capacity size.
func NewBufferPool(size int) *BufferPool {
	p := &BufferPool{size: size}
	p.pool.New = func() any {
		buf := make([]byte, 0, size)
		return &buf
	}
	return p
}

// Size returns the capacity of every buffer in the pool.
func (p *BufferPool) Size() int {
	return p.size
}

// Get returns an empty buffer with capacity Size().
func (p *BufferPool) Get() *[]byte {
	p.gets.Add(1)
	buf := p.pool.Get().(*[]byte)
	*buf = (*buf)[:0]
	return buf
}

// Put returns buf to the pool. Buffers of another capacity are dropped.
func (p *BufferPool) Put(buf *[]byte) {
	if buf == nil {
		return
	}
	p.puts.Add(1)
	if cap(*buf) != p.size {
		return
	}
	*buf = (*buf)[:0]
	p.pool.Put(buf)
}

// Outstanding returns the number of buffers taken and not yet returned.
func (p *BufferPool) Outstanding() int64 {
	return p.gets.Load() - p.puts.Load()
}

// Stats returns the number of gets and puts so far.
func (p *BufferPool) Stats() (gets, puts int64) {
	return p.gets.Load(), p.puts.Load()
}
