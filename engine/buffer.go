package engine

import (
	"sync"
)

// DefaultBufferSize is the default size of chunk buffers.
const DefaultBufferSize = 4 * 1024 * 1024

// BufferPool manages reusable chunk buffers of one size to minimize GC
// overhead during large transfers.
type BufferPool struct {
	size int
	pool sync.Pool
}

// NewBufferPool creates a new BufferPool that allocates buffers of the specified size.
// If size is <= 0, DefaultBufferSize is used.
func NewBufferPool(size int) *BufferPool {
	if size <= 0 {
		size = DefaultBufferSize
	}
	bp := &BufferPool{size: size}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return bp
}

// Size is the length of every buffer the pool hands out.
func (bp *BufferPool) Size() int {
	return bp.size
}

// Get retrieves a reusable byte buffer from the pool.
// The caller should defer calling Put on this buffer once finished.
func (bp *BufferPool) Get() *[]byte {
	return bp.pool.Get().(*[]byte)
}

// Put returns the byte buffer to the pool so it can be reused.
func (bp *BufferPool) Put(b *[]byte) {
	if b != nil && len(*b) == bp.size {
		bp.pool.Put(b)
	}
}

// bufferPools hands out one BufferPool per chunk size, since jobs may
// request different chunk sizes.
type bufferPools struct {
	mu    sync.Mutex
	pools map[int]*BufferPool
}

func (p *bufferPools) get(size int) *BufferPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pools == nil {
		p.pools = make(map[int]*BufferPool)
	}
	bp, ok := p.pools[size]
	if !ok {
		bp = NewBufferPool(size)
		p.pools[size] = bp
	}
	return bp
}
