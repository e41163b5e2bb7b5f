package core

import (
	"bytes"
	"sync"
)

// BufferPool is a process-wide pool of reusable byte buffers, used for
// spill-file framing and record staging during index construction.
var BufferPool = NewBufferPool(4 * 1024)

type bufferPool struct {
	pool sync.Pool
}

// NewBufferPool creates a pool whose buffers start with the given capacity.
func NewBufferPool(initialCapacity int) *bufferPool {
	return &bufferPool{
		pool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, initialCapacity))
			},
		},
	}
}

// Get retrieves a buffer from the pool, creating one if the pool is empty.
func (bp *bufferPool) Get() *bytes.Buffer {
	return bp.pool.Get().(*bytes.Buffer)
}

// Put resets buf and returns it to the pool.
func (bp *bufferPool) Put(buf *bytes.Buffer) {
	buf.Reset()
	bp.pool.Put(buf)
}
