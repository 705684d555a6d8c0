// Package pool holds the shared buffer and argument-array pools (spec
// §4.9, component C10) used to amortize allocation in command encoding
// and the per-connection hot path.
package pool

import (
	"bytes"
	"sync"
)

// BufferPool reuses *bytes.Buffer values. It is safe for concurrent use.
type BufferPool struct {
	pool sync.Pool
}

// NewBufferPool returns a pool whose buffers start at the given capacity.
func NewBufferPool(initialCap int) *BufferPool {
	p := &BufferPool{}
	p.pool.New = func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, initialCap))
	}
	return p
}

// Get rents a buffer, ready to write into.
func (p *BufferPool) Get() *bytes.Buffer {
	return p.pool.Get().(*bytes.Buffer)
}

// Put returns a buffer to the pool. When clear is true the buffer's
// backing array is zeroed before reuse; callers handling sensitive
// payloads (passwords, auth tokens) should set this; ordinary command
// arguments don't need the cost.
func (p *BufferPool) Put(b *bytes.Buffer, clear bool) {
	if clear {
		zero(b.Bytes())
	}
	b.Reset()
	p.pool.Put(b)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
