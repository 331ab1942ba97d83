package buffer

import (
	"github.com/valyala/bytebufferpool"
)

// ChunkPool hands out fixed size read buffers for relayed response bodies. It
// sits on valyala/bytebufferpool so buffers that grew past the chunk size are
// not retained after a burst.
type ChunkPool struct {
	pool      bytebufferpool.Pool
	chunkSize int
}

// NewChunkPool creates a pool of chunkSize byte buffers. A non positive size
// falls back to 32 KiB.
func NewChunkPool(chunkSize int) *ChunkPool {
	if chunkSize <= 0 {
		chunkSize = 32 * 1024
	}
	return &ChunkPool{chunkSize: chunkSize}
}

// ChunkSize returns the length of the buffers handed out by Get.
func (p *ChunkPool) ChunkSize() int {
	return p.chunkSize
}

// Get returns a buffer whose B field is exactly ChunkSize bytes long, ready to
// be passed to Read.
func (p *ChunkPool) Get() *bytebufferpool.ByteBuffer {
	buf := p.pool.Get()
	if cap(buf.B) < p.chunkSize {
		buf.B = make([]byte, p.chunkSize)
	}
	buf.B = buf.B[:p.chunkSize]
	return buf
}

// Put returns a buffer to the pool. nil is ignored.
func (p *ChunkPool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf == nil {
		return
	}
	buf.Reset()
	p.pool.Put(buf)
}
