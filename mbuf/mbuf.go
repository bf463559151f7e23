// Package mbuf implements fixed-capacity packet buffers.
//
// A Pool carves NumBuffers buffers of BufferSize bytes out of a single DMA
// region, in the same way an AF_XDP UMEM is split into frames. Buffers are
// handed out and taken back through a LIFO free list.
package mbuf

import (
	"errors"
	"fmt"
	"sync"

	"github.com/romshark/e1000-go/dma"
)

var (
	ErrNumBuffersZero = errors.New("NumBuffers must be > 0")
	ErrBufferTooSmall = errors.New("BufferSize must be >= MinBufferSize")
	ErrHeadroom       = errors.New("headroom exceeds buffer capacity")
	ErrLength         = errors.New("length exceeds buffer capacity")
)

const (
	DefaultNumBuffers = 256
	DefaultBufferSize = 2048
	MinBufferSize     = 64
	bufferAlign       = 64
)

// Buffer is one packet buffer. The frame occupies Data[Head:Head+Len].
type Buffer struct {
	data []byte
	addr uint64
	head int
	len  int

	id   uint32
	pool *Pool
}

// Bytes returns the frame bytes.
func (b *Buffer) Bytes() []byte { return b.data[b.head : b.head+b.len] }

// Data returns the writable space from the frame start to the end of
// the buffer.
func (b *Buffer) Data() []byte { return b.data[b.head:] }

// Len returns the frame length.
func (b *Buffer) Len() int { return b.len }

// Cap returns the number of bytes available from the frame start.
func (b *Buffer) Cap() int { return len(b.data) - b.head }

// Addr returns the bus address of the frame start.
func (b *Buffer) Addr() uint64 { return b.addr + uint64(b.head) }

// SetLen sets the frame length.
func (b *Buffer) SetLen(n int) error {
	if n < 0 || n > b.Cap() {
		return fmt.Errorf("%w: %d > %d", ErrLength, n, b.Cap())
	}
	b.len = n
	return nil
}

// Append copies p after the current frame end and grows the frame.
func (b *Buffer) Append(p []byte) error {
	if b.len+len(p) > b.Cap() {
		return fmt.Errorf("%w: %d > %d", ErrLength, b.len+len(p), b.Cap())
	}
	copy(b.data[b.head+b.len:], p)
	b.len += len(p)
	return nil
}

type PoolConfig struct {
	// NumBuffers is the total number of buffers in the pool.
	NumBuffers uint32
	// BufferSize is the capacity of each buffer in bytes.
	BufferSize uint32
}

func (c *PoolConfig) ValidateAndSetDefaults() error {
	if c.NumBuffers == 0 {
		c.NumBuffers = DefaultNumBuffers
	}
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.BufferSize < MinBufferSize {
		return ErrBufferTooSmall
	}
	return nil
}

// Pool is a fixed set of buffers. It is safe for concurrent use.
type Pool struct {
	conf PoolConfig

	lock  sync.Mutex
	bufs  []Buffer
	free  []uint32
	inUse []bool
}

// NewPool allocates the backing region from mem and splits it.
func NewPool(mem dma.Allocator, conf PoolConfig) (*Pool, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}

	stride := int((conf.BufferSize + bufferAlign - 1) &^ (bufferAlign - 1))
	region, err := mem.Alloc(stride*int(conf.NumBuffers), bufferAlign)
	if err != nil {
		return nil, fmt.Errorf("allocating buffer region: %w", err)
	}

	p := &Pool{
		conf:  conf,
		bufs:  make([]Buffer, conf.NumBuffers),
		free:  make([]uint32, conf.NumBuffers),
		inUse: make([]bool, conf.NumBuffers),
	}
	for i := range p.bufs {
		off := i * stride
		p.bufs[i] = Buffer{
			data: region.Bytes[off : off+int(conf.BufferSize) : off+int(conf.BufferSize)],
			addr: region.Addr + uint64(off),
			id:   uint32(i),
			pool: p,
		}
		// Hand out low indexes first.
		p.free[i] = conf.NumBuffers - 1 - uint32(i)
	}
	return p, nil
}

// BufferSize returns the capacity of every buffer in the pool.
func (p *Pool) BufferSize() int { return int(p.conf.BufferSize) }

// Alloc returns an empty buffer whose frame starts headroom bytes into it,
// or nil when the pool is exhausted or headroom does not fit.
func (p *Pool) Alloc(headroom int) *Buffer {
	if headroom < 0 || headroom > int(p.conf.BufferSize) {
		return nil
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	if len(p.free) == 0 {
		return nil
	}
	id := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.inUse[id] = true

	b := &p.bufs[id]
	b.head, b.len = headroom, 0
	return b
}

// Free returns b to the pool. Freeing a buffer twice, or a buffer that
// belongs to another pool, is a programming error and panics.
func (p *Pool) Free(b *Buffer) {
	if b == nil {
		return
	}
	if b.pool != p {
		panic("mbuf: freeing buffer of a different pool")
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	if !p.inUse[b.id] {
		panic(fmt.Sprintf("mbuf: double free of buffer %d", b.id))
	}
	p.inUse[b.id] = false
	p.free = append(p.free, b.id)
}

// Available returns the number of free buffers.
func (p *Pool) Available() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.free)
}
