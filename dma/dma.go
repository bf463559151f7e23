// Package dma provides memory that a bus-mastering device can access.
//
// A Region pairs the CPU's view of the memory (Bytes) with the address the
// device must be programmed with (Addr). The two are only equal when there
// is no translation between CPU and device, which is never assumed.
package dma

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"
)

var (
	ErrInvalidSize      = errors.New("size must be > 0")
	ErrInvalidAlignment = errors.New("alignment must be a power of two")
	ErrUnmapped         = errors.New("address range is not mapped")
)

// Region is a contiguous block of DMA-capable memory.
type Region struct {
	// Bytes is the CPU mapping of the region.
	Bytes []byte
	// Addr is the bus address of Bytes[0].
	Addr uint64
}

// Len returns the region size in bytes.
func (r *Region) Len() int { return len(r.Bytes) }

// Allocator hands out DMA-capable regions.
// Implementations must be safe for concurrent use.
type Allocator interface {
	Alloc(size, align int) (*Region, error)
}

// Resolver translates a bus address back to the CPU mapping.
// It is what a device model needs to perform DMA.
type Resolver interface {
	Resolve(addr uint64, n int) ([]byte, error)
}

func validate(size, align int) error {
	if size <= 0 {
		return ErrInvalidSize
	}
	if align <= 0 || align&(align-1) != 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAlignment, align)
	}
	return nil
}

func alignUp(v, align uint64) uint64 { return (v + align - 1) &^ (align - 1) }

// HeapBase is the first bus address handed out by a Heap.
const HeapBase = 0x1000_0000

// Heap allocates regions from the Go heap and assigns them synthetic bus
// addresses from a private address space, like an IOMMU would.
// It is meant for device models; real hardware cannot reach this memory.
type Heap struct {
	lock    sync.Mutex
	next    uint64
	regions []*Region
}

func NewHeap() *Heap {
	return &Heap{next: HeapBase}
}

// Alloc returns a zeroed region of size bytes whose bus address is a
// multiple of align. The CPU mapping is 8-byte aligned.
func (h *Heap) Alloc(size, align int) (*Region, error) {
	if err := validate(size, align); err != nil {
		return nil, err
	}

	// Back with []uint64 so 64-bit atomics on the region are legal.
	words := make([]uint64, (size+7)/8)
	b := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)

	h.lock.Lock()
	defer h.lock.Unlock()

	addr := alignUp(h.next, uint64(align))
	h.next = alignUp(addr+uint64(size), 8)
	r := &Region{Bytes: b, Addr: addr}
	h.regions = append(h.regions, r)
	return r, nil
}

// Resolve returns the n bytes at bus address addr.
// The range must lie within a single region.
func (h *Heap) Resolve(addr uint64, n int) ([]byte, error) {
	h.lock.Lock()
	defer h.lock.Unlock()

	for _, r := range h.regions {
		if addr < r.Addr || addr >= r.Addr+uint64(len(r.Bytes)) {
			continue
		}
		off := addr - r.Addr
		if n < 0 || off+uint64(n) > uint64(len(r.Bytes)) {
			break
		}
		return r.Bytes[off : off+uint64(n)], nil
	}
	return nil, fmt.Errorf("%w: %#x+%d", ErrUnmapped, addr, n)
}
