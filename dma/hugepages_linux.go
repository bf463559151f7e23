//go:build linux

package dma

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// HugepageSize is the size of the pages backing Hugepages regions.
const HugepageSize = 2 << 20

var ErrRegionTooLarge = errors.New("region does not fit in one hugepage")

// Hugepages allocates physically contiguous regions for real devices.
// Each region lives inside a single locked 2 MiB hugepage so that one bus
// address covers the whole region. Small allocations share a page.
type Hugepages struct {
	lock     sync.Mutex
	pagemap  *os.File
	pageSize int
	pages    [][]byte
	cur      []byte // unused tail of the most recent page
	curPhys  uint64
}

// OpenHugepages prepares a hugepage allocator.
// Requires hugepages to be reserved (vm.nr_hugepages) and CAP_SYS_ADMIN
// to read physical frame numbers from /proc/self/pagemap.
func OpenHugepages() (*Hugepages, error) {
	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return nil, fmt.Errorf("opening pagemap: %w", err)
	}
	return &Hugepages{pagemap: f, pageSize: os.Getpagesize()}, nil
}

// mmapHugepage maps and locks one anonymous hugepage.
func mmapHugepage() ([]byte, error) {
	b, err := unix.Mmap(-1, 0, HugepageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_HUGETLB|unix.MAP_POPULATE|unix.MAP_LOCKED,
	)
	if err != nil {
		return nil, fmt.Errorf("mmap hugepage: %w", err)
	}
	if err := unix.Mlock(b); err != nil {
		_ = unix.Munmap(b)
		return nil, fmt.Errorf("mlock hugepage: %w", err)
	}
	return b, nil
}

func (h *Hugepages) Alloc(size, align int) (*Region, error) {
	if err := validate(size, align); err != nil {
		return nil, err
	}
	if size > HugepageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrRegionTooLarge, size)
	}

	h.lock.Lock()
	defer h.lock.Unlock()

	pad := 0
	if h.cur != nil {
		pad = int(alignUp(h.curPhys, uint64(align)) - h.curPhys)
	}
	if h.cur == nil || pad+size > len(h.cur) {
		page, err := mmapHugepage()
		if err != nil {
			return nil, err
		}
		phys, err := virtToPhys(h.pagemap, uintptr(unsafe.Pointer(&page[0])), h.pageSize)
		if err != nil {
			_ = unix.Munmap(page)
			return nil, err
		}
		h.pages = append(h.pages, page)
		h.cur, h.curPhys, pad = page, phys, 0
	}

	r := &Region{
		Bytes: h.cur[pad : pad+size : pad+size],
		Addr:  h.curPhys + uint64(pad),
	}
	h.cur = h.cur[pad+size:]
	h.curPhys += uint64(pad + size)
	return r, nil
}

// Close unmaps every page. Regions handed out before are invalid after
// Close and the device must no longer be mastering the bus.
func (h *Hugepages) Close() error {
	h.lock.Lock()
	defer h.lock.Unlock()

	var errs []error
	for _, p := range h.pages {
		if err := unix.Munmap(p); err != nil {
			errs = append(errs, err)
		}
	}
	h.pages, h.cur = nil, nil
	if h.pagemap != nil {
		if err := h.pagemap.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing pagemap: %w", err))
		}
		h.pagemap = nil
	}
	return errors.Join(errs...)
}
