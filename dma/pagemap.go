package dma

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var ErrPageNotPresent = errors.New("page not present")

const (
	pagemapEntrySize = 8
	pagemapPFNMask   = 1<<55 - 1
	pagemapPresent   = 1 << 63
)

// virtToPhys translates a virtual address of the current process using
// the /proc/self/pagemap format: one little-endian 64-bit entry per page,
// PFN in bits 0-54, present flag in bit 63.
// pageSize is the kernel base page size, not the hugepage size.
func virtToPhys(pagemap io.ReaderAt, virt uintptr, pageSize int) (uint64, error) {
	var entry [pagemapEntrySize]byte
	off := int64(virt/uintptr(pageSize)) * pagemapEntrySize
	if _, err := pagemap.ReadAt(entry[:], off); err != nil {
		return 0, fmt.Errorf("reading pagemap at %d: %w", off, err)
	}
	v := binary.LittleEndian.Uint64(entry[:])
	if v&pagemapPresent == 0 {
		return 0, fmt.Errorf("%w: %#x", ErrPageNotPresent, virt)
	}
	pfn := v & pagemapPFNMask
	if pfn == 0 {
		// The kernel zeroes PFNs for callers without CAP_SYS_ADMIN.
		return 0, fmt.Errorf("pagemap PFN hidden for %#x (needs CAP_SYS_ADMIN)", virt)
	}
	return pfn*uint64(pageSize) + uint64(virt%uintptr(pageSize)), nil
}
