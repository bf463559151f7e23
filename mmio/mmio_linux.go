//go:build linux

package mmio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/romshark/e1000-go/e1000"
)

var (
	ErrBARTooSmall = errors.New("BAR smaller than the register space")
	ErrUnaligned   = errors.New("register offset not 4-byte aligned")
)

// SysfsRoot is the directory holding one entry per PCI function.
var SysfsRoot = "/sys/bus/pci/devices"

// PCI command register bits (config space offset 4).
const (
	cmdOffset       = 4
	cmdMemorySpace  = 1 << 1
	cmdBusMaster    = 1 << 2
	configIDOffset  = 0
	configIDMinSize = 4
)

func devicePath(pciAddr string, elem ...string) string {
	return filepath.Join(append([]string{SysfsRoot, pciAddr}, elem...)...)
}

// BAR is a mapped memory BAR. It implements e1000.Registers.
type BAR struct {
	mem   []byte
	regs  []uint32
	fence uint32
}

// MapBAR maps memory BAR bar of the device at pciAddr (e.g. "0000:00:03.0")
// read-write into the process. The BAR must cover the e1000 register space.
func MapBAR(pciAddr string, bar int) (*BAR, error) {
	path := devicePath(pciAddr, fmt.Sprintf("resource%d", bar))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if fi.Size() < e1000.RegSpace {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrBARTooSmall, path, fi.Size())
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	return &BAR{
		mem:  mem,
		regs: unsafe.Slice((*uint32)(unsafe.Pointer(&mem[0])), len(mem)/4),
	}, nil
}

func (b *BAR) word(r e1000.Reg) *uint32 {
	if r%4 != 0 {
		panic(fmt.Errorf("%w: %#x", ErrUnaligned, uint32(r)))
	}
	return &b.regs[r/4]
}

// Load reads register r with a single 32-bit access.
func (b *BAR) Load(r e1000.Reg) uint32 { return atomic.LoadUint32(b.word(r)) }

// Store writes register r with a single 32-bit access.
func (b *BAR) Store(r e1000.Reg, v uint32) { atomic.StoreUint32(b.word(r), v) }

// Barrier is a sequentially consistent atomic operation. Go atomics are not
// reordered with each other, and descriptor memory is written with atomics,
// so a fence between descriptor writes and a register store is enough.
func (b *BAR) Barrier() { atomic.AddUint32(&b.fence, 1) }

// Size returns the mapped length in bytes.
func (b *BAR) Size() int { return len(b.mem) }

func (b *BAR) Close() error {
	if b.mem == nil {
		return nil
	}
	err := unix.Munmap(b.mem)
	b.mem, b.regs = nil, nil
	return err
}

// ReadID returns the vendor and device ID from the config space.
func ReadID(pciAddr string) (vendor, device uint16, err error) {
	f, err := os.Open(devicePath(pciAddr, "config"))
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	var id [configIDMinSize]byte
	if _, err := unix.Pread(int(f.Fd()), id[:], configIDOffset); err != nil {
		return 0, 0, fmt.Errorf("reading config space: %w", err)
	}
	return binary.LittleEndian.Uint16(id[0:]), binary.LittleEndian.Uint16(id[2:]), nil
}

// EnableBusMaster sets the memory space and bus master bits of the PCI
// command register so the device can reach its BARs and perform DMA.
func EnableBusMaster(pciAddr string) error {
	path := devicePath(pciAddr, "config")
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var cmd [2]byte
	if _, err := unix.Pread(int(f.Fd()), cmd[:], cmdOffset); err != nil {
		return fmt.Errorf("reading command register: %w", err)
	}
	v := binary.LittleEndian.Uint16(cmd[:])
	if v&(cmdMemorySpace|cmdBusMaster) == cmdMemorySpace|cmdBusMaster {
		return nil
	}
	binary.LittleEndian.PutUint16(cmd[:], v|cmdMemorySpace|cmdBusMaster)
	if _, err := unix.Pwrite(int(f.Fd()), cmd[:], cmdOffset); err != nil {
		return fmt.Errorf("writing command register: %w", err)
	}
	return nil
}

// UnbindDriver detaches the kernel driver bound to the device, if any.
func UnbindDriver(pciAddr string) error {
	path := devicePath(pciAddr, "driver", "unbind")
	err := os.WriteFile(path, []byte(pciAddr), 0)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("unbinding %s: %w", pciAddr, err)
	}
	return nil
}
