package e1000

import (
	"sync/atomic"
	"unsafe"
)

// DescSize is the size of both legacy descriptor formats.
const DescSize = 16

// Both descriptors are two little-endian 64-bit words: the buffer address
// and a control word. Status lives in bits 32-39 of the control word on
// both rings, so the done bit is the same bit 32 for TX and RX.
const (
	statusShift = 32
	StatusDD    = 1 << 0 // descriptor done
	StatusEOP   = 1 << 1 // end of packet (rx)

	ctlDone = uint64(StatusDD) << statusShift
)

// transmit command bits
const (
	CmdEOP  = 1 << 0 // end of packet
	CmdIFCS = 1 << 1 // insert FCS
	CmdRS   = 1 << 3 // report status: set DD once sent
)

// TxDesc is the legacy transmit descriptor (8254x manual, 3.3.3).
//
//	addr   [63:0]   buffer address
//	ctl    [15:0]   length
//	       [23:16]  checksum offset
//	       [31:24]  command
//	       [39:32]  status
//	       [47:40]  checksum start
//	       [63:48]  special
type TxDesc struct {
	addr uint64
	ctl  uint64
}

func (d *TxDesc) Addr() uint64  { return atomic.LoadUint64(&d.addr) }
func (d *TxDesc) Len() uint16   { return uint16(atomic.LoadUint64(&d.ctl)) }
func (d *TxDesc) Cmd() uint8    { return uint8(atomic.LoadUint64(&d.ctl) >> 24) }
func (d *TxDesc) Status() uint8 { return uint8(atomic.LoadUint64(&d.ctl) >> statusShift) }
func (d *TxDesc) Done() bool    { return atomic.LoadUint64(&d.ctl)&ctlDone != 0 }

// program fills the descriptor for a new transmit. Status, and with it
// the done bit, is cleared so a reused slot cannot look complete before
// the device has written it back.
func (d *TxDesc) program(addr uint64, length uint16, cmd uint8) {
	atomic.StoreUint64(&d.addr, addr)
	atomic.StoreUint64(&d.ctl, uint64(length)|uint64(cmd)<<24)
}

// reset leaves the descriptor empty and marked done.
func (d *TxDesc) reset() {
	atomic.StoreUint64(&d.addr, 0)
	atomic.StoreUint64(&d.ctl, ctlDone)
}

// WriteBack sets status bits the way the device does after sending.
func (d *TxDesc) WriteBack(status uint8) {
	for {
		old := atomic.LoadUint64(&d.ctl)
		v := old | uint64(status)<<statusShift
		if atomic.CompareAndSwapUint64(&d.ctl, old, v) {
			return
		}
	}
}

// RxDesc is the legacy receive descriptor (8254x manual, 3.2.3).
//
//	addr   [63:0]   buffer address
//	ctl    [15:0]   length
//	       [31:16]  packet checksum
//	       [39:32]  status
//	       [47:40]  errors
//	       [63:48]  special
type RxDesc struct {
	addr uint64
	ctl  uint64
}

func (d *RxDesc) Addr() uint64  { return atomic.LoadUint64(&d.addr) }
func (d *RxDesc) Len() uint16   { return uint16(atomic.LoadUint64(&d.ctl)) }
func (d *RxDesc) Status() uint8 { return uint8(atomic.LoadUint64(&d.ctl) >> statusShift) }
func (d *RxDesc) Errors() uint8 { return uint8(atomic.LoadUint64(&d.ctl) >> 40) }
func (d *RxDesc) Done() bool    { return atomic.LoadUint64(&d.ctl)&ctlDone != 0 }

// arm posts a buffer and clears everything the device wrote back.
func (d *RxDesc) arm(addr uint64) {
	atomic.StoreUint64(&d.addr, addr)
	atomic.StoreUint64(&d.ctl, 0)
}

// WriteBack stores a received frame's length and status the way the
// device does. The done bit becomes visible last.
func (d *RxDesc) WriteBack(length uint16, status, errs uint8) {
	atomic.StoreUint64(&d.ctl,
		uint64(length)|uint64(errs)<<40|uint64(status)<<statusShift)
}

// TxRing views b as transmit descriptors. b must be 8-byte aligned and
// a multiple of DescSize long.
func TxRing(b []byte) []TxDesc {
	if len(b) < DescSize {
		return nil
	}
	return unsafe.Slice((*TxDesc)(unsafe.Pointer(&b[0])), len(b)/DescSize)
}

// RxRing views b as receive descriptors. b must be 8-byte aligned and
// a multiple of DescSize long.
func RxRing(b []byte) []RxDesc {
	if len(b) < DescSize {
		return nil
	}
	return unsafe.Slice((*RxDesc)(unsafe.Pointer(&b[0])), len(b)/DescSize)
}
