package e1000

import (
	"sync"

	"github.com/romshark/e1000-go/dma"
	"github.com/romshark/e1000-go/mbuf"
)

// txRing is the transmit descriptor ring and its in-flight buffer table.
//
// Ownership: slot i belongs to the device from the TDT write that
// publishes it until descs[i] reports done, and to the driver otherwise.
// bufs[i] is non-nil iff a transmit through slot i was published and its
// buffer has not been reclaimed yet. Reclamation happens only when the next
// Transmit lands on slot i; completed sends are otherwise left in place.
type txRing struct {
	lock   sync.Mutex
	idx    ringIndex
	mem    *dma.Region
	descs  []TxDesc
	bufs   []*mbuf.Buffer
	tail   uint32 // cached TDT; register reads cost microseconds
	closed bool
}

func (d *Driver) initTx(mem dma.Allocator, n uint32) error {
	region, err := allocRing(mem, n)
	if err != nil {
		return err
	}
	r := &d.tx
	r.idx = newRingIndex(n)
	r.mem = region
	r.descs = TxRing(region.Bytes)
	r.bufs = make([]*mbuf.Buffer, n)
	for i := range r.descs {
		// Done with no buffer: the first Transmit into each slot finds it
		// free and has nothing to reclaim.
		r.descs[i].reset()
	}

	storeAddr(d.regs, TDBAL, TDBAH, region.Addr)
	d.regs.Store(TDLEN, uint32(region.Len()))
	d.regs.Store(TDH, 0)
	d.regs.Store(TDT, 0)
	r.tail = 0
	return nil
}

// Transmit hands a complete Ethernet frame to the device.
//
// It never blocks on the device: if the oldest outstanding send in the
// slot at the tail has not completed, it returns ErrBusy and the caller
// keeps ownership of b. On success the ring owns b until the slot is
// reused, at which point b is returned to the allocator.
func (d *Driver) Transmit(b *mbuf.Buffer) error {
	if b == nil || b.Len() == 0 || b.Len() > MaxFrameLen {
		return ErrInvalidFrame
	}

	r := &d.tx
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.closed {
		return ErrClosed
	}

	slot := r.tail
	desc := &r.descs[slot]
	if !desc.Done() {
		d.stats.txBusy.Inc(1)
		d.l.WithField("slot", slot).Debug("tx ring full")
		return ErrBusy
	}

	// Lazy reclamation point.
	if prev := r.bufs[slot]; prev != nil {
		r.bufs[slot] = nil
		d.bufs.Free(prev)
		d.stats.txReclaimed.Inc(1)
	}

	desc.program(b.Addr(), uint16(b.Len()), CmdEOP|CmdIFCS|CmdRS)
	r.bufs[slot] = b
	r.tail = r.idx.next(slot)

	// Publishing the tail hands the slot to the device. Its descriptor must
	// not be touched again until the device reports done.
	d.regs.Barrier()
	d.regs.Store(TDT, r.tail)

	d.stats.txPackets.Inc(1)
	d.stats.txBytes.Inc(int64(b.Len()))
	return nil
}
