package e1000

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/romshark/e1000-go/dma"
	"github.com/romshark/e1000-go/mbuf"
)

// rxRing is the receive descriptor ring and its posted buffer table.
//
// Every slot always holds a live buffer whose address is programmed in
// its descriptor. The slot at tail is the one held back from the device:
// the device fills slots from RDH up to but not including RDT.
type rxRing struct {
	lock   sync.Mutex
	idx    ringIndex
	mem    *dma.Region
	descs  []RxDesc
	bufs   []*mbuf.Buffer
	tail   uint32 // cached RDT
	closed bool
}

func (d *Driver) initRx(mem dma.Allocator, n uint32) error {
	region, err := allocRing(mem, n)
	if err != nil {
		return err
	}
	r := &d.rx
	r.idx = newRingIndex(n)
	r.mem = region
	r.descs = RxRing(region.Bytes)
	r.bufs = make([]*mbuf.Buffer, n)

	freeAll := func() {
		for i, b := range r.bufs {
			if b != nil {
				d.bufs.Free(b)
				r.bufs[i] = nil
			}
		}
	}
	for i := range r.descs {
		b := d.bufs.Alloc(0)
		if b == nil {
			freeAll()
			return fmt.Errorf("%w: rx slot %d", ErrAllocation, i)
		}
		r.bufs[i] = b
		if b.Cap() < rxBufferSize {
			freeAll()
			return fmt.Errorf("%w: %d < %d", ErrBufferTooSmall, b.Cap(), rxBufferSize)
		}
		r.descs[i].arm(b.Addr())
	}

	storeAddr(d.regs, RDBAL, RDBAH, region.Addr)
	d.regs.Store(RDLEN, uint32(region.Len()))
	d.regs.Store(RDH, 0)
	r.tail = n - 1
	d.regs.Store(RDT, r.tail)
	return nil
}

// drainRx delivers every completed frame in ring order and re-posts the
// consumed slots. It returns the number of frames delivered.
//
// If no replacement buffer can be allocated the frame is dropped and its
// own buffer is re-posted, so the device never sees an empty slot.
func (d *Driver) drainRx() int {
	r := &d.rx
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.closed {
		return 0
	}

	delivered := 0
	for {
		// The first slot the device may have filled.
		slot := r.idx.next(r.tail)
		desc := &r.descs[slot]
		if !desc.Done() {
			return delivered
		}

		b := r.bufs[slot]
		length := int(desc.Len())
		fresh := d.rxReplacement(slot, desc, b, length)
		if fresh != nil {
			r.bufs[slot] = fresh
			desc.arm(fresh.Addr())
			d.ingress.DeliverFrame(b)
			d.stats.rxPackets.Inc(1)
			d.stats.rxBytes.Inc(int64(length))
			delivered++
		} else {
			desc.arm(b.Addr())
		}

		r.tail = slot
		d.regs.Barrier()
		d.regs.Store(RDT, slot)
	}
}

// rxReplacement prepares the filled buffer b for delivery and returns the
// buffer to post in its place, or nil if the frame must be dropped.
func (d *Driver) rxReplacement(slot uint32, desc *RxDesc, b *mbuf.Buffer, length int) *mbuf.Buffer {
	drop := func(reason string) *mbuf.Buffer {
		d.stats.rxDropped.Inc(1)
		d.l.WithFields(logrus.Fields{
			"slot":   slot,
			"length": length,
		}).Warn("rx frame dropped: " + reason)
		return nil
	}

	if desc.Status()&StatusEOP == 0 {
		return drop("frame spans descriptors")
	}
	if err := b.SetLen(length); err != nil {
		return drop(err.Error())
	}
	fresh := d.bufs.Alloc(0)
	if fresh == nil {
		return drop("no buffer to re-post")
	}
	return fresh
}
