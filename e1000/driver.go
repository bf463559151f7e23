// Package e1000 drives an Intel 8254x (e1000) network controller.
//
// The driver moves Ethernet frames between mbuf buffers and the device
// through two descriptor rings:
//
//   - TX ring: Transmit programs the slot at the tail and publishes it by
//     advancing TDT. Slots are reclaimed lazily: a slot's previous buffer is
//     freed only when a later Transmit reuses that slot and finds its done
//     bit set. No transmit-complete interrupt is used.
//   - RX ring: every slot always holds a posted buffer. On interrupt the
//     driver walks completed slots in ring order, hands each filled buffer
//     to the Ingress and re-posts the slot with a fresh one.
//
// Descriptors are little-endian; the package assumes a little-endian host.
package e1000

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/romshark/e1000-go/dma"
	"github.com/romshark/e1000-go/mbuf"
)

var (
	ErrBusy           = errors.New("tx ring full")
	ErrAllocation     = errors.New("buffer allocation failed")
	ErrRingAlignment  = errors.New("ring length must be a multiple of 128 bytes")
	ErrRingSize       = errors.New("ring size must be a power of two <= MaxRingSize")
	ErrInvalidMAC     = errors.New("MAC must be 6 bytes")
	ErrInvalidFrame   = errors.New("frame length out of range")
	ErrBufferTooSmall = errors.New("rx buffer smaller than the device buffer size")
	ErrResetTimeout   = errors.New("device did not leave reset")
	ErrClosed         = errors.New("driver closed")
)

const (
	DefaultRingSize = 16
	MaxRingSize     = 1 << 16
	// MaxFrameLen is the largest frame a single legacy descriptor carries.
	MaxFrameLen = 16288

	ringAlign    = 128 // xDLEN granularity and base alignment
	rxBufferSize = 2048

	resetPolls        = 100
	resetPollInterval = 10 * time.Microsecond
)

// DefaultMAC is the address QEMU assigns to its emulated e1000.
var DefaultMAC = net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}

// Config controls ring geometry and the receive address filter.
type Config struct {
	// TxRingSize is the number of transmit descriptors.
	TxRingSize uint32
	// RxRingSize is the number of receive descriptors.
	RxRingSize uint32
	// MAC is the unicast address accepted by the receive filter.
	MAC net.HardwareAddr
	// Metrics receives the driver counters. A private registry is created
	// when nil.
	Metrics metrics.Registry
}

func validRingSize(n uint32) error {
	if n == 0 || n > MaxRingSize || n&(n-1) != 0 {
		return fmt.Errorf("%w: %d", ErrRingSize, n)
	}
	if n*DescSize%ringAlign != 0 {
		return fmt.Errorf("%w: %d descriptors are %d bytes", ErrRingAlignment, n, n*DescSize)
	}
	return nil
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.TxRingSize == 0 {
		c.TxRingSize = DefaultRingSize
	}
	if c.RxRingSize == 0 {
		c.RxRingSize = DefaultRingSize
	}
	if c.MAC == nil {
		c.MAC = DefaultMAC
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewRegistry()
	}
	if err := validRingSize(c.TxRingSize); err != nil {
		return fmt.Errorf("tx: %w", err)
	}
	if err := validRingSize(c.RxRingSize); err != nil {
		return fmt.Errorf("rx: %w", err)
	}
	if len(c.MAC) != 6 {
		return fmt.Errorf("%w: %q", ErrInvalidMAC, c.MAC)
	}
	return nil
}

// Allocator is the packet buffer allocator the driver draws from.
// It is used from both the transmit and the receive path and must be safe
// for concurrent use. Alloc returns nil when exhausted.
type Allocator interface {
	Alloc(headroom int) *mbuf.Buffer
	Free(b *mbuf.Buffer)
}

// Ingress consumes received frames. Ownership of b passes to the ingress.
// DeliverFrame runs on the receive path with the receive lock held. It may
// call Transmit but must not call Close, which takes the same lock.
type Ingress interface {
	DeliverFrame(b *mbuf.Buffer)
}

type IngressFunc func(b *mbuf.Buffer)

func (f IngressFunc) DeliverFrame(b *mbuf.Buffer) { f(b) }

// Driver is one initialized device.
//
// Lock order: rx before tx. The receive path may reach Transmit through
// the ingress; the transmit path never touches the rx ring.
type Driver struct {
	l       *logrus.Logger
	regs    Registers
	bufs    Allocator
	ingress Ingress
	mac     net.HardwareAddr
	stats   *stats

	tx txRing
	rx rxRing
}

// New resets the device behind regs and brings it up: both rings are laid
// out in memory from mem, every rx slot is posted with a buffer from bufs,
// filters and timing are programmed and the rx write-back interrupt is
// unmasked. On error the device is left with interrupts masked.
func New(
	l *logrus.Logger,
	regs Registers,
	mem dma.Allocator,
	bufs Allocator,
	in Ingress,
	conf Config,
) (*Driver, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}

	d := &Driver{
		l:       l,
		regs:    regs,
		bufs:    bufs,
		ingress: in,
		mac:     conf.MAC,
		stats:   newStats(conf.Metrics),
	}

	regs.Store(IMC, IntAll)
	if err := d.reset(); err != nil {
		return nil, err
	}
	regs.Store(IMC, IntAll)
	regs.Barrier()

	if err := d.initTx(mem, conf.TxRingSize); err != nil {
		return nil, fmt.Errorf("initializing tx ring: %w", err)
	}
	if err := d.initRx(mem, conf.RxRingSize); err != nil {
		return nil, fmt.Errorf("initializing rx ring: %w", err)
	}

	d.initFilters()

	regs.Store(TCTL, TCTLEnable|TCTLPadShort|
		tctlCollisionThreshold<<TCTLCTShift|
		tctlCollisionDistance<<TCTLCOLDShift)
	regs.Store(TIPG, tipgDefault)

	regs.Store(RCTL, RCTLEnable|RCTLBroadcast|RCTLBufSize2048|RCTLStripCRC)

	// Interrupt after every received frame.
	regs.Store(RDTR, 0)
	regs.Store(RADV, 0)
	regs.Store(IMS, IntRXT0)

	l.WithFields(logrus.Fields{
		"mac":    d.mac.String(),
		"txRing": fmt.Sprintf("%#x/%d", d.tx.mem.Addr, conf.TxRingSize),
		"rxRing": fmt.Sprintf("%#x/%d", d.rx.mem.Addr, conf.RxRingSize),
	}).Info("e1000 initialized")

	return d, nil
}

// reset issues a device reset and waits for the self-clearing bit.
func (d *Driver) reset() error {
	d.regs.Store(CTL, d.regs.Load(CTL)|CTLReset)
	for range resetPolls {
		if d.regs.Load(CTL)&CTLReset == 0 {
			return nil
		}
		time.Sleep(resetPollInterval)
	}
	return ErrResetTimeout
}

func allocRing(mem dma.Allocator, n uint32) (*dma.Region, error) {
	size := int(n) * DescSize
	if size%ringAlign != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrRingAlignment, size)
	}
	return mem.Alloc(size, ringAlign)
}

func storeAddr(regs Registers, lo, hi Reg, addr uint64) {
	regs.Store(lo, uint32(addr))
	regs.Store(hi, uint32(addr>>32))
}

func (d *Driver) initFilters() {
	m := d.mac
	d.regs.Store(RAL(0), uint32(m[0])|uint32(m[1])<<8|uint32(m[2])<<16|uint32(m[3])<<24)
	d.regs.Store(RAH(0), uint32(m[4])|uint32(m[5])<<8|RAHValid)
	for i := range MTAEntries {
		d.regs.Store(MTA(i), 0)
	}
}

// MAC returns the address programmed into the receive filter.
func (d *Driver) MAC() net.HardwareAddr { return d.mac }

// Metrics returns the registry holding the driver counters.
func (d *Driver) Metrics() metrics.Registry { return d.stats.registry }

// HandleInterrupt is the interrupt dispatcher. It acknowledges every
// pending cause, which the device requires before raising another
// interrupt, then drains the rx ring. It returns the number of frames
// delivered. The caller guarantees only one HandleInterrupt runs at a time.
func (d *Driver) HandleInterrupt() int {
	d.regs.Store(ICR, IntAll)
	d.stats.interrupts.Inc(1)
	return d.drainRx()
}

// Poll runs the interrupt dispatcher every interval until ctx is done.
// It is the substitute for an interrupt line when the process cannot
// receive device interrupts.
func (d *Driver) Poll(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			d.HandleInterrupt()
		}
	}
}

// Close masks interrupts, stops both DMA engines, resets the device and
// returns every buffer still held by either ring to the allocator.
func (d *Driver) Close() error {
	d.rx.lock.Lock()
	defer d.rx.lock.Unlock()
	d.tx.lock.Lock()
	defer d.tx.lock.Unlock()

	if d.tx.closed {
		return nil
	}
	d.tx.closed, d.rx.closed = true, true

	d.regs.Store(IMC, IntAll)
	d.regs.Store(RCTL, 0)
	d.regs.Store(TCTL, 0)
	d.regs.Barrier()
	err := d.reset()

	for i, b := range d.tx.bufs {
		if b != nil {
			d.bufs.Free(b)
			d.tx.bufs[i] = nil
		}
	}
	for i, b := range d.rx.bufs {
		if b != nil {
			d.bufs.Free(b)
			d.rx.bufs[i] = nil
		}
	}

	d.l.WithField("mac", d.mac.String()).Info("e1000 closed")
	return err
}
