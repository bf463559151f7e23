// Package nicsim simulates an e1000 controller for tests and benchmarks.
//
// Device implements e1000.Registers. It keeps a register file with the
// side effects the driver relies on and runs a DMA engine over the rings
// the driver programs, reaching ring and buffer memory through a
// dma.Resolver:
//
//   - CTL.RST clears the register file; the bit self-clears.
//   - IMS sets and IMC clears bits of the interrupt mask.
//   - ICR is cleared by writing ones and by reading.
//   - A TDT write queues the descriptors it advances over, as the device
//     fetches them into its on-chip descriptor cache, and sends them from
//     TDH on, writing back DD on descriptors with RS. With Config.ManualTx
//     queued descriptors stay pending until CompleteTx.
//   - Inject receives a frame into the descriptor at RDH, raising RXT0.
//
// The interrupt line calls the connected handler synchronously, one
// invocation at a time, outside the register lock.
package nicsim

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/romshark/e1000-go/dma"
	"github.com/romshark/e1000-go/e1000"
)

var (
	ErrReceiverDisabled = errors.New("receiver disabled")
	ErrNoDescriptors    = errors.New("no free rx descriptors")
	ErrFiltered         = errors.New("destination rejected by address filter")
	ErrFrameTooLong     = errors.New("frame exceeds rx buffer size")
	ErrRuntFrame        = errors.New("frame shorter than an Ethernet header")
)

const minFrameLen = 60 // without FCS

type Config struct {
	// ManualTx keeps published transmit descriptors pending until
	// CompleteTx is called.
	ManualTx bool
}

// Device is a simulated e1000. It is safe for concurrent use.
type Device struct {
	l    *logrus.Logger
	mem  dma.Resolver
	conf Config

	lock     sync.Mutex
	regs     [e1000.RegSpace / 4]uint32
	missed   uint64
	resets   int
	txQueued uint32
	onTx     func(frame []byte)

	irqLock sync.Mutex
	handler func()
}

func New(l *logrus.Logger, mem dma.Resolver, conf Config) *Device {
	return &Device{l: l, mem: mem, conf: conf}
}

// Connect attaches handler to the interrupt line.
func (d *Device) Connect(handler func()) {
	d.irqLock.Lock()
	defer d.irqLock.Unlock()
	d.handler = handler
}

// OnTransmit registers fn to receive a copy of every frame sent on the
// wire. fn runs outside the register lock, in the goroutine that wrote
// TDT, which may be the interrupt handler; it must not call Inject
// synchronously.
func (d *Device) OnTransmit(fn func(frame []byte)) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.onTx = fn
}

func (d *Device) Load(r e1000.Reg) uint32 {
	d.lock.Lock()
	defer d.lock.Unlock()

	v := d.regs[r/4]
	if r == e1000.ICR {
		d.regs[r/4] = 0
	}
	return v
}

func (d *Device) Store(r e1000.Reg, v uint32) {
	var sent [][]byte

	d.lock.Lock()
	switch r {
	case e1000.CTL:
		if v&e1000.CTLReset != 0 {
			// Reset completes instantly.
			d.regs = [e1000.RegSpace / 4]uint32{}
			d.txQueued = 0
			d.resets++
			v &^= e1000.CTLReset
		}
		d.regs[r/4] = v
	case e1000.IMS:
		d.regs[r/4] |= v
	case e1000.IMC:
		d.regs[e1000.IMS/4] &^= v
	case e1000.ICR:
		d.regs[r/4] &^= v
	case e1000.TDT:
		if n := d.regs[e1000.TDLEN/4] / e1000.DescSize; n > 0 {
			old := d.regs[r/4] % n
			d.txQueued += (v%n + n - old) % n
		}
		d.regs[r/4] = v
		if !d.conf.ManualTx {
			sent = d.transmitLocked(-1)
		}
	default:
		d.regs[r/4] = v
	}
	onTx := d.onTx
	d.lock.Unlock()

	if onTx != nil {
		for _, f := range sent {
			onTx(f)
		}
	}
}

func (*Device) Barrier() {}

// Peek returns a register value without read side effects.
func (d *Device) Peek(r e1000.Reg) uint32 {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.regs[r/4]
}

// Poke sets a register value without write side effects.
func (d *Device) Poke(r e1000.Reg, v uint32) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.regs[r/4] = v
}

// Resets returns the number of device resets performed.
func (d *Device) Resets() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.resets
}

// Missed returns the number of frames dropped for lack of descriptors.
func (d *Device) Missed() uint64 {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.missed
}

// CompleteTx sends up to n pending transmit descriptors, all of them if
// n < 0, and returns the number sent.
func (d *Device) CompleteTx(n int) int {
	d.lock.Lock()
	sent := d.transmitLocked(n)
	onTx := d.onTx
	d.lock.Unlock()

	if onTx != nil {
		for _, f := range sent {
			onTx(f)
		}
	}
	return len(sent)
}

// PendingTx returns the number of published descriptors not yet sent.
func (d *Device) PendingTx() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return int(d.txQueued)
}

func (d *Device) ringLocked(base, length e1000.Reg) ([]byte, uint32, error) {
	addr := uint64(d.regs[base/4]) | uint64(d.regs[(base+4)/4])<<32
	size := d.regs[length/4]
	if size == 0 || size%e1000.DescSize != 0 {
		return nil, 0, fmt.Errorf("bad ring length %d", size)
	}
	b, err := d.mem.Resolve(addr, int(size))
	if err != nil {
		return nil, 0, err
	}
	return b, size / e1000.DescSize, nil
}

// transmitLocked sends queued descriptors starting at TDH.
func (d *Device) transmitLocked(limit int) (sent [][]byte) {
	if d.regs[e1000.TCTL/4]&e1000.TCTLEnable == 0 {
		return nil
	}
	mem, n, err := d.ringLocked(e1000.TDBAL, e1000.TDLEN)
	if err != nil {
		d.l.WithError(err).Error("nicsim: tx ring unusable")
		return nil
	}
	ring := e1000.TxRing(mem)
	pad := d.regs[e1000.TCTL/4]&e1000.TCTLPadShort != 0

	head := d.regs[e1000.TDH/4] % n
	for done := 0; d.txQueued > 0 && (limit < 0 || done < limit); done++ {
		desc := &ring[head]
		buf, err := d.mem.Resolve(desc.Addr(), int(desc.Len()))
		if err != nil {
			d.l.WithError(err).WithField("slot", head).Error("nicsim: tx buffer unmapped")
		} else {
			frame := append([]byte(nil), buf...)
			if pad && len(frame) < minFrameLen {
				frame = append(frame, make([]byte, minFrameLen-len(frame))...)
			}
			sent = append(sent, frame)
		}
		if desc.Cmd()&e1000.CmdRS != 0 {
			desc.WriteBack(e1000.StatusDD)
		}
		head = (head + 1) % n
		d.txQueued--
	}
	d.regs[e1000.TDH/4] = head
	if len(sent) > 0 {
		d.regs[e1000.ICR/4] |= e1000.IntTXDW
	}
	return sent
}

func (d *Device) acceptLocked(frame []byte) bool {
	dst := net.HardwareAddr(frame[:6])
	if d.regs[e1000.RCTL/4]&e1000.RCTLBroadcast != 0 && isBroadcast(dst) {
		return true
	}
	for i := range e1000.RAEntries {
		hi := d.regs[e1000.RAH(i)/4]
		if hi&e1000.RAHValid == 0 {
			continue
		}
		lo := d.regs[e1000.RAL(i)/4]
		if dst[0] == byte(lo) && dst[1] == byte(lo>>8) &&
			dst[2] == byte(lo>>16) && dst[3] == byte(lo>>24) &&
			dst[4] == byte(hi) && dst[5] == byte(hi>>8) {
			return true
		}
	}
	return false
}

func isBroadcast(a net.HardwareAddr) bool {
	for _, b := range a {
		if b != 0xff {
			return false
		}
	}
	return true
}

// Inject delivers frame from the wire to the device, as if received
// without FCS. On success the frame is in host memory, the descriptor is
// written back and, if unmasked, the interrupt handler has run.
func (d *Device) Inject(frame []byte) error {
	if err := d.receive(frame); err != nil {
		return err
	}
	d.raise()
	return nil
}

func (d *Device) receive(frame []byte) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	rctl := d.regs[e1000.RCTL/4]
	if rctl&e1000.RCTLEnable == 0 {
		return ErrReceiverDisabled
	}
	if len(frame) < 14 {
		return ErrRuntFrame
	}
	if !d.acceptLocked(frame) {
		return ErrFiltered
	}
	bufSize := e1000.RxBufferSize(rctl)
	if len(frame) > bufSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLong, len(frame), bufSize)
	}

	mem, n, err := d.ringLocked(e1000.RDBAL, e1000.RDLEN)
	if err != nil {
		return err
	}
	head := d.regs[e1000.RDH/4] % n
	if head == d.regs[e1000.RDT/4]%n {
		d.missed++
		return ErrNoDescriptors
	}

	desc := &e1000.RxRing(mem)[head]
	buf, err := d.mem.Resolve(desc.Addr(), bufSize)
	if err != nil {
		return fmt.Errorf("rx buffer of slot %d: %w", head, err)
	}
	copy(buf, frame)
	desc.WriteBack(uint16(len(frame)), e1000.StatusDD|e1000.StatusEOP, 0)

	d.regs[e1000.RDH/4] = (head + 1) % n
	d.regs[e1000.ICR/4] |= e1000.IntRXT0
	return nil
}

// raise asserts the interrupt line if an unmasked cause is pending.
func (d *Device) raise() {
	d.irqLock.Lock()
	defer d.irqLock.Unlock()

	d.lock.Lock()
	pending := d.regs[e1000.ICR/4]&d.regs[e1000.IMS/4] != 0
	d.lock.Unlock()

	if pending && d.handler != nil {
		d.handler()
	}
}
