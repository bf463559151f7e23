package nicsim_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/e1000-go/dma"
	"github.com/romshark/e1000-go/e1000"
	"github.com/romshark/e1000-go/nicsim"
	"github.com/romshark/e1000-go/test"
)

var mac = []byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}

type rig struct {
	heap   *dma.Heap
	dev    *nicsim.Device
	txMem  *dma.Region
	rxMem  *dma.Region
	txBufs []*dma.Region
	rxBufs []*dma.Region
}

// newRig lays out a tx and an rx ring of n descriptors by hand, with one
// 2 KiB buffer per slot, and programs the device with them and with mac.
func newRig(t *testing.T, conf nicsim.Config, n uint32) *rig {
	t.Helper()

	r := &rig{heap: dma.NewHeap()}
	r.dev = nicsim.New(test.NewLogger(), r.heap, conf)

	var err error
	r.txMem, err = r.heap.Alloc(int(n)*e1000.DescSize, 128)
	require.NoError(t, err)
	r.rxMem, err = r.heap.Alloc(int(n)*e1000.DescSize, 128)
	require.NoError(t, err)

	for i := range int(n) {
		tb, err := r.heap.Alloc(2048, 64)
		require.NoError(t, err)
		r.txBufs = append(r.txBufs, tb)

		rb, err := r.heap.Alloc(2048, 64)
		require.NoError(t, err)
		r.rxBufs = append(r.rxBufs, rb)
		binary.LittleEndian.PutUint64(r.rxMem.Bytes[i*e1000.DescSize:], rb.Addr)
	}

	d := r.dev
	d.Store(e1000.TDBAL, uint32(r.txMem.Addr))
	d.Store(e1000.TDBAH, uint32(r.txMem.Addr>>32))
	d.Store(e1000.TDLEN, n*e1000.DescSize)
	d.Store(e1000.RDBAL, uint32(r.rxMem.Addr))
	d.Store(e1000.RDBAH, uint32(r.rxMem.Addr>>32))
	d.Store(e1000.RDLEN, n*e1000.DescSize)
	d.Store(e1000.RAL(0), 0x12005452)
	d.Store(e1000.RAH(0), 0x5634|e1000.RAHValid)
	return r
}

// queueTx writes payload into the buffer of slot i and programs its
// descriptor with cmd.
func (r *rig) queueTx(i int, payload []byte, cmd byte) {
	copy(r.txBufs[i].Bytes, payload)
	desc := r.txMem.Bytes[i*e1000.DescSize : (i+1)*e1000.DescSize]
	binary.LittleEndian.PutUint64(desc[0:], r.txBufs[i].Addr)
	binary.LittleEndian.PutUint64(desc[8:], 0)
	binary.LittleEndian.PutUint16(desc[8:], uint16(len(payload)))
	desc[11] = cmd
}

func (r *rig) txRing() []e1000.TxDesc { return e1000.TxRing(r.txMem.Bytes) }
func (r *rig) rxRing() []e1000.RxDesc { return e1000.RxRing(r.rxMem.Bytes) }

func frameTo(dst []byte, size int) []byte {
	f := make([]byte, size)
	copy(f, dst)
	for i := 14; i < size; i++ {
		f[i] = byte(i)
	}
	return f
}

func TestResetClearsRegisters(t *testing.T) {
	d := nicsim.New(test.NewLogger(), dma.NewHeap(), nicsim.Config{})
	d.Store(e1000.RCTL, e1000.RCTLEnable)
	d.Store(e1000.IMS, e1000.IntRXT0)

	d.Store(e1000.CTL, e1000.CTLReset)
	assert.Zero(t, d.Load(e1000.CTL)&e1000.CTLReset, "reset self-clears")
	assert.Zero(t, d.Peek(e1000.RCTL))
	assert.Zero(t, d.Peek(e1000.IMS))
	assert.Equal(t, 1, d.Resets())
}

func TestInterruptMaskAndCause(t *testing.T) {
	d := nicsim.New(test.NewLogger(), dma.NewHeap(), nicsim.Config{})

	d.Store(e1000.IMS, e1000.IntRXT0)
	d.Store(e1000.IMS, e1000.IntLSC)
	assert.EqualValues(t, e1000.IntRXT0|e1000.IntLSC, d.Load(e1000.IMS), "IMS writes accumulate")
	d.Store(e1000.IMS, 0)
	assert.EqualValues(t, e1000.IntRXT0|e1000.IntLSC, d.Load(e1000.IMS), "zero write is a no-op")
	d.Store(e1000.IMC, e1000.IntLSC)
	assert.EqualValues(t, e1000.IntRXT0, d.Load(e1000.IMS))

	d.Poke(e1000.ICR, e1000.IntRXT0|e1000.IntTXDW)
	d.Store(e1000.ICR, e1000.IntTXDW)
	assert.EqualValues(t, e1000.IntRXT0, d.Peek(e1000.ICR), "write-1-to-clear")
	assert.EqualValues(t, e1000.IntRXT0, d.Load(e1000.ICR))
	assert.Zero(t, d.Peek(e1000.ICR), "read-to-clear")
}

func TestTransmit(t *testing.T) {
	r := newRig(t, nicsim.Config{ManualTx: true}, 8)
	d := r.dev

	var wire [][]byte
	d.OnTransmit(func(f []byte) { wire = append(wire, f) })

	r.queueTx(0, []byte("short"), e1000.CmdEOP|e1000.CmdRS)
	r.queueTx(1, frameTo(mac, 100), e1000.CmdEOP|e1000.CmdRS)
	r.queueTx(2, frameTo(mac, 200), e1000.CmdEOP)
	d.Store(e1000.TDT, 3)
	assert.Equal(t, 3, d.PendingTx())
	assert.Equal(t, 0, d.CompleteTx(-1), "transmitter disabled")

	d.Store(e1000.TCTL, e1000.TCTLEnable|e1000.TCTLPadShort)
	require.Equal(t, 1, d.CompleteTx(1))
	assert.EqualValues(t, 1, d.Peek(e1000.TDH))
	assert.True(t, r.txRing()[0].Done())
	assert.False(t, r.txRing()[1].Done())
	require.Len(t, wire, 1)
	assert.Len(t, wire[0], 60, "short frame padded")
	assert.Equal(t, []byte("short"), wire[0][:5])
	assert.NotZero(t, d.Peek(e1000.ICR)&e1000.IntTXDW)

	require.Equal(t, 2, d.CompleteTx(-1))
	assert.Zero(t, d.PendingTx())
	assert.EqualValues(t, 3, d.Peek(e1000.TDH))
	assert.True(t, r.txRing()[1].Done())
	assert.False(t, r.txRing()[2].Done(), "no write-back without RS")
	require.Len(t, wire, 3)
	assert.Len(t, wire[1], 100)
	assert.Len(t, wire[2], 200)
}

func TestTransmitFullLap(t *testing.T) {
	r := newRig(t, nicsim.Config{ManualTx: true}, 8)
	d := r.dev
	d.Store(e1000.TCTL, e1000.TCTLEnable)

	// Publishing one slot at a time all the way around leaves TDT == TDH
	// with eight descriptors queued.
	for i := range 8 {
		r.queueTx(i, frameTo(mac, 64), e1000.CmdEOP|e1000.CmdRS)
		d.Store(e1000.TDT, uint32(i+1)%8)
	}
	assert.Equal(t, d.Peek(e1000.TDH), d.Peek(e1000.TDT))
	assert.Equal(t, 8, d.PendingTx())
	assert.Equal(t, 8, d.CompleteTx(-1))
	ring := r.txRing()
	for i := range ring {
		assert.True(t, ring[i].Done(), "slot %d", i)
	}
}

func TestTransmitAutomatic(t *testing.T) {
	r := newRig(t, nicsim.Config{}, 8)
	d := r.dev
	d.Store(e1000.TCTL, e1000.TCTLEnable)

	var wire [][]byte
	d.OnTransmit(func(f []byte) { wire = append(wire, f) })

	r.queueTx(0, frameTo(mac, 64), e1000.CmdEOP|e1000.CmdRS)
	d.Store(e1000.TDT, 1)
	assert.Len(t, wire, 1)
	assert.Zero(t, d.PendingTx())
	assert.True(t, r.txRing()[0].Done())
}

func TestInject(t *testing.T) {
	r := newRig(t, nicsim.Config{}, 8)
	d := r.dev

	frame := frameTo(mac, 60)
	assert.ErrorIs(t, d.Inject(frame), nicsim.ErrReceiverDisabled)

	d.Store(e1000.RCTL, e1000.RCTLEnable)
	d.Store(e1000.RDT, 7)

	assert.ErrorIs(t, d.Inject(frame[:10]), nicsim.ErrRuntFrame)
	assert.ErrorIs(t, d.Inject(frameTo([]byte{2, 0, 0, 0, 0, 1}, 60)), nicsim.ErrFiltered)
	assert.ErrorIs(t, d.Inject(frameTo([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, 60)),
		nicsim.ErrFiltered, "broadcast needs RCTL.BAM")
	assert.ErrorIs(t, d.Inject(frameTo(mac, 2100)), nicsim.ErrFrameTooLong)

	interrupts := 0
	d.Connect(func() {
		interrupts++
		d.Store(e1000.ICR, e1000.IntAll)
	})

	require.NoError(t, d.Inject(frame))
	assert.Zero(t, interrupts, "RXT0 masked")

	d.Store(e1000.IMS, e1000.IntRXT0)
	long := frameTo(mac, 1514)
	require.NoError(t, d.Inject(long))
	assert.Equal(t, 1, interrupts)
	assert.EqualValues(t, 2, d.Peek(e1000.RDH))

	rx := r.rxRing()
	assert.True(t, rx[0].Done())
	assert.EqualValues(t, 60, rx[0].Len())
	assert.EqualValues(t, e1000.StatusDD|e1000.StatusEOP, rx[1].Status())
	assert.EqualValues(t, 1514, rx[1].Len())
	assert.Equal(t, long, r.rxBufs[1].Bytes[:1514])
	assert.False(t, rx[2].Done())
}

func TestInjectRingFull(t *testing.T) {
	r := newRig(t, nicsim.Config{}, 8)
	d := r.dev
	d.Store(e1000.RCTL, e1000.RCTLEnable)
	d.Store(e1000.RDT, 3)

	for range 3 {
		require.NoError(t, d.Inject(frameTo(mac, 64)))
	}
	assert.ErrorIs(t, d.Inject(frameTo(mac, 64)), nicsim.ErrNoDescriptors)
	assert.EqualValues(t, 1, d.Missed())

	d.Store(e1000.RDT, 4)
	assert.NoError(t, d.Inject(frameTo(mac, 64)))
}
