package e1000

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingIndexWrap(t *testing.T) {
	r := newRingIndex(16)
	assert.EqualValues(t, 16, r.size())
	assert.EqualValues(t, 1, r.next(0))
	assert.EqualValues(t, 0, r.next(15))
	assert.EqualValues(t, 2, r.add(15, 3))

	// Values from outside the ring, e.g. garbage register reads, and any
	// number of laps still land inside it.
	for _, v := range []uint32{16, 17, 1 << 31, ^uint32(0)} {
		assert.Less(t, r.wrap(v), r.size())
		assert.Less(t, r.next(v), r.size())
	}
	slot := uint32(0)
	for i := range 16*1000 + 5 {
		require.Less(t, slot, r.size())
		assert.EqualValues(t, i%16, slot)
		slot = r.next(slot)
	}
}

func TestValidRingSize(t *testing.T) {
	for _, tc := range []struct {
		n   uint32
		err error
	}{
		{n: 8},
		{n: 16},
		{n: 4096},
		{n: MaxRingSize},
		{n: 0, err: ErrRingSize},
		{n: 12, err: ErrRingSize},
		{n: MaxRingSize * 2, err: ErrRingSize},
		{n: 4, err: ErrRingAlignment},
		{n: 1, err: ErrRingAlignment},
	} {
		err := validRingSize(tc.n)
		if tc.err == nil {
			assert.NoError(t, err, tc.n)
		} else {
			assert.ErrorIs(t, err, tc.err, tc.n)
		}
	}
}

func TestDescriptorLayout(t *testing.T) {
	assert.EqualValues(t, DescSize, unsafe.Sizeof(TxDesc{}))
	assert.EqualValues(t, DescSize, unsafe.Sizeof(RxDesc{}))

	b := make([]byte, 4*DescSize)
	ring := TxRing(b)
	require.Len(t, ring, 4)

	ring[1].reset()
	assert.True(t, ring[1].Done())
	// status byte is byte 12 of the descriptor
	assert.Equal(t, byte(StatusDD), b[DescSize+12])

	ring[1].program(0x1122334455, 60, CmdEOP|CmdRS)
	assert.False(t, ring[1].Done(), "programming clears DD")
	assert.EqualValues(t, 0x1122334455, ring[1].Addr())
	assert.EqualValues(t, 60, ring[1].Len())
	assert.EqualValues(t, CmdEOP|CmdRS, ring[1].Cmd())
	assert.Equal(t, []byte{60, 0}, b[DescSize+8:DescSize+10], "length bytes")
	assert.Equal(t, byte(CmdEOP|CmdRS), b[DescSize+11], "cmd byte")

	ring[1].WriteBack(StatusDD)
	assert.True(t, ring[1].Done())
	assert.EqualValues(t, 60, ring[1].Len(), "write-back keeps length")

	rx := RxRing(b)
	rx[2].arm(0xabc0)
	assert.False(t, rx[2].Done())
	rx[2].WriteBack(1514, StatusDD|StatusEOP, 0)
	assert.True(t, rx[2].Done())
	assert.EqualValues(t, 1514, rx[2].Len())
	assert.EqualValues(t, StatusDD|StatusEOP, rx[2].Status())
	assert.Zero(t, rx[2].Errors())

	assert.Nil(t, TxRing(b[:8]))
}

func TestRxBufferSize(t *testing.T) {
	assert.Equal(t, 2048, RxBufferSize(RCTLBufSize2048))
	assert.Equal(t, 1024, RxBufferSize(1<<16))
	assert.Equal(t, 256, RxBufferSize(3<<16))
	assert.Equal(t, 16384, RxBufferSize(RCTLBufSizeExt|1<<16))
	assert.Equal(t, 4096, RxBufferSize(RCTLBufSizeExt|3<<16))
	assert.Zero(t, RxBufferSize(RCTLBufSizeExt))
}

func TestRegisterHelpers(t *testing.T) {
	assert.Equal(t, Reg(0x05200), MTA(0))
	assert.Equal(t, Reg(0x053fc), MTA(127))
	assert.Equal(t, Reg(0x05400), RAL(0))
	assert.Equal(t, Reg(0x05404), RAH(0))
	assert.Equal(t, Reg(0x05408), RAL(1))
	assert.Equal(t, MTA(0), MTA(MTAEntries), "indexes wrap inside the table")
}
