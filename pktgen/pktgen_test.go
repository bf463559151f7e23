package pktgen_test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/e1000-go/pktgen"
)

func template(size int) pktgen.Template {
	return pktgen.Template{
		SrcMAC:    net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56},
		DstMAC:    net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x57},
		SrcIP:     net.IPv4(10, 0, 0, 1),
		DstIP:     net.IPv4(10, 0, 0, 2),
		SrcPort:   9000,
		DstPort:   12345,
		FrameSize: size,
	}
}

func TestBuildDecode(t *testing.T) {
	for _, size := range []int{pktgen.MinFrameSize, 64, 1024, pktgen.MaxFrameSize} {
		b, err := pktgen.NewBuilder(template(size))
		require.NoError(t, err)

		frame, err := b.Build(0xc0ffee)
		require.NoError(t, err)
		assert.Len(t, frame, size)

		f, err := pktgen.Decode(frame)
		require.NoError(t, err, size)
		assert.EqualValues(t, 0xc0ffee, f.Seq)
		assert.EqualValues(t, 12345, f.DstPort)
		assert.Equal(t, "10.0.0.1", f.SrcIP.String())
		assert.Equal(t, "52:54:00:12:34:56", f.SrcMAC.String())
	}
}

func TestBuildReusesBuffer(t *testing.T) {
	b, err := pktgen.NewBuilder(template(64))
	require.NoError(t, err)

	for seq := range uint32(10) {
		frame, err := b.Build(seq)
		require.NoError(t, err)
		f, err := pktgen.Decode(frame)
		require.NoError(t, err)
		assert.Equal(t, seq, f.Seq)
	}
}

func TestValidate(t *testing.T) {
	_, err := pktgen.NewBuilder(template(20))
	assert.ErrorIs(t, err, pktgen.ErrFrameSize)
	_, err = pktgen.NewBuilder(template(9000))
	assert.ErrorIs(t, err, pktgen.ErrFrameSize)

	bad := template(64)
	bad.DstIP = net.ParseIP("::1")
	_, err = pktgen.NewBuilder(bad)
	assert.Error(t, err)
}

func TestDecodeRejectsOtherFrames(t *testing.T) {
	_, err := pktgen.Decode(make([]byte, 60))
	assert.ErrorIs(t, err, pktgen.ErrNotUDP)
}
