// Package pktgen builds and decodes the sequence-numbered UDP frames the
// tools send through the driver.
package pktgen

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	headerLen = 14 + 20 + 8 // Ethernet, IPv4, UDP
	seqLen    = 4

	// MinFrameSize is the Ethernet minimum; shorter frames are padded by
	// the Ethernet layer and would not keep their length.
	MinFrameSize = 60
	MaxFrameSize = 1514
)

var (
	ErrFrameSize = fmt.Errorf("frame size must be in [%d, %d]", MinFrameSize, MaxFrameSize)
	ErrNotUDP    = errors.New("not an IPv4 UDP frame")
)

// Template describes the frames to generate.
type Template struct {
	SrcMAC, DstMAC   net.HardwareAddr
	SrcIP, DstIP     net.IP
	SrcPort, DstPort uint16
	// FrameSize is the Ethernet frame length without FCS.
	FrameSize int
}

func (t *Template) Validate() error {
	if t.FrameSize < MinFrameSize || t.FrameSize > MaxFrameSize {
		return fmt.Errorf("%w: %d", ErrFrameSize, t.FrameSize)
	}
	if len(t.SrcMAC) != 6 || len(t.DstMAC) != 6 {
		return errors.New("MACs must be 6 bytes")
	}
	if t.SrcIP.To4() == nil || t.DstIP.To4() == nil {
		return errors.New("IPs must be IPv4")
	}
	return nil
}

// Builder serializes frames from a Template. Not safe for concurrent use.
type Builder struct {
	t       Template
	buf     gopacket.SerializeBuffer
	payload []byte
}

func NewBuilder(t Template) (*Builder, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &Builder{
		t:       t,
		buf:     gopacket.NewSerializeBuffer(),
		payload: make([]byte, t.FrameSize-headerLen),
	}, nil
}

// Build returns the frame carrying seq. The slice is reused by the next
// call.
func (b *Builder) Build(seq uint32) ([]byte, error) {
	eth := layers.Ethernet{
		SrcMAC:       b.t.SrcMAC,
		DstMAC:       b.t.DstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    b.t.SrcIP.To4(),
		DstIP:    b.t.DstIP.To4(),
	}
	udp := layers.UDP{
		SrcPort: layers.UDPPort(b.t.SrcPort),
		DstPort: layers.UDPPort(b.t.DstPort),
	}
	if err := udp.SetNetworkLayerForChecksum(&ip); err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint32(b.payload, seq)

	opt := gopacket.SerializeOptions{
		ComputeChecksums: true,
		FixLengths:       true,
	}
	if err := gopacket.SerializeLayers(b.buf, opt, &eth, &ip, &udp, gopacket.Payload(b.payload)); err != nil {
		return nil, err
	}
	return b.buf.Bytes(), nil
}

// Frame is what Decode extracts from a received frame.
type Frame struct {
	SrcMAC  net.HardwareAddr
	SrcIP   net.IP
	DstPort uint16
	Seq     uint32
}

// Decode parses a frame produced by Build.
func Decode(frame []byte) (Frame, error) {
	packet := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Lazy)
	eth, _ := packet.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	v4, _ := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	udp, _ := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if eth == nil || v4 == nil || udp == nil {
		return Frame{}, ErrNotUDP
	}
	if len(udp.Payload) < seqLen {
		return Frame{}, fmt.Errorf("%w: payload of %d bytes", ErrNotUDP, len(udp.Payload))
	}
	return Frame{
		SrcMAC:  eth.SrcMAC,
		SrcIP:   v4.SrcIP,
		DstPort: uint16(udp.DstPort),
		Seq:     binary.BigEndian.Uint32(udp.Payload),
	}, nil
}
