package e1000

// Reg is the byte offset of a 32-bit register in the device's memory
// mapped register space (BAR0).
type Reg uint32

// Registers is ordered access to the device register file.
// Every Load and Store may have side effects on the device and must reach
// it exactly once, in program order.
type Registers interface {
	Load(r Reg) uint32
	Store(r Reg, v uint32)
	// Barrier orders all preceding memory writes, including descriptor
	// writes, before any following register access.
	Barrier()
}

// register offsets (8254x developer's manual, section 13)

const (
	CTL   Reg = 0x00000 // device control
	ICR   Reg = 0x000c0 // interrupt cause read, write-1-to-clear
	IMS   Reg = 0x000d0 // interrupt mask set/read
	IMC   Reg = 0x000d8 // interrupt mask clear
	RCTL  Reg = 0x00100 // receive control
	TCTL  Reg = 0x00400 // transmit control
	TIPG  Reg = 0x00410 // transmit inter-packet gap
	RDBAL Reg = 0x02800 // rx descriptor base address low
	RDBAH Reg = 0x02804 // rx descriptor base address high
	RDLEN Reg = 0x02808 // rx descriptor ring length in bytes
	RDH   Reg = 0x02810 // rx descriptor head
	RDT   Reg = 0x02818 // rx descriptor tail
	RDTR  Reg = 0x02820 // rx delay timer
	RADV  Reg = 0x0282c // rx interrupt absolute delay timer
	TDBAL Reg = 0x03800 // tx descriptor base address low
	TDBAH Reg = 0x03804 // tx descriptor base address high
	TDLEN Reg = 0x03808 // tx descriptor ring length in bytes
	TDH   Reg = 0x03810 // tx descriptor head
	TDT   Reg = 0x03818 // tx descriptor tail

	mtaBase Reg = 0x05200 // multicast table array, MTAEntries words
	raBase  Reg = 0x05400 // receive address pairs, RAEntries entries
)

const (
	MTAEntries = 128
	RAEntries  = 16

	// RegSpace is the size of the register space covered by the offsets above.
	RegSpace = 0x20000
)

// MTA returns the i-th word of the multicast table array.
func MTA(i int) Reg { return mtaBase + Reg(i%MTAEntries)*4 }

// RAL returns the low word of receive address entry n.
func RAL(n int) Reg { return raBase + Reg(n%RAEntries)*8 }

// RAH returns the high word of receive address entry n.
func RAH(n int) Reg { return raBase + Reg(n%RAEntries)*8 + 4 }

// CTL bits
const (
	CTLReset = 1 << 26 // self-clearing device reset
)

// interrupt causes (ICR/IMS/IMC)
const (
	IntTXDW = 1 << 0 // transmit descriptor written back
	IntLSC  = 1 << 2 // link status change
	IntRXT0 = 1 << 7 // receiver timer, raised on rx descriptor write-back

	IntAll = 0xffffffff
)

// TCTL bits
const (
	TCTLEnable    = 1 << 1
	TCTLPadShort  = 1 << 3
	TCTLCTShift   = 4  // collision threshold
	TCTLCOLDShift = 12 // collision distance
)

// RCTL bits
const (
	RCTLEnable      = 1 << 1
	RCTLBroadcast   = 1 << 15
	RCTLBufSize2048 = 0 << 16
	RCTLBufSizeMask = 3 << 16
	RCTLBufSizeExt  = 1 << 25
	RCTLStripCRC    = 1 << 26
)

// RxBufferSize decodes the receive buffer size selected by RCTL.BSIZE and
// RCTL.BSEX. It returns 0 for the reserved encoding.
func RxBufferSize(rctl uint32) int {
	sel := (rctl & RCTLBufSizeMask) >> 16
	if rctl&RCTLBufSizeExt == 0 {
		return 2048 >> sel
	}
	if sel == 0 {
		return 0
	}
	return 32768 >> sel
}

// RAH bits
const RAHValid = 1 << 31

// Values programmed at initialization.
const (
	tctlCollisionThreshold = 0x10
	tctlCollisionDistance  = 0x40
	tipgDefault            = 10 | 8<<10 | 6<<20
)
