package e1000

// ringIndex is the only place slot numbers are wrapped. Ring sizes are
// powers of two, so wrapping is a mask and any uint32, including values
// read back from device registers, maps to a valid slot.
type ringIndex struct {
	mask uint32
}

func newRingIndex(size uint32) ringIndex { return ringIndex{mask: size - 1} }

func (r ringIndex) size() uint32         { return r.mask + 1 }
func (r ringIndex) wrap(v uint32) uint32 { return v & r.mask }
func (r ringIndex) next(v uint32) uint32 { return r.wrap(v + 1) }

// add returns the slot n positions after v.
func (r ringIndex) add(v, n uint32) uint32 { return r.wrap(v + n) }
