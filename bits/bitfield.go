package bits

import "math/bits"

// Bitfield is a set of small non-negative integers backed by 64-bit words.
type Bitfield []uint64

func NewBitfield(size int) Bitfield {
	return make(Bitfield, (size+63)>>6)
}

func (b Bitfield) Set(bit int) {
	word := bit >> 6 // bit / 64
	mask := uint64(1) << (bit & 63)
	b[word] |= mask
}

func (b Bitfield) Clear(bit int) {
	word := bit >> 6
	mask := uint64(1) << (bit & 63)
	b[word] &^= mask
}

func (b Bitfield) Get(bit int) bool {
	word := bit >> 6
	return (b[word]>>(bit&63))&1 == 1
}

func (b Bitfield) Count() int {
	c := 0
	for _, w := range b {
		c += bits.OnesCount64(w)
	}
	return c
}
