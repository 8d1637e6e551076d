package alloc

import (
	"github.com/dot5enko/rmfs/schema"
)

// MaxDescriptors caps the number of blocks mirrored in memory. Running out
// of slots fails allocations even when the region still has room.
const MaxDescriptors = 40

// Descriptor mirrors one on-media block header together with its address.
type Descriptor struct {
	Offset uint32
	schema.BlockHeader
}

// Payload is the address of the first payload byte.
func (d Descriptor) Payload() uint32 {
	return d.Offset + schema.BlockHeaderSize
}

// End is the address right after the payload.
func (d Descriptor) End() uint32 {
	return d.BlockHeader.End(d.Offset)
}

func (d *Descriptor) release() {
	d.Flag = 0
	d.NameID = 0
	d.DataSize = 0
	d.Next = 0
}

// table is an offset ordered vector with a fixed capacity.
// Slots past count hold zero descriptors.
type table struct {
	items [MaxDescriptors]Descriptor
	count int
}

func (t *table) full() bool {
	return t.count == MaxDescriptors
}

func (t *table) insertAt(idx int, d Descriptor) error {
	if t.full() {
		return ErrTableFull
	}

	copy(t.items[idx+1:t.count+1], t.items[idx:t.count])
	t.items[idx] = d
	t.count++

	return nil
}

func (t *table) removeAt(idx int) {
	copy(t.items[idx:t.count-1], t.items[idx+1:t.count])
	t.count--
	t.items[t.count] = Descriptor{}
}

func (t *table) valid(idx int) bool {
	return idx >= 0 && idx < t.count
}
