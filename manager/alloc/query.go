package alloc

import (
	"fmt"
	"iter"

	"github.com/dot5enko/rmfs/bits"
	"github.com/dot5enko/rmfs/schema"
)

// FindByOffset returns the index of the block stored at offset.
func (a *Allocator) FindByOffset(offset uint32) (int, bool) {
	for i := 0; i < a.blocks.count; i++ {
		if a.blocks.items[i].Offset == offset {
			return i, true
		}
	}
	return -1, false
}

// FindFirst returns the index of the head block of the chain owned by id.
func (a *Allocator) FindFirst(id uint16) (int, bool) {
	for i := 0; i < a.blocks.count; i++ {
		if d := a.blocks.items[i]; d.InUse() && !d.Continuation() && d.NameID == id {
			return i, true
		}
	}
	return -1, false
}

func (a *Allocator) Descriptor(idx int) (Descriptor, error) {
	if !a.blocks.valid(idx) {
		return Descriptor{}, fmt.Errorf("%w: %d", ErrInvalidIndex, idx)
	}
	return a.blocks.items[idx], nil
}

// Descriptors returns a copy of the mirrored blocks in offset order.
func (a *Allocator) Descriptors() []Descriptor {
	out := make([]Descriptor, a.blocks.count)
	copy(out, a.blocks.items[:a.blocks.count])
	return out
}

func (a *Allocator) Count() int {
	return a.blocks.count
}

// Chain yields the blocks of the chain starting at idx, following next
// links. A dangling link ends the sequence early.
func (a *Allocator) Chain(idx int) iter.Seq2[int, Descriptor] {
	return func(yield func(int, Descriptor) bool) {
		for steps := 0; a.blocks.valid(idx) && steps < a.blocks.count; steps++ {
			d := a.blocks.items[idx]
			if !yield(idx, d) || d.Next == 0 {
				return
			}

			var found bool
			if idx, found = a.FindByOffset(d.Next); !found {
				a.logger.Warn(" dangling block link", "offset", d.Offset, "next", d.Next)
				return
			}
		}
	}
}

// SetDataSize records how many payload bytes of block idx carry data.
func (a *Allocator) SetDataSize(idx int, size uint32) error {
	if !a.blocks.valid(idx) {
		return fmt.Errorf("%w: %d", ErrInvalidIndex, idx)
	}

	d := &a.blocks.items[idx]
	if size > d.BlockSize {
		return fmt.Errorf("%w: data size %d exceeds capacity %d of block %#x", ErrInconsistent, size, d.BlockSize, d.Offset)
	}
	if d.DataSize == size {
		return nil
	}

	d.DataSize = size
	return a.commit(idx)
}

func (a *Allocator) payloadSpan(idx int, off uint32, n int) (uint32, error) {
	if !a.blocks.valid(idx) {
		return 0, fmt.Errorf("%w: %d", ErrInvalidIndex, idx)
	}

	d := a.blocks.items[idx]
	if uint64(off)+uint64(n) > uint64(d.BlockSize) {
		return 0, fmt.Errorf("%w: %d bytes at %d past capacity %d of block %#x", ErrInconsistent, n, off, d.BlockSize, d.Offset)
	}

	return d.Payload() + off, nil
}

// ReadPayload copies payload bytes of block idx starting at off into buf.
func (a *Allocator) ReadPayload(idx int, off uint32, buf []byte) error {
	addr, err := a.payloadSpan(idx, off, len(buf))
	if err != nil {
		return err
	}
	return a.acc.Read(buf, addr)
}

// WritePayload stores data in block idx starting at payload offset off.
func (a *Allocator) WritePayload(idx int, off uint32, data []byte) error {
	return a.writePayload(idx, off, data)
}

func (a *Allocator) writePayload(idx int, off uint32, data []byte) error {
	addr, err := a.payloadSpan(idx, off, len(data))
	if err != nil {
		return err
	}
	return a.acc.Write(data, addr)
}

// WriteChain stores data across the chain starting at idx, beginning at
// byte off of the chain capacity.
func (a *Allocator) WriteChain(idx int, off uint32, data []byte) error {
	for i, d := range a.Chain(idx) {
		if len(data) == 0 {
			return nil
		}

		if off >= d.BlockSize {
			off -= d.BlockSize
			continue
		}

		n := min(uint32(len(data)), d.BlockSize-off)
		if err := a.writePayload(i, off, data[:n]); err != nil {
			return err
		}

		data = data[n:]
		off = 0
	}

	if len(data) > 0 {
		return fmt.Errorf("%w: chain too short by %d bytes", ErrInconsistent, len(data))
	}

	return nil
}

// Check verifies the table invariants: offsets ascend without overlap,
// capacities are aligned, data never exceeds capacity and links point at
// blocks of the same owner.
func (a *Allocator) Check() error {
	prevEnd := a.layout.DataStart()
	linked := bits.NewBitfield(MaxDescriptors)

	for i := 0; i < a.blocks.count; i++ {
		d := a.blocks.items[i]

		if d.Offset < prevEnd {
			return fmt.Errorf("%w: block %d at %#x overlaps previous end %#x", ErrInconsistent, i, d.Offset, prevEnd)
		}
		if !bits.IsAligned(d.BlockSize, schema.BlockAlign) {
			return fmt.Errorf("%w: block %d capacity %d not aligned", ErrInconsistent, i, d.BlockSize)
		}
		if d.DataSize > d.BlockSize {
			return fmt.Errorf("%w: block %d data size %d exceeds capacity %d", ErrInconsistent, i, d.DataSize, d.BlockSize)
		}
		if d.End() > a.layout.DataAreaEnd {
			return fmt.Errorf("%w: block %d ends past data area", ErrInconsistent, i)
		}

		if !d.InUse() && (d.NameID != 0 || d.Next != 0) {
			return fmt.Errorf("%w: free block %d still owned by id %d", ErrInconsistent, i, d.NameID)
		}

		if d.InUse() && d.Next != 0 {
			j, found := a.FindByOffset(d.Next)
			if !found {
				return fmt.Errorf("%w: block %d links to unknown offset %#x", ErrInconsistent, i, d.Next)
			}
			if other := a.blocks.items[j]; !other.InUse() || other.NameID != d.NameID || !other.Continuation() {
				return fmt.Errorf("%w: block %d links to foreign block %d", ErrInconsistent, i, j)
			}
			if linked.Get(j) {
				return fmt.Errorf("%w: block %d is linked twice", ErrInconsistent, j)
			}
			linked.Set(j)
		}

		prevEnd = d.End()
	}

	if a.unmirrored {
		return nil
	}

	if prevEnd != a.layout.DataAreaEnd {
		return fmt.Errorf("%w: last block ends at %#x, data area at %#x", ErrInconsistent, prevEnd, a.layout.DataAreaEnd)
	}

	for i := 0; i < a.blocks.count; i++ {
		if d := a.blocks.items[i]; d.InUse() && d.Continuation() && !linked.Get(i) {
			return fmt.Errorf("%w: continuation block %d of id %d is not linked", ErrInconsistent, i, d.NameID)
		}
	}

	return nil
}

type Stats struct {
	Blocks     int
	UsedBlocks int
	FreeBlocks int
	UsedBytes  uint32
	DataBytes  uint32
	FreeBytes  uint32
	Unmirrored bool

	Counters
}

func (a *Allocator) Stats() Stats {
	stats := Stats{
		Blocks:     a.blocks.count,
		Unmirrored: a.unmirrored,
		Counters:   a.counters,
	}

	for i := 0; i < a.blocks.count; i++ {
		d := a.blocks.items[i]
		if d.InUse() {
			stats.UsedBlocks++
			stats.UsedBytes += d.BlockSize
			stats.DataBytes += d.DataSize
		} else {
			stats.FreeBlocks++
			stats.FreeBytes += d.BlockSize
		}
	}

	return stats
}
