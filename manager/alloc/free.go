package alloc

import (
	"errors"
	"fmt"

	"github.com/dot5enko/rmfs/bits"
	"github.com/dot5enko/rmfs/schema"
)

// Free releases block idx and merges it with free physical neighbours.
// A free block left at the end of the data area is given back to the gap.
func (a *Allocator) Free(idx int) error {
	if !a.blocks.valid(idx) {
		return fmt.Errorf("%w: %d", ErrInvalidIndex, idx)
	}

	a.blocks.items[idx].release()
	a.counters.Frees++

	a.mergeNext(idx)

	if idx > 0 {
		prev := a.blocks.items[idx-1]
		if !prev.InUse() && prev.End() == a.blocks.items[idx].Offset {
			a.mergeNext(idx - 1)
			idx--
		}
	}

	if a.isLast(idx) {
		a.layout.DataAreaEnd = a.blocks.items[idx].Offset
		a.blocks.removeAt(idx)
		return nil
	}

	return a.commit(idx)
}

// mergeNext folds block idx+1 into idx when both are free and adjacent.
func (a *Allocator) mergeNext(idx int) bool {
	if idx+1 >= a.blocks.count {
		return false
	}

	cur, next := &a.blocks.items[idx], a.blocks.items[idx+1]
	if cur.InUse() || next.InUse() || cur.End() != next.Offset {
		return false
	}

	cur.BlockSize += schema.BlockHeaderSize + next.BlockSize
	a.blocks.removeAt(idx + 1)
	a.counters.Merges++

	return true
}

// FreeByID releases every block owned by id.
func (a *Allocator) FreeByID(id uint16) error {
	if id == 0 {
		return nil
	}

	for {
		idx := -1
		for i := 0; i < a.blocks.count; i++ {
			if d := a.blocks.items[i]; d.InUse() && d.NameID == id {
				idx = i
				break
			}
		}

		if idx < 0 {
			return nil
		}

		if err := a.Free(idx); err != nil {
			return err
		}
	}
}

// Split truncates the capacity of block idx to size. The cut off part is
// given back to the gap when the block is last, otherwise it becomes a free
// block of its own when it is large enough to carry a header.
func (a *Allocator) Split(idx int, size uint32) error {
	if !a.blocks.valid(idx) {
		return fmt.Errorf("%w: %d", ErrInvalidIndex, idx)
	}

	size = bits.AlignUp(size, schema.BlockAlign)
	d := &a.blocks.items[idx]

	if size >= d.BlockSize {
		return nil
	}

	if a.isLast(idx) {
		a.layout.DataAreaEnd -= d.BlockSize - size
		d.BlockSize = size
		d.DataSize = min(d.DataSize, size)
		return a.commit(idx)
	}

	leftover := d.BlockSize - size
	if leftover <= schema.BlockHeaderSize {
		return nil
	}
	if a.blocks.full() {
		return fmt.Errorf("unable to split block %d: %w", idx, ErrTableFull)
	}

	d.BlockSize = size
	d.DataSize = min(d.DataSize, size)
	if err := a.commit(idx); err != nil {
		return err
	}

	if err := a.carveFree(idx, leftover-schema.BlockHeaderSize); err != nil {
		return err
	}

	if a.mergeNext(idx + 1) {
		return a.commit(idx + 1)
	}

	return nil
}

// AppendLinked extends the chain ending at block idx by size bytes. The
// tail grows in place when it borders the gap or a free block, otherwise a
// continuation block is allocated and linked behind it. data, when given,
// is stored in the last len(data) bytes of the extension.
func (a *Allocator) AppendLinked(idx int, data []byte, size uint32) error {
	if !a.blocks.valid(idx) || !a.blocks.items[idx].InUse() {
		return fmt.Errorf("%w: %d", ErrInvalidIndex, idx)
	}

	if uint32(len(data)) > size {
		size = uint32(len(data))
	}
	size = blockSizeFor(size)

	tail, err := a.chainTail(idx)
	if err != nil {
		return err
	}

	d := &a.blocks.items[tail]
	start := d.BlockSize

	switch {
	case a.isLast(tail) && a.layout.FreeGap() >= size:
		d.BlockSize += size
		a.layout.DataAreaEnd += size

	case tail+1 < a.blocks.count && !a.blocks.items[tail+1].InUse() &&
		a.blocks.items[tail+1].Offset == d.End() &&
		schema.BlockHeaderSize+a.blocks.items[tail+1].BlockSize >= size:

		d.BlockSize += schema.BlockHeaderSize + a.blocks.items[tail+1].BlockSize
		a.blocks.removeAt(tail + 1)
		a.counters.Merges++

		if err := a.Split(tail, start+size); err != nil {
			return err
		}

	default:
		return a.appendContinuation(tail, data, size)
	}

	if len(data) > 0 {
		d.DataSize = start + size
		if err := a.writePayload(tail, start+size-uint32(len(data)), data); err != nil {
			return err
		}
	}

	return a.commit(tail)
}

func (a *Allocator) appendContinuation(tail int, data []byte, size uint32) error {

	owner := a.blocks.items[tail]

	req := request{
		id:           owner.NameID,
		size:         size,
		tag:          owner.ContentType(),
		continuation: true,
	}
	if len(data) > 0 {
		req.fill = size
	}

	next, _, err := a.allocate(req)
	if err != nil {
		return fmt.Errorf("unable to extend chain of id %d by %d bytes: %w", owner.NameID, size, err)
	}

	// allocation may have shifted the table
	newTail, found := a.FindByOffset(owner.Offset)
	if !found {
		return fmt.Errorf("%w: chain tail %#x vanished", ErrInconsistent, owner.Offset)
	}

	d := &a.blocks.items[newTail]
	d.Next = a.blocks.items[next].Offset
	d.DataSize = d.BlockSize
	if err := a.commit(newTail); err != nil {
		return err
	}

	if len(data) > 0 {
		return a.WriteChain(next, size-uint32(len(data)), data)
	}

	return nil
}

func (a *Allocator) chainTail(idx int) (int, error) {
	for steps := 0; steps < a.blocks.count; steps++ {
		next := a.blocks.items[idx].Next
		if next == 0 {
			return idx, nil
		}

		var found bool
		idx, found = a.FindByOffset(next)
		if !found {
			return -1, fmt.Errorf("%w: dangling next %#x", ErrInconsistent, next)
		}
	}

	return -1, fmt.Errorf("%w: chain loop at block %d", ErrInconsistent, idx)
}

// TruncateChain cuts the chain starting at first down to size bytes of
// capacity. Blocks past the cut are freed and the boundary block is split,
// size 0 frees the whole chain. A size beyond the chain capacity is a no-op.
func (a *Allocator) TruncateChain(first int, size uint32) error {
	var (
		drop     [MaxDescriptors]uint32
		dropped  int
		boundary uint32
		local    uint32
		pos      uint32
	)

	for _, d := range a.Chain(first) {
		switch {
		case boundary == 0 && size > 0 && pos+d.BlockSize >= size:
			boundary, local = d.Offset, size-pos
		case boundary != 0 || size == 0:
			drop[dropped] = d.Offset
			dropped++
		}
		pos += d.BlockSize
	}

	// the boundary loses its live bytes past the cut even when the split
	// below leaves its capacity alone
	if boundary != 0 {
		idx, _ := a.FindByOffset(boundary)
		if d := &a.blocks.items[idx]; d.Next != 0 || d.DataSize > local {
			d.Next = 0
			d.DataSize = min(d.DataSize, local)
			if err := a.commit(idx); err != nil {
				return err
			}
		}
	}

	// tail first, so a trailing block gives its space back to the gap
	for i := dropped - 1; i >= 0; i-- {
		idx, found := a.FindByOffset(drop[i])
		if !found {
			return fmt.Errorf("%w: chain block %#x vanished", ErrInconsistent, drop[i])
		}
		if err := a.Free(idx); err != nil {
			return err
		}
	}

	if boundary == 0 {
		return nil
	}

	idx, _ := a.FindByOffset(boundary)
	if err := a.Split(idx, local); err != nil {
		if errors.Is(err, ErrTableFull) {
			a.logger.Debug(" slack kept, no slot to split block", "offset", boundary, "size", local)
			return nil
		}
		return err
	}

	return nil
}
