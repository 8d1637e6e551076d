package cache

import "iter"

// SlotTable is a fixed set of reusable values addressed by slot index.
// Free slots are handed out through a channel, so acquiring never grows
// the table.
type SlotTable[T any] struct {
	slots []T
	inUse []bool
	free  chan uint16

	stats SlotStats
}

func NewSlotTable[T any](n int) *SlotTable[T] {

	slots := make([]T, n)

	free := make(chan uint16, n)
	for i := 0; i < n; i++ {
		free <- uint16(i)
	}

	return &SlotTable[T]{
		slots: slots,
		inUse: make([]bool, n),
		free:  free,
	}
}

// TryGet takes a free slot without blocking.
func (p *SlotTable[T]) TryGet() (*T, uint16, bool) {
	select {
	case id := <-p.free:
		p.inUse[id] = true
		p.stats.Acquired++
		return &p.slots[id], id, true
	default:
		p.stats.Rejected++
		return nil, 0, false
	}
}

// Return resets the slot to its zero value and makes it available again.
func (p *SlotTable[T]) Return(id uint16) {
	if int(id) >= len(p.slots) || !p.inUse[id] {
		return
	}

	var zero T
	p.slots[id] = zero
	p.inUse[id] = false
	p.stats.Released++

	p.free <- id
}

func (p *SlotTable[T]) Get(id uint16) (*T, bool) {
	if int(id) >= len(p.slots) || !p.inUse[id] {
		return nil, false
	}
	return &p.slots[id], true
}

// Occupied yields the slots currently taken, in slot order.
func (p *SlotTable[T]) Occupied() iter.Seq2[uint16, *T] {
	return func(yield func(uint16, *T) bool) {
		for i := range p.slots {
			if p.inUse[i] && !yield(uint16(i), &p.slots[i]) {
				return
			}
		}
	}
}

func (p *SlotTable[T]) Len() int {
	return len(p.slots) - len(p.free)
}

func (p *SlotTable[T]) Cap() int {
	return len(p.slots)
}

func (p *SlotTable[T]) Stats() SlotStats {
	return p.stats
}
