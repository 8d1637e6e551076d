package alloc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dot5enko/rmfs/bits"
	rio "github.com/dot5enko/rmfs/io"
	"github.com/dot5enko/rmfs/manager/layout"
	"github.com/dot5enko/rmfs/schema"
)

var (
	ErrNoSpace      = errors.New("not enough space in data area")
	ErrTableFull    = errors.New("block descriptor table full")
	ErrInvalidIndex = errors.New("invalid block index")
	ErrCorrupt      = errors.New("corrupt data area")
	ErrInconsistent = errors.New("block table inconsistent")
)

// Names resolves the identifiers owning block chains.
type Names interface {
	LookupByString(name string) (uint32, uint16, error)
	Create(name string) (uint16, error)
	DeleteByID(id uint16) error
}

// Allocator hands out variable size blocks from the data area growing up
// from the region header. All placement decisions are made over the in
// memory descriptor table, every change is written through to the block
// headers right away.
type Allocator struct {
	acc    *rio.Accessor
	layout *layout.Layout
	names  Names
	logger *slog.Logger

	blocks table

	// not mirrored because the table filled up while loading
	unmirrored bool

	counters Counters

	headerBuf [schema.BlockHeaderSize]byte
}

// Counters accumulate allocator activity since the region was opened.
type Counters struct {
	Allocations uint64
	BestFit     uint64
	Appended    uint64
	Linked      uint64
	Failures    uint64
	Frees       uint64
	Splits      uint64
	Merges      uint64
}

// request describes one block reservation for an identifier.
type request struct {
	id   uint16
	size uint32
	fill uint32
	tag  schema.ContentType

	continuation bool
}

// New rebuilds the descriptor table by walking the block headers between
// the data start and the data area end.
func New(acc *rio.Accessor, l *layout.Layout, names Names, logger *slog.Logger) (*Allocator, error) {
	a := &Allocator{
		acc:    acc,
		layout: l,
		names:  names,
		logger: logger,
	}

	if err := a.rebuild(); err != nil {
		return nil, err
	}

	return a, nil
}

func (a *Allocator) rebuild() error {

	end := a.layout.DataAreaEnd

	for addr := a.layout.DataStart(); addr < end; {

		if a.blocks.full() {
			a.unmirrored = true
			a.logger.Warn(" block table full, remaining blocks are not mirrored",
				"offset", addr, "data_area_end", end, "slots", MaxDescriptors)
			break
		}

		if readErr := a.acc.Read(a.headerBuf[:], addr); readErr != nil {
			return fmt.Errorf("unable to read block header at %#x: %w", addr, readErr)
		}

		var header schema.BlockHeader
		if decodeErr := header.FromBytes(a.headerBuf[:]); decodeErr != nil {
			return decodeErr
		}

		if !bits.IsAligned(header.BlockSize, schema.BlockAlign) || uint64(addr)+schema.BlockHeaderSize+uint64(header.BlockSize) > uint64(end) {
			return fmt.Errorf("%w: block at %#x claims %d bytes, data area ends at %#x", ErrCorrupt, addr, header.BlockSize, end)
		}

		a.blocks.items[a.blocks.count] = Descriptor{Offset: addr, BlockHeader: header}
		a.blocks.count++

		addr = header.End(addr)
	}

	a.logger.Debug(" block table loaded", "blocks", a.blocks.count)

	return nil
}

func (a *Allocator) commit(idx int) error {
	d := &a.blocks.items[idx]

	bw := bits.NewEncodeBuffer(a.headerBuf[:], binary.LittleEndian)
	if _, encodeErr := d.BlockHeader.WriteTo(&bw); encodeErr != nil {
		return encodeErr
	}

	if writeErr := a.acc.Write(a.headerBuf[:], d.Offset); writeErr != nil {
		return fmt.Errorf("unable to write block header at %#x: %w", d.Offset, writeErr)
	}

	return nil
}

// isLast reports whether the block ends exactly at the data area end.
func (a *Allocator) isLast(idx int) bool {
	return idx == a.blocks.count-1 && a.blocks.items[idx].End() == a.layout.DataAreaEnd
}

func blockSizeFor(size uint32) uint32 {
	size = bits.AlignUp(size, schema.BlockAlign)
	if size == 0 {
		size = schema.BlockAlign
	}
	return size
}

// Allocate reserves at least size bytes for the file called name, creating
// the name when it does not exist yet, and stores data at the start of the
// reservation. It returns the offset of the first block.
func (a *Allocator) Allocate(size uint32, name string, data []byte, typ schema.ContentType) (uint32, error) {

	if uint32(len(data)) > size {
		size = uint32(len(data))
	}

	created := false
	_, id, lookupErr := a.names.LookupByString(name)
	if lookupErr != nil {
		var createErr error
		id, createErr = a.names.Create(name)
		if createErr != nil {
			return 0, fmt.Errorf("unable to allocate %d bytes for %q: %w", size, name, createErr)
		}
		created = true
	}

	idx, at, err := a.allocate(request{
		id:   id,
		size: blockSizeFor(size),
		fill: uint32(len(data)),
		tag:  typ,
	})

	if err != nil {
		if created {
			if deleteErr := a.names.DeleteByID(id); deleteErr != nil {
				a.logger.Warn(" unable to roll back name", "name", name, "error", deleteErr)
			}
		}
		return 0, fmt.Errorf("unable to allocate %d bytes for %q: %w", size, name, err)
	}

	if len(data) > 0 {
		if writeErr := a.WriteChain(idx, at, data); writeErr != nil {
			return 0, writeErr
		}
	}

	return a.blocks.items[idx].Offset, nil
}

// AllocateID is Allocate for an identifier that is already known.
func (a *Allocator) AllocateID(id uint16, size uint32, typ schema.ContentType) (int, error) {
	idx, _, err := a.allocate(request{id: id, size: blockSizeFor(size), tag: typ})
	return idx, err
}

// allocate reserves req.size bytes and returns the block holding the
// reservation along with the payload offset it starts at, which is only
// non zero when the last block of the same file grew in place.
func (a *Allocator) allocate(req request) (idx int, at uint32, err error) {

	defer func() {
		if err != nil {
			a.counters.Failures++
			a.logger.Debug(" allocation failed", "id", req.id, "size", req.size, "error", err)
		} else {
			a.counters.Allocations++
		}
	}()

	if idx = a.bestFit(req); idx >= 0 {
		a.counters.BestFit++
		return idx, 0, a.placeInFree(idx, req)
	}

	idx, at, err = a.appendBlock(req)
	if err == nil {
		a.counters.Appended++
		return idx, at, nil
	}
	if !errors.Is(err, ErrNoSpace) && !errors.Is(err, ErrTableFull) {
		return idx, 0, err
	}

	// install-temp scratch is never fragmented
	if req.tag == schema.InstallTemp {
		return -1, 0, err
	}

	if idx, err = a.allocateLinked(req); err == nil {
		a.counters.Linked++
	}

	return idx, 0, err
}

// bestFit picks the free block leaving the smallest leftover, the lowest
// offset wins a tie.
func (a *Allocator) bestFit(req request) int {
	best := -1
	var bestLeft uint32

	for i := 0; i < a.blocks.count; i++ {
		d := &a.blocks.items[i]
		if d.InUse() {
			continue
		}

		if req.tag == schema.InstallTemp {
			if d.BlockSize != schema.MaxInstallTempSize || req.size > d.BlockSize {
				continue
			}
		} else if d.BlockSize < req.size {
			continue
		}

		left := d.BlockSize - req.size
		if best < 0 || left < bestLeft {
			best, bestLeft = i, left
		}
	}

	return best
}

func (a *Allocator) placeInFree(idx int, req request) error {

	d := &a.blocks.items[idx]

	// reserved scratch keeps its full capacity
	if leftover := d.BlockSize - req.size; leftover > schema.BlockHeaderSize && req.tag != schema.InstallTemp && !a.blocks.full() {
		d.BlockSize = req.size
		if err := a.carveFree(idx, leftover-schema.BlockHeaderSize); err != nil {
			return err
		}
		d = &a.blocks.items[idx]
	}

	d.Flag = schema.MakeFlag(true, req.continuation, req.tag)
	d.NameID = req.id
	d.DataSize = min(req.fill, d.BlockSize)
	d.Next = 0

	return a.commit(idx)
}

// carveFree inserts a free block of capacity size right after block idx,
// whose capacity must already have been reduced.
func (a *Allocator) carveFree(idx int, size uint32) error {
	free := Descriptor{
		Offset:      a.blocks.items[idx].End(),
		BlockHeader: schema.BlockHeader{BlockSize: size},
	}

	if err := a.blocks.insertAt(idx+1, free); err != nil {
		return err
	}

	a.counters.Splits++

	return a.commit(idx + 1)
}

func (a *Allocator) appendBlock(req request) (int, uint32, error) {

	gap := a.layout.FreeGap()

	if n := a.blocks.count; n > 0 && !req.continuation && gap >= req.size {
		last := &a.blocks.items[n-1]
		if a.isLast(n-1) && last.InUse() && last.NameID == req.id && !last.Continuation() && last.Next == 0 {

			at := last.BlockSize

			last.DataSize = at + req.fill
			last.BlockSize += req.size
			a.layout.DataAreaEnd += req.size

			return n - 1, at, a.commit(n - 1)
		}
	}

	if gap < schema.BlockHeaderSize+req.size {
		return -1, 0, fmt.Errorf("%w: need %d bytes, gap is %d", ErrNoSpace, schema.BlockHeaderSize+req.size, gap)
	}

	if a.blocks.full() {
		return -1, 0, ErrTableFull
	}

	d := Descriptor{
		Offset: a.layout.DataAreaEnd,
		BlockHeader: schema.BlockHeader{
			Flag:      schema.MakeFlag(true, req.continuation, req.tag),
			NameID:    req.id,
			DataSize:  req.fill,
			BlockSize: req.size,
		},
	}

	idx := a.blocks.count
	if err := a.blocks.insertAt(idx, d); err != nil {
		return -1, 0, err
	}
	a.layout.DataAreaEnd = d.End()

	return idx, 0, a.commit(idx)
}

// allocateLinked spreads the request over every free block in offset
// order and reserves the remainder past the data area end. The plan is
// checked in full before anything is touched.
func (a *Allocator) allocateLinked(req request) (int, error) {

	var (
		available uint32
		remainder uint32
	)

	for i := 0; i < a.blocks.count && available < req.size; i++ {
		if d := a.blocks.items[i]; !d.InUse() {
			available += d.BlockSize
		}
	}

	if available < req.size {
		remainder = req.size - available

		gap := a.layout.FreeGap()
		if gap < schema.BlockHeaderSize+remainder {
			return -1, fmt.Errorf("%w: %d bytes free in blocks, %d bytes in gap, need %d", ErrNoSpace, available, gap, req.size)
		}
		if a.blocks.full() {
			return -1, ErrTableFull
		}
	}

	var (
		first    = -1
		prev     = -1
		fromFree = req.size - remainder
		fill     = req.fill
	)

	link := func(idx int) error {
		if prev >= 0 {
			a.blocks.items[prev].Next = a.blocks.items[idx].Offset
			if err := a.commit(prev); err != nil {
				return err
			}
		}
		if first < 0 {
			first = idx
		}
		prev = idx
		return nil
	}

	for i := 0; i < a.blocks.count && fromFree > 0; i++ {
		d := &a.blocks.items[i]
		if d.InUse() {
			continue
		}

		take := min(d.BlockSize, fromFree)
		if excess := d.BlockSize - take; excess > schema.BlockHeaderSize && !a.blocks.full() {
			d.BlockSize = take
			if err := a.carveFree(i, excess-schema.BlockHeaderSize); err != nil {
				return -1, err
			}
			d = &a.blocks.items[i]
		}

		d.Flag = schema.MakeFlag(true, first >= 0 || req.continuation, req.tag)
		d.NameID = req.id
		d.DataSize = min(fill, d.BlockSize)
		d.Next = 0
		fill -= d.DataSize
		fromFree -= take

		if err := a.commit(i); err != nil {
			return -1, err
		}
		if err := link(i); err != nil {
			return -1, err
		}
	}

	if remainder > 0 {
		tail := Descriptor{
			Offset: a.layout.DataAreaEnd,
			BlockHeader: schema.BlockHeader{
				Flag:      schema.MakeFlag(true, first >= 0 || req.continuation, req.tag),
				NameID:    req.id,
				DataSize:  min(fill, remainder),
				BlockSize: remainder,
			},
		}

		idx := a.blocks.count
		if err := a.blocks.insertAt(idx, tail); err != nil {
			return -1, err
		}
		a.layout.DataAreaEnd = tail.End()

		if err := a.commit(idx); err != nil {
			return -1, err
		}
		if err := link(idx); err != nil {
			return -1, err
		}
	}

	a.logger.Debug(" linked allocation", "id", req.id, "size", req.size, "trailing", remainder)

	return first, nil
}
