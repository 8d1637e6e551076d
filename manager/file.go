package manager

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"

	"github.com/dot5enko/rmfs/manager/alloc"
	"github.com/dot5enko/rmfs/manager/catalog"
	"github.com/dot5enko/rmfs/schema"
)

var (
	ErrAccessMode  = errors.New("file not opened for this access")
	ErrInvalidSeek = errors.New("invalid seek")
	ErrTooLarge    = errors.New("file too large")
	ErrGrow        = errors.New("truncate cannot grow a file")
)

// handle is one slot of the handle table.
type handle struct {
	open bool
	id   uint16
	flag int
	tag  schema.ContentType

	offset uint32
	size   uint32
}

func (h *handle) readable() bool {
	return h.flag&(os.O_WRONLY|os.O_RDWR) != os.O_WRONLY
}

func (h *handle) writable() bool {
	return h.flag&(os.O_WRONLY|os.O_RDWR) != 0
}

// File is an open file of a Volume. It implements io.Reader, io.Writer,
// io.Seeker and io.Closer.
type File struct {
	vol  *Volume
	name string
	slot uint16
	h    *handle
}

// OpenFile opens name with os.O_* flags. With os.O_CREATE a missing file is
// created, files of categories with a pre-allocation size get their first
// block right away. A reader opened next to a writer starts from the
// writer's current size. perm is accepted for os.OpenFile compatibility
// and ignored.
func (v *Volume) OpenFile(name string, flag int, perm fs.FileMode) (*File, error) {
	if err := v.usable(); err != nil {
		return nil, err
	}
	if err := catalog.ValidateName(name); err != nil {
		return nil, err
	}

	h, slot, ok := v.handles.TryGet()
	if !ok {
		return nil, fmt.Errorf("unable to open %q: %w", name, ErrTooManyOpenFiles)
	}

	if err := v.prepare(h, name, flag); err != nil {
		v.handles.Return(slot)
		return nil, err
	}

	return &File{vol: v, name: name, slot: slot, h: h}, nil
}

// Open opens name for reading.
func (v *Volume) Open(name string) (*File, error) {
	return v.OpenFile(name, os.O_RDONLY, 0)
}

// Create creates or truncates name and opens it for reading and writing.
func (v *Volume) Create(name string) (*File, error) {
	return v.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
}

func (v *Volume) prepare(h *handle, name string, flag int) error {

	entry, lookupErr := v.catalog.Lookup(name)

	switch {
	case lookupErr == nil:
		if flag&(os.O_CREATE|os.O_EXCL) == os.O_CREATE|os.O_EXCL {
			return fmt.Errorf("unable to create %q: %w", name, ErrExists)
		}
		if v.isOpen(entry.ID) && flag&(os.O_WRONLY|os.O_RDWR) != 0 {
			return fmt.Errorf("unable to open %q for writing: %w", name, ErrBusy)
		}

		size := entry.Size
		if live, found := v.writerSize(entry.ID); found {
			size = live
		}

		*h = handle{open: true, id: entry.ID, flag: flag, size: size, tag: schema.ContentTypeFor(name)}
		if head, found := v.alloc.FindFirst(entry.ID); found {
			d, _ := v.alloc.Descriptor(head)
			h.tag = d.ContentType()
		}

		if flag&os.O_TRUNC != 0 && h.writable() && h.size > 0 {
			if err := v.truncate(h.id, 0); err != nil {
				return err
			}
			h.size = 0
			if err := v.catalog.SetSize(h.id, 0); err != nil {
				return err
			}
		}

	case errors.Is(lookupErr, ErrNotFound) && flag&os.O_CREATE != 0:
		id, createErr := v.catalog.Create(name)
		if createErr != nil {
			return fmt.Errorf("unable to create %q: %w", name, createErr)
		}

		tag := schema.ContentTypeFor(name)
		if prealloc := tag.PreallocSize(); prealloc > 0 {
			if _, allocErr := v.alloc.AllocateID(id, prealloc, tag); allocErr != nil {
				if err := v.catalog.DeleteByID(id); err != nil {
					v.logger.Warn(" unable to roll back name", "name", name, "error", err)
				}
				return fmt.Errorf("unable to reserve %d bytes for %q: %w", prealloc, name, allocErr)
			}
		}

		*h = handle{open: true, id: id, flag: flag, tag: tag}

		v.logger.Debug(" created file", "name", name, "id", id, "type", tag, "reserved", tag.PreallocSize())

	default:
		return fmt.Errorf("unable to open %q: %w", name, lookupErr)
	}

	return nil
}

// release persists what a writer changed and frees the handle slot.
func (v *Volume) release(slot uint16, h *handle) (topErr error) {

	if h.writable() {
		if h.tag.TrimOnClose() {
			topErr = v.trim(h)
		}

		if err := v.catalog.SetSize(h.id, h.size); err != nil && topErr == nil {
			topErr = fmt.Errorf("unable to persist size of id %d: %w", h.id, err)
		}
	}

	v.handles.Return(slot)

	return topErr
}

// trim gives back the slack of a pre-allocated first block.
func (v *Volume) trim(h *handle) error {
	capacity, _ := v.capacity(h.id)
	if capacity <= h.size {
		return nil
	}
	return v.truncate(h.id, h.size)
}

// capacity sums the chain capacity of id and returns its head block.
func (v *Volume) capacity(id uint16) (uint32, int) {
	head, found := v.alloc.FindFirst(id)
	if !found {
		return 0, -1
	}

	var total uint32
	for _, d := range v.alloc.Chain(head) {
		total += d.BlockSize
	}
	return total, head
}

// reserve makes the chain of h at least end bytes long before anything is
// written. Growth is rounded up to the default block size when there is
// room for it.
func (v *Volume) reserve(h *handle, end uint32) error {
	capacity, head := v.capacity(h.id)
	if end <= capacity {
		return nil
	}

	need := end - capacity
	grow := max(need, schema.DefaultBlockSize)

	extend := func(size uint32) error {
		if head < 0 {
			_, err := v.alloc.AllocateID(h.id, size, h.tag)
			return err
		}
		return v.alloc.AppendLinked(head, nil, size)
	}

	err := extend(grow)
	if err != nil && grow > need && (errors.Is(err, alloc.ErrNoSpace) || errors.Is(err, alloc.ErrTableFull)) {
		err = extend(need)
	}
	if err != nil {
		return fmt.Errorf("unable to reserve %d bytes for id %d: %w", need, h.id, err)
	}

	return nil
}

// transfer copies between buf and the chain of id starting at byte off,
// content is laid out over block capacities in chain order.
func (v *Volume) transfer(id uint16, off uint32, buf []byte, write bool) (int, error) {
	head, found := v.alloc.FindFirst(id)
	if !found {
		return 0, fmt.Errorf("%w: id %d has no blocks", alloc.ErrInconsistent, id)
	}

	done := 0
	for idx, d := range v.alloc.Chain(head) {
		if done == len(buf) {
			break
		}
		if off >= d.BlockSize {
			off -= d.BlockSize
			continue
		}

		n := min(uint32(len(buf)-done), d.BlockSize-off)
		chunk := buf[done : done+int(n)]

		if write {
			if err := v.alloc.WritePayload(idx, off, chunk); err != nil {
				return done, err
			}
			if err := v.alloc.SetDataSize(idx, max(d.DataSize, off+n)); err != nil {
				return done, err
			}
		} else if err := v.alloc.ReadPayload(idx, off, chunk); err != nil {
			return done, err
		}

		done += int(n)
		off = 0
	}

	if done < len(buf) {
		return done, fmt.Errorf("%w: chain of id %d ends %d bytes early", alloc.ErrInconsistent, id, len(buf)-done)
	}

	return done, nil
}

func (f *File) handle() (*handle, error) {
	if f.h == nil || !f.h.open {
		return nil, fs.ErrClosed
	}
	return f.h, nil
}

func (f *File) Name() string {
	return f.name
}

func (f *File) Read(p []byte) (int, error) {
	h, err := f.handle()
	if err != nil {
		return 0, err
	}
	if !h.readable() {
		return 0, fmt.Errorf("unable to read %q: %w", f.name, ErrAccessMode)
	}

	if h.offset >= h.size {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	n := min(int64(len(p)), int64(h.size-h.offset))

	read, err := f.vol.transfer(h.id, h.offset, p[:n], false)
	h.offset += uint32(read)

	if err != nil {
		return read, fmt.Errorf("unable to read %q: %w", f.name, err)
	}

	return read, nil
}

// Write stores p at the current offset. Capacity for the whole of p is
// reserved before the first byte is written, so a failed reservation
// writes nothing.
func (f *File) Write(p []byte) (int, error) {
	h, err := f.handle()
	if err != nil {
		return 0, err
	}
	if !h.writable() {
		return 0, fmt.Errorf("unable to write %q: %w", f.name, ErrAccessMode)
	}
	if len(p) == 0 {
		return 0, nil
	}

	if h.flag&os.O_APPEND != 0 {
		h.offset = h.size
	}

	end := uint64(h.offset) + uint64(len(p))
	if end > math.MaxUint32 {
		return 0, fmt.Errorf("unable to write %q: %w", f.name, ErrTooLarge)
	}

	if err := f.vol.reserve(h, uint32(end)); err != nil {
		return 0, fmt.Errorf("unable to write %q: %w", f.name, err)
	}

	written, err := f.vol.transfer(h.id, h.offset, p, true)
	h.offset += uint32(written)
	h.size = max(h.size, h.offset)

	if err != nil {
		return written, fmt.Errorf("unable to write %q: %w", f.name, err)
	}

	return written, nil
}

func (f *File) Seek(offset int64, whence int) (int64, error) {
	h, err := f.handle()
	if err != nil {
		return 0, err
	}

	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = int64(h.offset)
	case io.SeekEnd:
		base = int64(h.size)
	default:
		return 0, fmt.Errorf("%w: whence %d", ErrInvalidSeek, whence)
	}

	pos := base + offset
	if pos < 0 || pos > math.MaxUint32 {
		return 0, fmt.Errorf("%w: offset %d", ErrInvalidSeek, pos)
	}

	h.offset = uint32(pos)
	return pos, nil
}

// Length returns the file size in bytes.
func (f *File) Length() int64 {
	h, err := f.handle()
	if err != nil {
		return 0
	}
	return int64(h.size)
}

// EOF reports whether the offset is at or past the end of the file.
func (f *File) EOF() bool {
	h, err := f.handle()
	if err != nil {
		return true
	}
	return h.offset >= h.size
}

// Truncate shrinks the file to size bytes and frees the blocks past it.
// The offset is left untouched.
func (f *File) Truncate(size int64) error {
	h, err := f.handle()
	if err != nil {
		return err
	}
	if !h.writable() {
		return fmt.Errorf("unable to truncate %q: %w", f.name, ErrAccessMode)
	}
	if size < 0 || size > int64(h.size) {
		return fmt.Errorf("unable to truncate %q to %d bytes: %w", f.name, size, ErrGrow)
	}

	if err := f.vol.truncate(h.id, uint32(size)); err != nil {
		return err
	}

	h.size = uint32(size)
	return nil
}

// Close persists the file size and gives the handle slot back.
func (f *File) Close() error {
	h, err := f.handle()
	if err != nil {
		return err
	}

	f.h = nil
	return f.vol.release(f.slot, h)
}
