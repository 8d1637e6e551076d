package manager

import (
	"errors"
	"fmt"
	"log/slog"

	rio "github.com/dot5enko/rmfs/io"
	"github.com/dot5enko/rmfs/manager/alloc"
	"github.com/dot5enko/rmfs/manager/cache"
	"github.com/dot5enko/rmfs/manager/catalog"
	"github.com/dot5enko/rmfs/manager/layout"
	"github.com/dot5enko/rmfs/schema"
	"github.com/google/uuid"
)

var (
	ErrNotFound    = catalog.ErrNotFound
	ErrExists      = catalog.ErrExists
	ErrInvalidName = catalog.ErrInvalidName

	ErrTooManyOpenFiles = errors.New("too many open files")
	ErrVolumeClosed     = errors.New("volume closed")
	ErrBusy             = errors.New("file is open")
)

// Volume is a file system living in one raw memory region. It keeps the
// region cursors, the descriptor table and the handle table between Open
// and Finalize. A Volume is not safe for concurrent use.
type Volume struct {
	uid    uuid.UUID
	logger *slog.Logger

	acc     *rio.Accessor
	layout  *layout.Layout
	catalog *catalog.Catalog
	alloc   *alloc.Allocator

	handles *cache.SlotTable[handle]

	closed bool
}

// Open mounts the region backed by mem, formatting it when no valid
// header is found at its start.
func Open(mem []byte, config Config) (*Volume, error) {

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if config.Size != 0 {
		if int(config.Size) > len(mem) {
			return nil, fmt.Errorf("unable to open volume: size %d exceeds backing memory of %d bytes", config.Size, len(mem))
		}
		mem = mem[:config.Size]
	}

	acc, accErr := rio.NewAccessor(mem, config.Start)
	if accErr != nil {
		return nil, fmt.Errorf("unable to open volume: %w", accErr)
	}

	l, layoutErr := layout.Initialize(acc, logger)
	if layoutErr != nil {
		return nil, fmt.Errorf("unable to open volume: %w", layoutErr)
	}

	names := catalog.New(acc, l)

	blocks, allocErr := alloc.New(acc, l, names, logger)
	if allocErr != nil {
		return nil, fmt.Errorf("unable to open volume: %w", allocErr)
	}

	v := &Volume{
		uid:     uuid.New(),
		logger:  logger,
		acc:     acc,
		layout:  l,
		catalog: names,
		alloc:   blocks,
		handles: cache.NewSlotTable[handle](MaxOpenFiles),
	}

	logger.Info(" opened volume",
		"id", v.uid, "start", l.Start, "size", l.Size(), "fresh", l.Fresh,
		"blocks", blocks.Count(), "used", l.UsedSpace())

	return v, nil
}

func (v *Volume) ID() uuid.UUID {
	return v.uid
}

func (v *Volume) Start() uint32 {
	return v.layout.Start
}

// Region exposes the raw region bytes. The header in it is only current
// after Sync or Finalize.
func (v *Volume) Region() []byte {
	return v.acc.Bytes()
}

func (v *Volume) UsedSpace() uint32 {
	return v.layout.UsedSpace()
}

// FreeSpace is the unused gap between the data area and the name table.
// Free blocks inside the data area are not counted.
func (v *Volume) FreeSpace() uint32 {
	return v.layout.FreeGap()
}

func (v *Volume) Descriptors() []alloc.Descriptor {
	return v.alloc.Descriptors()
}

// Check verifies the block table invariants.
func (v *Volume) Check() error {
	return v.alloc.Check()
}

func (v *Volume) usable() error {
	if v.closed {
		return ErrVolumeClosed
	}
	return nil
}

// Sync writes the sizes of files open for writing and the region header.
func (v *Volume) Sync() error {
	if err := v.usable(); err != nil {
		return err
	}

	for _, h := range v.handles.Occupied() {
		if !h.writable() {
			continue
		}
		if err := v.catalog.SetSize(h.id, h.size); err != nil {
			return fmt.Errorf("unable to sync size of id %d: %w", h.id, err)
		}
	}

	return v.layout.Persist()
}

// Finalize closes every open file and persists the header. The volume
// cannot be used afterwards.
func (v *Volume) Finalize() error {
	if err := v.usable(); err != nil {
		return err
	}

	var topErr error
	for slot, h := range v.handles.Occupied() {
		if err := v.release(slot, h); err != nil && topErr == nil {
			topErr = err
		}
	}

	if err := v.layout.Finalize(); err != nil && topErr == nil {
		topErr = err
	}

	v.closed = true

	v.logger.Info(" finalized volume", "id", v.uid, "used", v.layout.UsedSpace(), "free", v.layout.FreeGap())

	return topErr
}

func (v *Volume) isOpen(id uint16) bool {
	for _, h := range v.handles.Occupied() {
		if h.id == id {
			return true
		}
	}
	return false
}

// writerSize reports the size held by the open writer of id, which is ahead
// of the catalog until the next sync or close.
func (v *Volume) writerSize(id uint16) (uint32, bool) {
	for _, h := range v.handles.Occupied() {
		if h.id == id && h.writable() {
			return h.size, true
		}
	}
	return 0, false
}

func (v *Volume) Exists(name string) bool {
	if v.closed {
		return false
	}
	_, _, err := v.catalog.LookupByString(name)
	return err == nil
}

// Rename moves oldName to newName keeping its identifier, so its blocks
// stay untouched. An existing newName is removed first.
func (v *Volume) Rename(oldName, newName string) error {
	if err := v.usable(); err != nil {
		return err
	}
	if err := catalog.ValidateName(newName); err != nil {
		return err
	}

	entry, err := v.catalog.Lookup(oldName)
	if err != nil {
		return fmt.Errorf("unable to rename %q: %w", oldName, err)
	}
	if oldName == newName {
		return nil
	}

	if target, lookupErr := v.catalog.Lookup(newName); lookupErr == nil {
		if v.isOpen(target.ID) {
			return fmt.Errorf("unable to replace %q: %w", newName, ErrBusy)
		}
		if err := v.remove(target); err != nil {
			return err
		}
	} else if !errors.Is(lookupErr, ErrNotFound) {
		return lookupErr
	}

	if err := v.catalog.DeleteByID(entry.ID); err != nil {
		return fmt.Errorf("unable to rename %q: %w", oldName, err)
	}

	if insertErr := v.catalog.Insert(newName, entry.ID, entry.Size); insertErr != nil {
		// the old record is still there as a tombstone or its space was just freed
		if err := v.catalog.Insert(oldName, entry.ID, entry.Size); err != nil {
			v.logger.Error(" unable to restore name after failed rename", "name", oldName, "id", entry.ID, "error", err)
		}
		return fmt.Errorf("unable to rename %q to %q: %w", oldName, newName, insertErr)
	}

	v.logger.Debug(" renamed", "from", oldName, "to", newName, "id", entry.ID)

	return nil
}

func (v *Volume) remove(entry catalog.Entry) error {
	if err := v.alloc.FreeByID(entry.ID); err != nil {
		return fmt.Errorf("unable to free blocks of %q: %w", entry.Name, err)
	}
	if err := v.catalog.DeleteByID(entry.ID); err != nil {
		return fmt.Errorf("unable to delete %q: %w", entry.Name, err)
	}
	return nil
}

// Unlink frees every block of name and deletes its catalog record.
func (v *Volume) Unlink(name string) error {
	if err := v.usable(); err != nil {
		return err
	}

	entry, err := v.catalog.Lookup(name)
	if err != nil {
		return fmt.Errorf("unable to unlink %q: %w", name, err)
	}
	if v.isOpen(entry.ID) {
		return fmt.Errorf("unable to unlink %q: %w", name, ErrBusy)
	}

	return v.remove(entry)
}

// Truncate shrinks a closed file to size bytes.
func (v *Volume) Truncate(name string, size uint32) error {
	if err := v.usable(); err != nil {
		return err
	}

	entry, err := v.catalog.Lookup(name)
	if err != nil {
		return fmt.Errorf("unable to truncate %q: %w", name, err)
	}
	if v.isOpen(entry.ID) {
		return fmt.Errorf("unable to truncate %q: %w", name, ErrBusy)
	}
	if size > entry.Size {
		return fmt.Errorf("unable to truncate %q to %d bytes: %w", name, size, ErrGrow)
	}

	if err := v.truncate(entry.ID, size); err != nil {
		return err
	}

	return v.catalog.SetSize(entry.ID, size)
}

func (v *Volume) truncate(id uint16, size uint32) error {
	head, found := v.alloc.FindFirst(id)
	if !found {
		return nil
	}

	if err := v.alloc.TruncateChain(head, size); err != nil {
		return fmt.Errorf("unable to truncate id %d to %d bytes: %w", id, size, err)
	}
	return nil
}

// FileInfo describes a stored file.
type FileInfo struct {
	Name        string
	ID          uint16
	Size        uint32
	Capacity    uint32
	Blocks      int
	ContentType schema.ContentType
	Open        bool
}

func (v *Volume) Stat(name string) (FileInfo, error) {
	if err := v.usable(); err != nil {
		return FileInfo{}, err
	}

	entry, err := v.catalog.Lookup(name)
	if err != nil {
		return FileInfo{}, fmt.Errorf("unable to stat %q: %w", name, err)
	}

	return v.info(entry), nil
}

func (v *Volume) info(entry catalog.Entry) FileInfo {
	info := FileInfo{
		Name:        entry.Name,
		ID:          entry.ID,
		Size:        entry.Size,
		ContentType: schema.ContentTypeFor(entry.Name),
	}

	info.Open = v.isOpen(entry.ID)
	if size, found := v.writerSize(entry.ID); found {
		info.Size = size
	}

	if head, found := v.alloc.FindFirst(entry.ID); found {
		for _, d := range v.alloc.Chain(head) {
			info.Blocks++
			info.Capacity += d.BlockSize
		}
	}

	return info
}

// List describes every file whose name starts with prefix in storage order.
func (v *Volume) List(prefix string) ([]FileInfo, error) {
	if err := v.usable(); err != nil {
		return nil, err
	}

	var (
		out []FileInfo
		cur catalog.Cursor
	)

	for {
		entry, next, err := v.catalog.NextByPrefix(prefix, cur)
		if errors.Is(err, ErrNotFound) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("unable to list %q: %w", prefix, err)
		}

		out = append(out, v.info(entry))
		cur = next
	}
}

// Compact removes deleted catalog records and returns the reclaimed bytes.
func (v *Volume) Compact() (uint32, error) {
	if err := v.usable(); err != nil {
		return 0, err
	}

	reclaimed, err := v.catalog.Compact()
	if err != nil {
		return 0, fmt.Errorf("unable to compact name table: %w", err)
	}

	v.logger.Info(" compacted name table", "reclaimed", reclaimed, "used", v.layout.UsedSpace())

	return reclaimed, nil
}

type Stats struct {
	ID        uuid.UUID
	Size      uint32
	UsedSpace uint32
	FreeGap   uint32
	OpenFiles int

	Names   catalog.Stats
	Blocks  alloc.Stats
	Handles cache.SlotStats
}

func (v *Volume) Stats() (Stats, error) {
	names, err := v.catalog.Stats()
	if err != nil {
		return Stats{}, err
	}

	return Stats{
		ID:        v.uid,
		Size:      v.layout.Size(),
		UsedSpace: v.layout.UsedSpace(),
		FreeGap:   v.layout.FreeGap(),
		OpenFiles: v.handles.Len(),
		Names:     names,
		Blocks:    v.alloc.Stats(),
		Handles:   v.handles.Stats(),
	}, nil
}
