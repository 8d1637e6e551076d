package catalog

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/dot5enko/rmfs/bits"
	rio "github.com/dot5enko/rmfs/io"
	"github.com/dot5enko/rmfs/manager/layout"
	"github.com/dot5enko/rmfs/schema"
)

var (
	ErrNotFound             = errors.New("name not found")
	ErrExists               = errors.New("name already exists")
	ErrNoSpace              = errors.New("no space for name record")
	ErrIdentifiersExhausted = errors.New("file identifiers exhausted")
	ErrInvalidName          = errors.New("invalid file name")
	ErrCorrupt              = errors.New("corrupt name table")
)

// Entry is a decoded catalog record.
type Entry struct {
	Addr uint32
	ID   uint16
	Name string
	Size uint32
}

// Catalog maps file names to identifiers. Records are packed from the
// region end downward, the lowest one sits at the layout name table end.
// Scans always run from the name table end upward and stop at the first match.
type Catalog struct {
	acc    *rio.Accessor
	layout *layout.Layout

	recordBuf [schema.NameRecordHeaderSize]byte
	scratch   [schema.MaxNameLen]byte
}

func New(acc *rio.Accessor, l *layout.Layout) *Catalog {
	return &Catalog{acc: acc, layout: l}
}

func ValidateName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if len(name) > schema.MaxNameLen {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidName, len(name), schema.MaxNameLen)
	}
	if strings.IndexByte(name, 0) >= 0 {
		return fmt.Errorf("%w: contains null byte", ErrInvalidName)
	}
	return nil
}

func (c *Catalog) readRecord(addr uint32) (schema.NameRecord, error) {
	var record schema.NameRecord

	if readErr := c.acc.Read(c.recordBuf[:], addr); readErr != nil {
		return record, fmt.Errorf("unable to read name record at %#x: %w", addr, readErr)
	}

	if decodeErr := record.FromBytes(c.recordBuf[:]); decodeErr != nil {
		return record, decodeErr
	}

	if record.NameLen > schema.MaxNameLen || uint64(addr)+uint64(record.Size()) > uint64(c.layout.End) {
		return record, fmt.Errorf("%w: record at %#x claims %d name bytes", ErrCorrupt, addr, record.NameLen)
	}

	return record, nil
}

// readName copies the record name into the scratch buffer, the result is
// only valid until the next catalog call.
func (c *Catalog) readName(addr uint32, record schema.NameRecord) ([]byte, error) {
	name := c.scratch[:record.NameLen]

	if readErr := c.acc.Read(name, addr+schema.NameRecordHeaderSize); readErr != nil {
		return nil, fmt.Errorf("unable to read name at %#x: %w", addr, readErr)
	}

	if end := bytes.IndexByte(name, 0); end >= 0 {
		name = name[:end]
	}

	return name, nil
}

// walk visits records from start upward until fn returns false.
func (c *Catalog) walk(start uint32, fn func(addr uint32, record schema.NameRecord) (bool, error)) error {
	for addr := start; addr < c.layout.End; {
		record, err := c.readRecord(addr)
		if err != nil {
			return err
		}

		more, err := fn(addr, record)
		if err != nil || !more {
			return err
		}

		addr += record.Size()
	}

	return nil
}

func (c *Catalog) find(name string, tombstones bool) (addr uint32, record schema.NameRecord, err error) {
	alignedLen := bits.AlignUp(uint32(len(name)), schema.BlockAlign)

	walkErr := c.walk(c.layout.NameTableEnd, func(at uint32, rec schema.NameRecord) (bool, error) {
		if rec.Tombstone() != tombstones || uint32(rec.NameLen) != alignedLen {
			return true, nil
		}

		stored, nameErr := c.readName(at, rec)
		if nameErr != nil {
			return false, nameErr
		}

		if string(stored) == name {
			addr, record = at, rec
			return false, nil
		}
		return true, nil
	})

	if walkErr != nil {
		return 0, record, walkErr
	}
	if addr == 0 {
		return 0, record, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	return addr, record, nil
}

func (c *Catalog) findByID(id uint16) (addr uint32, record schema.NameRecord, err error) {
	if id == 0 {
		return 0, record, fmt.Errorf("%w: id 0", ErrNotFound)
	}

	walkErr := c.walk(c.layout.NameTableEnd, func(at uint32, rec schema.NameRecord) (bool, error) {
		if rec.ID == id {
			addr, record = at, rec
			return false, nil
		}
		return true, nil
	})

	if walkErr != nil {
		return 0, record, walkErr
	}
	if addr == 0 {
		return 0, record, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}

	return addr, record, nil
}

// LookupByString resolves a live record by exact name.
func (c *Catalog) LookupByString(name string) (uint32, uint16, error) {
	addr, record, err := c.find(name, false)
	if err != nil {
		return 0, 0, err
	}
	return addr, record.ID, nil
}

// LookupByID resolves the name owned by id.
func (c *Catalog) LookupByID(id uint16) (uint32, string, error) {
	addr, record, err := c.findByID(id)
	if err != nil {
		return 0, "", err
	}

	name, nameErr := c.readName(addr, record)
	if nameErr != nil {
		return 0, "", nameErr
	}

	return addr, string(name), nil
}

// Lookup returns the full live entry for name.
func (c *Catalog) Lookup(name string) (Entry, error) {
	addr, record, err := c.find(name, false)
	if err != nil {
		return Entry{}, err
	}

	return Entry{Addr: addr, ID: record.ID, Name: name, Size: record.FileSize}, nil
}

// Create assigns a fresh identifier to name. A deleted record of the same
// name is revived in place, otherwise a new record is packed below the table.
func (c *Catalog) Create(name string) (uint16, error) {
	if err := ValidateName(name); err != nil {
		return 0, err
	}

	if _, _, err := c.find(name, false); err == nil {
		return 0, fmt.Errorf("%w: %q", ErrExists, name)
	} else if !errors.Is(err, ErrNotFound) {
		return 0, err
	}

	id := c.layout.NextID
	if id == 0 {
		return 0, ErrIdentifiersExhausted
	}

	if err := c.insert(name, id, 0); err != nil {
		return 0, err
	}

	c.layout.NextID++

	return id, nil
}

// Insert records name with a caller supplied identifier and size.
func (c *Catalog) Insert(name string, id uint16, size uint32) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if id == 0 {
		return fmt.Errorf("%w: id 0 is reserved", ErrInvalidName)
	}

	if _, _, err := c.find(name, false); err == nil {
		return fmt.Errorf("%w: %q", ErrExists, name)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	return c.insert(name, id, size)
}

func (c *Catalog) insert(name string, id uint16, size uint32) error {

	if addr, _, err := c.find(name, true); err == nil {
		return c.rewrite(addr, id, size)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	recordSize := schema.NameRecordSize(len(name))
	if c.layout.FreeGap() < recordSize {
		return fmt.Errorf("%w: need %d bytes, gap is %d", ErrNoSpace, recordSize, c.layout.FreeGap())
	}

	addr := c.layout.NameTableEnd - recordSize

	record := schema.NameRecord{
		NameLen:  uint16(recordSize - schema.NameRecordHeaderSize),
		ID:       id,
		FileSize: size,
	}

	bw := bits.NewEncodeBuffer(c.recordBuf[:], binary.LittleEndian)
	if _, encodeErr := record.WriteTo(&bw); encodeErr != nil {
		return encodeErr
	}

	padded := c.scratch[:record.NameLen]
	clear(padded)
	copy(padded, name)

	if writeErr := c.acc.Write(c.recordBuf[:], addr); writeErr != nil {
		return fmt.Errorf("unable to write name record: %w", writeErr)
	}
	if writeErr := c.acc.Write(padded, addr+schema.NameRecordHeaderSize); writeErr != nil {
		return fmt.Errorf("unable to write name: %w", writeErr)
	}

	c.layout.NameTableEnd = addr

	return nil
}

func (c *Catalog) rewrite(addr uint32, id uint16, size uint32) error {
	var buf [6]byte
	binary.LittleEndian.PutUint16(buf[0:], id)
	binary.LittleEndian.PutUint32(buf[2:], size)

	if writeErr := c.acc.Write(buf[:], addr+2); writeErr != nil {
		return fmt.Errorf("unable to rewrite name record at %#x: %w", addr, writeErr)
	}
	return nil
}

func (c *Catalog) tombstone(addr uint32, record schema.NameRecord) error {
	if err := c.rewrite(addr, 0, record.FileSize); err != nil {
		return err
	}

	// the lowest record is reclaimed right away
	if addr == c.layout.NameTableEnd {
		c.layout.NameTableEnd += record.Size()
	}

	return nil
}

func (c *Catalog) DeleteByString(name string) error {
	addr, record, err := c.find(name, false)
	if err != nil {
		return err
	}
	return c.tombstone(addr, record)
}

func (c *Catalog) DeleteByID(id uint16) error {
	addr, record, err := c.findByID(id)
	if err != nil {
		return err
	}
	return c.tombstone(addr, record)
}

// SetSize stores the file size of the record owned by id.
func (c *Catalog) SetSize(id uint16, size uint32) error {
	addr, _, err := c.findByID(id)
	if err != nil {
		return err
	}

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], size)

	if writeErr := c.acc.Write(buf[:], addr+4); writeErr != nil {
		return fmt.Errorf("unable to update size of id %d: %w", id, writeErr)
	}
	return nil
}

func (c *Catalog) Size(id uint16) (uint32, error) {
	_, record, err := c.findByID(id)
	if err != nil {
		return 0, err
	}
	return record.FileSize, nil
}
