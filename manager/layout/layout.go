package layout

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dot5enko/rmfs/bits"
	rio "github.com/dot5enko/rmfs/io"
	"github.com/dot5enko/rmfs/schema"
)

var (
	ErrRegionTooSmall = errors.New("region too small")
	ErrNotInitialized = errors.New("region not initialized")
)

// Layout tracks the two moving cursors of a region: the end of the data
// area growing up from the header and the end of the name table growing
// down from the region end. Both live in memory between Initialize and
// Finalize and are only persisted by writing the header.
type Layout struct {
	acc *rio.Accessor

	Start uint32
	End   uint32

	DataAreaEnd  uint32
	NameTableEnd uint32
	NextID       uint16

	// Fresh is set when Initialize found no valid header and formatted the region.
	Fresh bool

	initialized bool
	headerBuf   [schema.RegionHeaderSize]byte
}

// Initialize adopts the header found at the region start or formats an
// empty region when the magic does not match.
func Initialize(acc *rio.Accessor, logger *slog.Logger) (*Layout, error) {

	if acc.Size() < schema.MinRegionSize {
		return nil, fmt.Errorf("unable to initialize region of %d bytes: %w", acc.Size(), ErrRegionTooSmall)
	}

	l := &Layout{
		acc:   acc,
		Start: acc.Base(),
		End:   acc.End(),
	}

	if readErr := acc.Read(l.headerBuf[:], l.Start); readErr != nil {
		return nil, fmt.Errorf("unable to read region header: %w", readErr)
	}

	var header schema.RegionHeader
	if decodeErr := header.FromBytes(l.headerBuf[:]); decodeErr != nil {
		return nil, decodeErr
	}

	switch {
	case header.Magic != schema.RegionMagic:
		logger.Info(" formatting region", "start", l.Start, "size", acc.Size())
		l.reset()
	case !l.cursorsValid(header):
		logger.Warn(" region header cursors out of bounds, formatting region",
			"data_area_end", header.DataAreaEnd, "name_table_end", header.NameTableEnd)
		l.reset()
	default:
		l.DataAreaEnd = header.DataAreaEnd
		l.NameTableEnd = header.NameTableEnd
		l.NextID = header.NextID
	}

	l.initialized = true

	if l.Fresh {
		if err := l.Persist(); err != nil {
			return nil, err
		}
	}

	return l, nil
}

func (l *Layout) reset() {
	l.DataAreaEnd = l.Start + schema.RegionHeaderSize
	l.NameTableEnd = l.End
	l.NextID = 1
	l.Fresh = true
}

func (l *Layout) cursorsValid(header schema.RegionHeader) bool {
	dataStart := l.Start + schema.RegionHeaderSize

	return header.DataAreaEnd >= dataStart &&
		header.NameTableEnd <= l.End &&
		header.DataAreaEnd <= header.NameTableEnd &&
		bits.IsAligned(header.DataAreaEnd-l.Start, schema.BlockAlign) &&
		header.NextID != 0
}

// DataStart is the address of the first block header.
func (l *Layout) DataStart() uint32 {
	return l.Start + schema.RegionHeaderSize
}

// FreeGap is the unused span between the data area and the name table.
func (l *Layout) FreeGap() uint32 {
	return l.NameTableEnd - l.DataAreaEnd
}

func (l *Layout) UsedSpace() uint32 {
	return (l.DataAreaEnd - l.Start) + (l.End - l.NameTableEnd)
}

func (l *Layout) Size() uint32 {
	return l.End - l.Start
}

func (l *Layout) Initialized() bool {
	return l.initialized
}

// Persist writes the current cursors and counter into the header.
func (l *Layout) Persist() error {
	if !l.initialized {
		return ErrNotInitialized
	}

	header := schema.RegionHeader{
		Magic:        schema.RegionMagic,
		NextID:       l.NextID,
		NameTableEnd: l.NameTableEnd,
		DataAreaEnd:  l.DataAreaEnd,
	}

	bw := bits.NewEncodeBuffer(l.headerBuf[:], binary.LittleEndian)
	if _, encodeErr := header.WriteTo(&bw); encodeErr != nil {
		return encodeErr
	}

	if writeErr := l.acc.Write(l.headerBuf[:], l.Start); writeErr != nil {
		return fmt.Errorf("unable to write region header: %w", writeErr)
	}

	return nil
}

// Finalize persists the header and closes the bracket opened by Initialize.
func (l *Layout) Finalize() error {
	if err := l.Persist(); err != nil {
		return err
	}

	l.initialized = false
	return nil
}
