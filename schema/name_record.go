package schema

import (
	"encoding/binary"
	"fmt"

	"github.com/dot5enko/rmfs/bits"
)

const NameRecordHeaderSize = 2 + 2 + 4 // name len + identifier + file size

// MaxNameLen bounds file names so a name always fits the catalog scratch buffer.
const MaxNameLen = 256

// NameRecord is the fixed part of a catalog entry, followed on media by
// NameLen bytes of zero padded file name. ID 0 marks a deleted record.
type NameRecord struct {
	NameLen  uint16
	ID       uint16
	FileSize uint32
}

// Size is the full on-media footprint of the record.
func (record NameRecord) Size() uint32 {
	return NameRecordHeaderSize + uint32(record.NameLen)
}

func (record NameRecord) Tombstone() bool {
	return record.ID == 0
}

// NameRecordSize returns the footprint of a record holding a name of nameLen bytes.
func NameRecordSize(nameLen int) uint32 {
	return NameRecordHeaderSize + bits.AlignUp(uint32(nameLen), BlockAlign)
}

func (record *NameRecord) FromBytes(input []byte) (topErr error) {

	reader := bits.NewBinReader(input, binary.LittleEndian)

	record.NameLen, topErr = reader.ReadU16()
	if topErr != nil {
		return fmt.Errorf("unable to decode name record length: %w", topErr)
	}

	record.ID, topErr = reader.ReadU16()
	if topErr != nil {
		return fmt.Errorf("unable to decode name record id: %w", topErr)
	}

	record.FileSize, topErr = reader.ReadU32()
	if topErr != nil {
		return fmt.Errorf("unable to decode name record file size: %w", topErr)
	}

	return nil
}

func (record *NameRecord) WriteTo(bw *bits.BitWriter) (int, error) {

	bw.PutUint16(record.NameLen)
	bw.PutUint16(record.ID)
	bw.PutUint32(record.FileSize)

	if err := bw.Err(); err != nil {
		return 0, fmt.Errorf("unable to encode name record: %w", err)
	}

	return bw.Position(), nil
}
