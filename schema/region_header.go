package schema

import (
	"encoding/binary"
	"fmt"

	"github.com/dot5enko/rmfs/bits"
)

// region layout
//
// *--------------------------------*  start
// | region header (12 bytes)       |
// *--------------------------------*
// | block header | payload         |
// | block header | payload         |  data area grows up
// | ...                            |
// *--------------------------------*  data area end
// | free gap                       |
// *--------------------------------*  name table end
// | name record n ... name record 1|  name table grows down
// *--------------------------------*  start + size

const RegionMagic uint16 = 0x4D52 // "RM"

const RegionHeaderSize = 2 + 2 + 4 + 4 // magic + next id + name table end + data area end

// MinRegionSize is the smallest region able to hold a header and one block.
const MinRegionSize = RegionHeaderSize + BlockHeaderSize

type RegionHeader struct {
	Magic  uint16
	NextID uint16

	NameTableEnd uint32
	DataAreaEnd  uint32
}

func (header *RegionHeader) FromBytes(input []byte) (topErr error) {

	reader := bits.NewBinReader(input, binary.LittleEndian)

	header.Magic, topErr = reader.ReadU16()
	if topErr != nil {
		return fmt.Errorf("unable to decode region header magic: %w", topErr)
	}

	header.NextID, topErr = reader.ReadU16()
	if topErr != nil {
		return fmt.Errorf("unable to decode region header next id: %w", topErr)
	}

	header.NameTableEnd, topErr = reader.ReadU32()
	if topErr != nil {
		return fmt.Errorf("unable to decode region header name table end: %w", topErr)
	}

	header.DataAreaEnd, topErr = reader.ReadU32()
	if topErr != nil {
		return fmt.Errorf("unable to decode region header data area end: %w", topErr)
	}

	return nil
}

func (header *RegionHeader) WriteTo(bw *bits.BitWriter) (int, error) {

	bw.PutUint16(header.Magic)
	bw.PutUint16(header.NextID)
	bw.PutUint32(header.NameTableEnd)
	bw.PutUint32(header.DataAreaEnd)

	if err := bw.Err(); err != nil {
		return 0, fmt.Errorf("unable to encode region header: %w", err)
	}

	return bw.Position(), nil
}
