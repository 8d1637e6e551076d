package schema

import (
	"encoding/binary"
	"fmt"

	"github.com/dot5enko/rmfs/bits"
)

// BlockHeaderSize is the size of the header preceding every block payload.
const BlockHeaderSize = 1 + 1 + 2 + 4 + 4 + 4 // flag + pad + name id + data size + block size + next

// BlockAlign is the granularity of block capacities and name lengths.
const BlockAlign = 4

const (
	FlagInUse        uint8 = 1 << 0
	FlagContinuation uint8 = 1 << 7

	flagTagShift       = 1
	flagTagMask  uint8 = 0x7e
)

// BlockHeader is embedded at the start of every block in the data area.
// BlockSize is the payload capacity, the header itself is not included.
type BlockHeader struct {
	Flag   uint8
	NameID uint16

	DataSize  uint32
	BlockSize uint32

	// offset of the next block of the same file, 0 terminates the chain
	Next uint32
}

func MakeFlag(inUse, continuation bool, typ ContentType) uint8 {
	flag := (uint8(typ) << flagTagShift) & flagTagMask
	if inUse {
		flag |= FlagInUse
	}
	if continuation {
		flag |= FlagContinuation
	}
	return flag
}

func (header BlockHeader) InUse() bool {
	return header.Flag&FlagInUse != 0
}

func (header BlockHeader) Continuation() bool {
	return header.Flag&FlagContinuation != 0
}

func (header BlockHeader) ContentType() ContentType {
	return ContentType((header.Flag & flagTagMask) >> flagTagShift)
}

// End returns the address right after the payload of a block placed at offset.
func (header BlockHeader) End(offset uint32) uint32 {
	return offset + BlockHeaderSize + header.BlockSize
}

func (header *BlockHeader) FromBytes(input []byte) (topErr error) {

	reader := bits.NewBinReader(input, binary.LittleEndian)

	header.Flag, topErr = reader.ReadU8()
	if topErr != nil {
		return fmt.Errorf("unable to decode block header flag: %w", topErr)
	}

	if topErr = reader.Skip(1); topErr != nil {
		return fmt.Errorf("unable to decode block header padding: %w", topErr)
	}

	header.NameID, topErr = reader.ReadU16()
	if topErr != nil {
		return fmt.Errorf("unable to decode block header name id: %w", topErr)
	}

	header.DataSize, topErr = reader.ReadU32()
	if topErr != nil {
		return fmt.Errorf("unable to decode block header data size: %w", topErr)
	}

	header.BlockSize, topErr = reader.ReadU32()
	if topErr != nil {
		return fmt.Errorf("unable to decode block header block size: %w", topErr)
	}

	header.Next, topErr = reader.ReadU32()
	if topErr != nil {
		return fmt.Errorf("unable to decode block header next: %w", topErr)
	}

	return nil
}

func (header *BlockHeader) WriteTo(bw *bits.BitWriter) (int, error) {

	bw.WriteByte(header.Flag)
	bw.EmptyBytes(1)
	bw.PutUint16(header.NameID)
	bw.PutUint32(header.DataSize)
	bw.PutUint32(header.BlockSize)
	bw.PutUint32(header.Next)

	if err := bw.Err(); err != nil {
		return 0, fmt.Errorf("unable to encode block header: %w", err)
	}

	return bw.Position(), nil
}
