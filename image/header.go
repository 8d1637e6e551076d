package image

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dot5enko/rmfs/bits"
	"github.com/google/uuid"
)

const Magic = "RMFI"

const Version uint16 = 1

const HeaderSize = 4 + 2 + 16 + 4 + 4 // magic + version + volume id + start + size

var (
	ErrBadMagic   = errors.New("not a region image")
	ErrBadVersion = errors.New("unsupported image version")
)

// Header precedes the lz4 frame holding the region bytes.
type Header struct {
	Version  uint16
	VolumeID uuid.UUID

	Start uint32
	Size  uint32
}

func (header *Header) FromBytes(input []byte) (topErr error) {

	reader := bits.NewBinReader(input, binary.LittleEndian)

	var magic [len(Magic)]byte
	if topErr = reader.ReadBytes(len(magic), magic[:]); topErr != nil {
		return fmt.Errorf("unable to decode image magic: %w", topErr)
	}
	if string(magic[:]) != Magic {
		return fmt.Errorf("%w: magic %q", ErrBadMagic, magic[:])
	}

	header.Version, topErr = reader.ReadU16()
	if topErr != nil {
		return fmt.Errorf("unable to decode image version: %w", topErr)
	}
	if header.Version != Version {
		return fmt.Errorf("%w: %d", ErrBadVersion, header.Version)
	}

	header.VolumeID, topErr = reader.ReadUUID()
	if topErr != nil {
		return fmt.Errorf("unable to decode image volume id: %w", topErr)
	}

	header.Start, topErr = reader.ReadU32()
	if topErr != nil {
		return fmt.Errorf("unable to decode image start: %w", topErr)
	}

	header.Size, topErr = reader.ReadU32()
	if topErr != nil {
		return fmt.Errorf("unable to decode image size: %w", topErr)
	}

	return nil
}

func (header *Header) WriteTo(bw *bits.BitWriter) (int, error) {

	bw.Write([]byte(Magic))
	bw.PutUint16(header.Version)
	bw.Write(header.VolumeID[:])
	bw.PutUint32(header.Start)
	bw.PutUint32(header.Size)

	if err := bw.Err(); err != nil {
		return 0, fmt.Errorf("unable to encode image header: %w", err)
	}

	return bw.Position(), nil
}
