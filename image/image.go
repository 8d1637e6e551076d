// Package image moves whole regions in and out of volumes as lz4
// compressed snapshot streams.
package image

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dot5enko/rmfs/bits"
	"github.com/dot5enko/rmfs/compression"
	"github.com/dot5enko/rmfs/manager"
	"github.com/dot5enko/rmfs/schema"
)

// Export syncs vol and writes its region as an image to w.
func Export(w io.Writer, vol *manager.Volume) error {

	if err := vol.Sync(); err != nil {
		return fmt.Errorf("unable to sync volume before export: %w", err)
	}

	region := vol.Region()

	header := Header{
		Version:  Version,
		VolumeID: vol.ID(),
		Start:    vol.Start(),
		Size:     uint32(len(region)),
	}

	var buf [HeaderSize]byte
	bw := bits.NewEncodeBuffer(buf[:], binary.LittleEndian)
	if _, err := header.WriteTo(&bw); err != nil {
		return err
	}

	if _, err := w.Write(bw.Bytes()); err != nil {
		return fmt.Errorf("unable to write image header: %w", err)
	}

	if err := compression.CompressLz4(region, w); err != nil {
		return fmt.Errorf("unable to write image region: %w", err)
	}

	return nil
}

// ReadHeader decodes the image header at the start of r.
func ReadHeader(r io.Reader) (Header, error) {
	var (
		header Header
		buf    [HeaderSize]byte
	)

	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return header, fmt.Errorf("unable to read image header: %w", err)
	}
	if err := header.FromBytes(buf[:]); err != nil {
		return header, err
	}
	if header.Size < schema.MinRegionSize {
		return header, fmt.Errorf("unable to import image: region of %d bytes is too small", header.Size)
	}

	return header, nil
}

// ReadRegion decompresses the region following a header into dst, which
// must be exactly header.Size bytes long.
func ReadRegion(r io.Reader, header Header, dst []byte) error {
	if len(dst) != int(header.Size) {
		return fmt.Errorf("unable to import image: destination holds %d bytes, image %d", len(dst), header.Size)
	}
	return compression.DecompressLz4(r, dst)
}

// Import reads a complete image into freshly allocated memory.
func Import(r io.Reader) (Header, []byte, error) {
	header, err := ReadHeader(r)
	if err != nil {
		return header, nil, err
	}

	region := make([]byte, header.Size)
	if err := ReadRegion(r, header, region); err != nil {
		return header, nil, err
	}

	return header, region, nil
}
