package compression

import (
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// CompressLz4 writes src to output as a single lz4 frame.
func CompressLz4(src []byte, output io.Writer) error {
	zw := lz4.NewWriter(output)

	if _, err := zw.Write(src); err != nil {
		return fmt.Errorf("unable to compress %d bytes: %w", len(src), err)
	}

	if flushErr := zw.Flush(); flushErr != nil {
		return flushErr
	}

	return zw.Close()
}

// DecompressLz4 fills dst from the lz4 frame read from input. The frame must
// hold exactly len(dst) bytes.
func DecompressLz4(input io.Reader, dst []byte) error {
	zr := lz4.NewReader(input)

	if _, err := io.ReadFull(zr, dst); err != nil {
		return fmt.Errorf("unable to decompress %d bytes: %w", len(dst), err)
	}

	var probe [1]byte
	if n, _ := zr.Read(probe[:]); n != 0 {
		return fmt.Errorf("unable to decompress: frame holds more than %d bytes", len(dst))
	}

	return nil
}
