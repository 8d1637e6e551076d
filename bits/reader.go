package bits

import (
	"encoding/binary"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrEOF          = errors.New("end of buffer")
	ErrReadMismatch = errors.New("read size mismatch")
)

// BinReader decodes fixed layout records from a byte slice.
type BinReader struct {
	pos   int
	buf   []byte
	order binary.ByteOrder
}

func NewBinReader(buf []byte, order binary.ByteOrder) *BinReader {
	return &BinReader{buf: buf, order: order}
}

func (r *BinReader) Position() int {
	return r.pos
}

func (r *BinReader) next(size int) ([]byte, error) {
	if r.pos+size > len(r.buf) {
		return nil, ErrEOF
	}

	out := r.buf[r.pos : r.pos+size]
	r.pos += size

	return out, nil
}

func (r *BinReader) ReadU8() (uint8, error) {
	b, err := r.next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *BinReader) MustReadU8() uint8 {
	u, er := r.ReadU8()
	if er != nil {
		panic(er)
	}
	return u
}

func (r *BinReader) ReadU16() (uint16, error) {
	b, err := r.next(2)
	if err != nil {
		return 0, err
	}
	return r.order.Uint16(b), nil
}

func (r *BinReader) MustReadU16() uint16 {
	u, er := r.ReadU16()
	if er != nil {
		panic(er)
	}
	return u
}

func (r *BinReader) ReadU32() (uint32, error) {
	b, err := r.next(4)
	if err != nil {
		return 0, err
	}
	return r.order.Uint32(b), nil
}

func (r *BinReader) MustReadU32() uint32 {
	u, er := r.ReadU32()
	if er != nil {
		panic(er)
	}
	return u
}

// Skip advances over n bytes of padding.
func (r *BinReader) Skip(n int) error {
	_, err := r.next(n)
	return err
}

// ReadBytes copies exactly n bytes into out.
func (r *BinReader) ReadBytes(n int, out []byte) error {
	if len(out) < n {
		return ErrReadMismatch
	}

	b, err := r.next(n)
	if err != nil {
		return err
	}

	copy(out, b)
	return nil
}

func (r *BinReader) ReadUUID() (result uuid.UUID, err error) {
	err = r.ReadBytes(16, result[:])
	return result, err
}
