package bits

import (
	"encoding/binary"
	"errors"
)

var ErrNotEnoughSpace = errors.New("not enough space")

// BitWriter encodes fixed layout records into a caller provided buffer.
// It never grows: on-media records have a known size, so running out of
// space is a programming error reported through Err.
type BitWriter struct {
	pos   int
	data  []byte
	order binary.ByteOrder

	err error
}

func NewEncodeBuffer(buf []byte, order binary.ByteOrder) BitWriter {
	return BitWriter{
		data:  buf,
		order: order,
	}
}

func (this *BitWriter) Reset() {
	this.pos = 0
	this.err = nil
}

func (this BitWriter) Position() int {
	return this.pos
}

// Err returns the first overflow seen since the last Reset.
func (this BitWriter) Err() error {
	return this.err
}

func (this *BitWriter) reserve(n int) bool {
	if this.err != nil {
		return false
	}
	if this.pos+n > len(this.data) {
		this.err = ErrNotEnoughSpace
		return false
	}
	return true
}

func (this *BitWriter) Write(p []byte) (n int, err error) {
	if !this.reserve(len(p)) {
		return 0, this.err
	}

	n = copy(this.data[this.pos:], p)
	this.pos += n

	return n, nil
}

// EmptyBytes writes n zero bytes.
func (this *BitWriter) EmptyBytes(n int) {
	if !this.reserve(n) {
		return
	}
	clear(this.data[this.pos : this.pos+n])
	this.pos += n
}

func (this *BitWriter) Bytes() []byte {
	return this.data[:this.pos]
}

func (this *BitWriter) WriteByte(u uint8) {
	if !this.reserve(1) {
		return
	}
	this.data[this.pos] = u
	this.pos++
}

func (this *BitWriter) PutUint16(v uint16) {
	if !this.reserve(2) {
		return
	}
	this.order.PutUint16(this.data[this.pos:], v)
	this.pos += 2
}

func (this *BitWriter) PutUint32(v uint32) {
	if !this.reserve(4) {
		return
	}
	this.order.PutUint32(this.data[this.pos:], v)
	this.pos += 4
}

func (this *BitWriter) PutUint64(v uint64) {
	if !this.reserve(8) {
		return
	}
	this.order.PutUint64(this.data[this.pos:], v)
	this.pos += 8
}
