package io

import (
	"errors"
	"fmt"
)

var (
	ErrNilBuffer  = errors.New("nil buffer")
	ErrNilAddress = errors.New("nil address")
	ErrOutOfRange = errors.New("address out of region range")
)

// Accessor copies bytes between caller buffers and a raw memory region
// addressed by absolute offsets. The region occupies [base, base+len(mem)).
// Address 0 is never a storage address, so base must be non-zero.
type Accessor struct {
	mem  []byte
	base uint32
}

func NewAccessor(mem []byte, base uint32) (*Accessor, error) {
	if base == 0 {
		return nil, fmt.Errorf("unable to create accessor: %w", ErrNilAddress)
	}
	if uint64(base)+uint64(len(mem)) > 1<<32 {
		return nil, fmt.Errorf("unable to create accessor: region of %d bytes at %#x: %w", len(mem), base, ErrOutOfRange)
	}

	return &Accessor{mem: mem, base: base}, nil
}

func (a *Accessor) Base() uint32 {
	return a.base
}

func (a *Accessor) Size() uint32 {
	return uint32(len(a.mem))
}

// End returns the first address past the region.
func (a *Accessor) End() uint32 {
	return a.base + uint32(len(a.mem))
}

// Bytes exposes the backing memory, used for snapshots.
func (a *Accessor) Bytes() []byte {
	return a.mem
}

func (a *Accessor) span(buf []byte, addr uint32) ([]byte, error) {
	if buf == nil {
		return nil, ErrNilBuffer
	}
	if addr == 0 {
		return nil, ErrNilAddress
	}
	if addr < a.base || uint64(addr)+uint64(len(buf)) > uint64(a.End()) {
		return nil, fmt.Errorf("%w: %#x+%d", ErrOutOfRange, addr, len(buf))
	}

	start := addr - a.base
	return a.mem[start : start+uint32(len(buf))], nil
}

// Read fills buf with the bytes stored at addr.
func (a *Accessor) Read(buf []byte, addr uint32) error {
	region, err := a.span(buf, addr)
	if err != nil {
		return err
	}

	copy(buf, region)
	return nil
}

// Write stores buf at addr.
func (a *Accessor) Write(buf []byte, addr uint32) error {
	region, err := a.span(buf, addr)
	if err != nil {
		return err
	}

	copy(region, buf)
	return nil
}

// Move copies size bytes from src to dst inside the region, overlapping spans are allowed.
func (a *Accessor) Move(dst, src, size uint32) error {
	if dst == 0 || src == 0 {
		return ErrNilAddress
	}
	if src < a.base || dst < a.base ||
		uint64(src)+uint64(size) > uint64(a.End()) || uint64(dst)+uint64(size) > uint64(a.End()) {
		return fmt.Errorf("%w: move %#x -> %#x (%d bytes)", ErrOutOfRange, src, dst, size)
	}

	copy(a.mem[dst-a.base:dst-a.base+size], a.mem[src-a.base:src-a.base+size])
	return nil
}
