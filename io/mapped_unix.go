//go:build unix

package io

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MappedFile is a host file mapped into memory, serving as a region backing store.
type MappedFile struct {
	fr  *FileReader
	mem []byte
}

// MapFile maps size bytes of path, creating or growing the file when needed.
func MapFile(path string, size int) (*MappedFile, error) {

	fr := NewFileReader(path)
	if openErr := fr.Open(false); openErr != nil {
		return nil, fmt.Errorf("unable to open image %s: %w", path, openErr)
	}

	if sizeErr := fr.EnsureSize(int64(size)); sizeErr != nil {
		fr.Close()
		return nil, fmt.Errorf("unable to size image %s to %d bytes: %w", path, size, sizeErr)
	}

	mem, mmapErr := unix.Mmap(int(fr.Raw().Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if mmapErr != nil {
		fr.Close()
		return nil, fmt.Errorf("unable to map image %s: %w", path, mmapErr)
	}

	return &MappedFile{fr: fr, mem: mem}, nil
}

func (m *MappedFile) Bytes() []byte {
	return m.mem
}

func (m *MappedFile) Sync() error {
	return unix.Msync(m.mem, unix.MS_SYNC)
}

func (m *MappedFile) Close() error {
	if m.mem == nil {
		return nil
	}

	syncErr := m.Sync()
	unmapErr := unix.Munmap(m.mem)
	m.mem = nil
	closeErr := m.fr.Close()

	switch {
	case syncErr != nil:
		return fmt.Errorf("unable to sync image: %w", syncErr)
	case unmapErr != nil:
		return fmt.Errorf("unable to unmap image: %w", unmapErr)
	default:
		return closeErr
	}
}
