//go:build !unix

package io

import "fmt"

// MappedFile keeps a whole image in memory on platforms without mmap
// and writes it back on Sync and Close.
type MappedFile struct {
	fr  *FileReader
	mem []byte
}

func MapFile(path string, size int) (*MappedFile, error) {

	fr := NewFileReader(path)
	if openErr := fr.Open(false); openErr != nil {
		return nil, fmt.Errorf("unable to open image %s: %w", path, openErr)
	}

	if sizeErr := fr.EnsureSize(int64(size)); sizeErr != nil {
		fr.Close()
		return nil, fmt.Errorf("unable to size image %s to %d bytes: %w", path, size, sizeErr)
	}

	mem := make([]byte, size)
	if readErr := fr.ReadAt(mem, 0); readErr != nil {
		fr.Close()
		return nil, fmt.Errorf("unable to load image %s: %w", path, readErr)
	}

	return &MappedFile{fr: fr, mem: mem}, nil
}

func (m *MappedFile) Bytes() []byte {
	return m.mem
}

func (m *MappedFile) Sync() error {
	return m.fr.WriteAt(m.mem, 0)
}

func (m *MappedFile) Close() error {
	if m.mem == nil {
		return nil
	}

	syncErr := m.Sync()
	m.mem = nil
	closeErr := m.fr.Close()

	if syncErr != nil {
		return fmt.Errorf("unable to write back image: %w", syncErr)
	}
	return closeErr
}
