package io

import (
	"errors"
	"os"
)

// FileReader wraps the host file that backs a region image.
type FileReader struct {
	path   string
	file   *os.File
	opened bool

	exists bool
}

func NewFileReader(path string) *FileReader {

	_, err := os.Stat(path)

	freader := &FileReader{
		path:   path,
		exists: err == nil,
	}

	return freader
}

func (f *FileReader) Exists() bool {
	return f.exists
}

func (f *FileReader) Open(readOnly bool) (topErr error) {

	var perm os.FileMode = 0644

	if readOnly {
		f.file, topErr = os.OpenFile(f.path, os.O_RDONLY, perm)
	} else {
		f.file, topErr = os.OpenFile(f.path, os.O_CREATE|os.O_RDWR, perm)
	}

	if topErr == nil {
		f.opened = true
	}

	return topErr
}

func (f *FileReader) Raw() *os.File {
	return f.file
}

func (f *FileReader) Close() error {
	if !f.opened {
		return nil
	}

	f.opened = false
	return f.file.Close()
}

func (f *FileReader) Size() (int64, error) {
	if !f.opened {
		return 0, errors.New("file not opened")
	}

	info, err := f.file.Stat()
	if err != nil {
		return 0, err
	}

	return info.Size(), nil
}

func (f *FileReader) ReadAt(out []byte, off int) (err error) {
	if !f.opened {
		return errors.New("file not opened")
	}

	var readBytes int
	readBytes, err = f.file.ReadAt(out, int64(off))

	if readBytes != len(out) {
		return errors.New("read bytes mismatch")
	}

	return nil
}

func (f *FileReader) WriteAt(in []byte, off int) (err error) {
	if !f.opened {
		return errors.New("file not opened")
	}

	var writtenBytes int
	writtenBytes, err = f.file.WriteAt(in, int64(off))
	if err != nil {
		return err
	}
	if writtenBytes != len(in) {
		return errors.New("written bytes mismatch")
	}

	return nil
}

// EnsureSize grows the file with zeroes up to size bytes, a larger file is left as is.
func (f *FileReader) EnsureSize(size int64) error {
	current, err := f.Size()
	if err != nil {
		return err
	}

	if current >= size {
		return nil
	}

	return f.file.Truncate(size)
}
