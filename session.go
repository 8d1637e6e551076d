package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	rio "github.com/dot5enko/rmfs/io"
	"github.com/dot5enko/rmfs/manager"
	"github.com/dot5enko/rmfs/schema"
)

// session is a volume mounted from a mapped image file.
type session struct {
	logger *slog.Logger
	mapped *rio.MappedFile
	vol    *manager.Volume
}

func openSession(s settings, format bool) (*session, error) {

	logger, err := s.logger()
	if err != nil {
		return nil, err
	}

	base, err := s.base()
	if err != nil {
		return nil, err
	}

	size, err := s.regionSize()
	if err != nil {
		return nil, err
	}

	if size == 0 {
		info, statErr := os.Stat(s.Image)
		switch {
		case errors.Is(statErr, os.ErrNotExist):
			return nil, fmt.Errorf("image %s does not exist, give a size to create it", s.Image)
		case statErr != nil:
			return nil, statErr
		case info.Size() > int64(^uint32(0)):
			return nil, fmt.Errorf("image %s is larger than the 32-bit address space", s.Image)
		}
		size = uint32(info.Size())
	}

	mapped, err := rio.MapFile(s.Image, int(size))
	if err != nil {
		return nil, err
	}

	if format {
		clear(mapped.Bytes()[:min(schema.RegionHeaderSize, int(size))])
	}

	vol, err := manager.Open(mapped.Bytes(), manager.Config{Start: base, Logger: logger})
	if err != nil {
		mapped.Close()
		return nil, err
	}

	return &session{logger: logger, mapped: mapped, vol: vol}, nil
}

func (s *session) Close() error {
	finalizeErr := s.vol.Finalize()
	closeErr := s.mapped.Close()

	if finalizeErr != nil {
		return finalizeErr
	}
	return closeErr
}

// withVolume runs fn on a mounted volume and always unmounts it.
func withVolume(s settings, fn func(*session) error) (topErr error) {
	sess, err := openSession(s, false)
	if err != nil {
		return err
	}

	defer func() {
		if err := sess.Close(); err != nil && topErr == nil {
			topErr = err
		}
	}()

	return fn(sess)
}
