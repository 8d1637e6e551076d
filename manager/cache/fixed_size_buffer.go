package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var ErrBufferTooSmall = errors.New("content exceeds pool buffer size")

// FixedSizeBufferPool hands out equally sized buffers carved from one arena.
// Callers wait for a returned buffer when all of them are taken.
type FixedSizeBufferPool struct {
	buffers [][]byte
	free    chan uint16

	bufSize int
}

func NewFixedSizeBufferPool(n int, bufSize int) *FixedSizeBufferPool {
	arena := make([]byte, n*bufSize)

	buffers := make([][]byte, n)
	free := make(chan uint16, n)

	for i := 0; i < n; i++ {
		start := i * bufSize
		end := start + bufSize
		buffers[i] = arena[start:end:end]
		free <- uint16(i)
	}

	return &FixedSizeBufferPool{
		buffers: buffers,
		free:    free,
		bufSize: bufSize,
	}
}

// Get waits for a free buffer or for ctx to be done.
func (p *FixedSizeBufferPool) Get(ctx context.Context) ([]byte, uint16, error) {
	select {
	case id := <-p.free:
		return p.buffers[id], id, nil
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

func (p *FixedSizeBufferPool) Return(id uint16) {
	p.free <- id
}

func (p *FixedSizeBufferPool) BufferSize() int {
	return p.bufSize
}

// Load reads r to the end into a pooled buffer. The returned slice is only
// valid until the buffer id is returned.
func (p *FixedSizeBufferPool) Load(ctx context.Context, r io.Reader) ([]byte, uint16, error) {
	buf, id, err := p.Get(ctx)
	if err != nil {
		return nil, 0, err
	}

	n, readErr := io.ReadFull(r, buf)
	switch {
	case errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF):
		return buf[:n], id, nil
	case readErr != nil:
		p.Return(id)
		return nil, 0, fmt.Errorf("unable to load content: %w", readErr)
	}

	// buffer filled up, anything left means the content does not fit
	var probe [1]byte
	if extra, _ := r.Read(probe[:]); extra > 0 {
		p.Return(id)
		return nil, 0, fmt.Errorf("%w: more than %d bytes", ErrBufferTooSmall, p.bufSize)
	}

	return buf[:n], id, nil
}
