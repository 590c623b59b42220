// Package video provides seekable frame sources for the sampler.
package video

import (
	"context"
	"errors"

	"github.com/bdougie/framecaption/internal/models"
)

var (
	// ErrEndOfStream is returned by Read when the position is past the last frame.
	ErrEndOfStream = errors.New("end of stream")
	// ErrClosed is returned by operations on a closed handle.
	ErrClosed = errors.New("video handle closed")
)

// Handle is an open video with a mutable read position.
// A Handle must not be used from more than one goroutine.
type Handle interface {
	// FrameCount returns the total number of frames in the video.
	FrameCount() int

	// Seek moves the read position to the given frame index.
	// Negative indexes clamp to the first frame.
	Seek(index int) error

	// Read decodes the frame at the current position and advances by one.
	Read(ctx context.Context) (models.Frame, error)

	// Close releases decoder resources.
	Close() error
}

// Memory is a Handle over frames held in memory.
type Memory struct {
	frames []models.Frame
	pos    int
	closed bool
}

// NewMemory creates an in-memory handle.
func NewMemory(frames []models.Frame) *Memory {
	return &Memory{frames: frames}
}

// Synthetic builds an in-memory video of n frames. Each frame carries its
// index in the blue channel of the first pixel so tests can tell them apart.
func Synthetic(n, width, height int) *Memory {
	frames := make([]models.Frame, n)
	for i := range frames {
		pix := make([]byte, width*height*3)
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				o := (y*width + x) * 3
				pix[o] = byte(i)
				pix[o+1] = byte(y * 255 / max(height-1, 1))
				pix[o+2] = byte(x * 255 / max(width-1, 1))
			}
		}
		frames[i] = models.Frame{Width: width, Height: height, Pix: pix}
	}
	return NewMemory(frames)
}

func (m *Memory) FrameCount() int {
	return len(m.frames)
}

func (m *Memory) Seek(index int) error {
	if m.closed {
		return ErrClosed
	}
	m.pos = max(index, 0)
	return nil
}

func (m *Memory) Read(ctx context.Context) (models.Frame, error) {
	if m.closed {
		return models.Frame{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return models.Frame{}, err
	}
	if m.pos >= len(m.frames) {
		return models.Frame{}, ErrEndOfStream
	}
	f := m.frames[m.pos]
	m.pos++
	return f, nil
}

func (m *Memory) Close() error {
	m.closed = true
	return nil
}

var _ Handle = (*Memory)(nil)
