// Package sampler picks frames uniformly over a fixed logical timeline.
package sampler

import (
	"context"
	"log/slog"

	"github.com/bdougie/framecaption/internal/models"
	"github.com/bdougie/framecaption/internal/video"
)

// TimelinePositions is the number of logical sample positions per video.
const TimelinePositions = 1024

// FrameIndex maps a cursor on the logical timeline to a native frame index.
// Short videos map adjacent cursors to the same frame.
func FrameIndex(cursor, total int) int {
	return int(int64(cursor) * int64(total) / TimelinePositions)
}

// Sampler extracts one frame per logical timeline position.
type Sampler struct {
	logger *slog.Logger
}

// New creates a Sampler.
func New(logger *slog.Logger) *Sampler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{logger: logger.With("component", "sampler")}
}

// Sample reads the frame for cursor. It returns the next cursor and the unit,
// or ok=false once sampling is exhausted. A decode failure is terminal and is
// not reported as an error.
func (s *Sampler) Sample(ctx context.Context, cursor int, h video.Handle) (next int, unit *models.FrameUnit, ok bool) {
	if cursor < 0 || cursor >= TimelinePositions {
		return 0, nil, false
	}

	frameIndex := FrameIndex(cursor, h.FrameCount())

	if err := h.Seek(frameIndex - 1); err != nil {
		s.logger.Debug("seek failed", "cursor", cursor, "frame_index", frameIndex, "error", err)
		return 0, nil, false
	}
	frame, err := h.Read(ctx)
	if err != nil {
		s.logger.Debug("sampling exhausted", "cursor", cursor, "frame_index", frameIndex, "error", err)
		return 0, nil, false
	}

	return cursor + 1, &models.FrameUnit{
		FrameIndex: frameIndex,
		Frames:     []models.Frame{frame},
	}, true
}

// Each sweeps the timeline from cursor 0, calling fn for every sampled unit
// until sampling is exhausted or fn fails. It returns the number of units
// passed to fn.
func (s *Sampler) Each(ctx context.Context, h video.Handle, fn func(unit *models.FrameUnit) error) (int, error) {
	cursor, count := 0, 0
	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		next, unit, ok := s.Sample(ctx, cursor, h)
		if !ok {
			return count, nil
		}
		if err := fn(unit); err != nil {
			return count, err
		}
		count++
		cursor = next
	}
}
