package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bdougie/framecaption/internal/models"
	"github.com/bdougie/framecaption/internal/sampler"
	"github.com/bdougie/framecaption/internal/storage"
	"github.com/bdougie/framecaption/internal/video"
)

const progressEvery = 64

// Opener opens the video at path.
type Opener func(ctx context.Context, path string) (video.Handle, error)

// Job names one video and the clip identifier its artifacts are saved under.
type Job struct {
	VideoPath string
	ClipID    string
}

// ClipID derives a clip identifier from a video path.
func ClipID(videoPath string) string {
	return strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath))
}

// Processor drives sampling, prediction and persistence for whole videos.
type Processor struct {
	predictor *Predictor
	sampler   *sampler.Sampler
	open      Opener
	stores    []storage.Factory
	workers   int
	logger    *slog.Logger
}

// NewProcessor creates a Processor. Every clip is written to each of stores.
func NewProcessor(predictor *Predictor, open Opener, logger *slog.Logger, stores ...storage.Factory) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		predictor: predictor,
		sampler:   sampler.New(logger),
		open:      open,
		stores:    stores,
		workers:   1,
		logger:    logger.With("component", "processor"),
	}
}

// WithWorkers sets how many videos ProcessVideos handles at once.
func (p *Processor) WithWorkers(n int) *Processor {
	if n > 0 {
		p.workers = n
	}
	return p
}

// ProcessVideo samples one video, predicts every sampled frame and saves
// the accumulated results under clipID. It returns the number of samples.
func (p *Processor) ProcessVideo(ctx context.Context, videoPath, clipID string) (int, error) {
	p.logger.Info("processing video", "video", videoPath, "clip_id", clipID)

	h, err := p.open(ctx, videoPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open video '%s': %w", videoPath, err)
	}
	defer h.Close()

	return p.process(ctx, h, clipID)
}

// ProcessHandle is ProcessVideo over an already open handle. The handle is
// not closed.
func (p *Processor) ProcessHandle(ctx context.Context, h video.Handle, clipID string) (int, error) {
	return p.process(ctx, h, clipID)
}

func (p *Processor) process(ctx context.Context, h video.Handle, clipID string) (int, error) {
	stores := make([]storage.Storage, 0, len(p.stores))
	for _, open := range p.stores {
		s, err := open(ctx, clipID)
		if err != nil {
			return 0, fmt.Errorf("failed to open storage for clip '%s': %w", clipID, err)
		}
		stores = append(stores, s)
	}

	total := h.FrameCount()
	done := 0
	n, err := p.sampler.Each(ctx, h, func(unit *models.FrameUnit) error {
		result, err := p.predictor.Predict(ctx, unit.FrameIndex, unit.Frames)
		if err != nil {
			return fmt.Errorf("frame %d/%d failed: %w", unit.FrameIndex, total, err)
		}
		for _, s := range stores {
			if err := s.AddResult(ctx, result); err != nil {
				return err
			}
		}
		done++
		if done%progressEvery == 0 {
			p.logger.Debug("sampling progress", "clip_id", clipID, "samples", done, "of", sampler.TimelinePositions)
		}
		return nil
	})
	if err != nil {
		return n, err
	}

	for _, s := range stores {
		if err := s.Flush(ctx); err != nil {
			return n, fmt.Errorf("failed to flush results for clip '%s': %w", clipID, err)
		}
	}

	p.logger.Info("saved clip", "clip_id", clipID, "samples", n, "frames", total)
	return n, nil
}

// ProcessVideos runs independent videos through a pool of workers. Each
// video gets its own handle; the predictor is shared. A failed video does
// not stop the others and all failures are returned joined. Jobs sharing a
// clip id are rejected before any video is opened.
func (p *Processor) ProcessVideos(ctx context.Context, jobs []Job) error {
	if err := checkClipIDs(jobs); err != nil {
		return err
	}

	workChan := make(chan Job, len(jobs))
	errorsChan := make(chan error, len(jobs))

	var wg sync.WaitGroup
	remaining := atomic.Int64{}
	remaining.Store(int64(len(jobs)))

	for i := 0; i < min(p.workers, max(len(jobs), 1)); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range workChan {
				if _, err := p.ProcessVideo(ctx, job.VideoPath, job.ClipID); err != nil {
					p.logger.Error("video failed", "video", job.VideoPath, "error", err)
					errorsChan <- fmt.Errorf("%s: %w", job.VideoPath, err)
				}
				left := remaining.Add(-1)
				p.logger.Info("remaining videos", "count", left, "total", len(jobs))
			}
		}()
	}

	for _, job := range jobs {
		workChan <- job
	}
	close(workChan)

	wg.Wait()
	close(errorsChan)

	var errs []error
	for err := range errorsChan {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// checkClipIDs fails when two jobs would write the same artifact files.
func checkClipIDs(jobs []Job) error {
	seen := make(map[string]string, len(jobs))
	for _, job := range jobs {
		if prev, ok := seen[job.ClipID]; ok {
			return fmt.Errorf("clip id %q used by both %s and %s", job.ClipID, prev, job.VideoPath)
		}
		seen[job.ClipID] = job.VideoPath
	}
	return nil
}
