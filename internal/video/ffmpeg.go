package video

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/bdougie/framecaption/internal/models"
)

// Options configures ffmpeg-backed handles.
type Options struct {
	FFmpegPath  string // default: ffmpeg from PATH
	FFprobePath string // default: ffprobe from PATH
	Logger      *slog.Logger
}

// FFmpegHandle decodes frames through one long-lived ffmpeg rawvideo pipe.
// Forward seeks skip frames on the pipe; a backward seek restarts the decoder.
type FFmpegHandle struct {
	path   string
	ffmpeg string
	width  int
	height int
	total  int
	pos    int
	closed bool
	logger *slog.Logger

	dec     *decoder
	last    models.Frame // most recent frame read from the pipe
	decoded int          // frames read from the pipe, skipped ones included
	starts  int          // decoder processes started
}

// decoder is a running ffmpeg process writing packed bgr24 frames to stdout.
type decoder struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *bytes.Buffer
	next   int // index of the next frame on the pipe
}

type probeOutput struct {
	Streams []probeStream `json:"streams"`
}

type probeStream struct {
	Width         int    `json:"width"`
	Height        int    `json:"height"`
	NbFrames      string `json:"nb_frames"`
	NbReadPackets string `json:"nb_read_packets"`
}

// Open probes the video at path and returns a handle positioned at frame 0.
func Open(ctx context.Context, path string, opts Options) (*FFmpegHandle, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("video file does not exist at path: '%s'", path)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ffmpegPath, err := lookTool(opts.FFmpegPath, "ffmpeg")
	if err != nil {
		return nil, err
	}
	ffprobePath, err := lookTool(opts.FFprobePath, "ffprobe")
	if err != nil {
		return nil, err
	}

	stream, err := probe(ctx, ffprobePath, path)
	if err != nil {
		return nil, err
	}

	total, ok := mp4FrameCount(path)
	if !ok {
		total = parseCount(stream.NbReadPackets)
		if total == 0 {
			total = parseCount(stream.NbFrames)
		}
	}
	if total <= 0 {
		return nil, fmt.Errorf("could not determine frame count of '%s'", path)
	}

	logger.Debug("opened video",
		"path", path,
		"frames", total,
		"width", stream.Width,
		"height", stream.Height)

	return &FFmpegHandle{
		path:   path,
		ffmpeg: ffmpegPath,
		width:  stream.Width,
		height: stream.Height,
		total:  total,
		logger: logger,
	}, nil
}

func lookTool(custom, name string) (string, error) {
	if custom != "" {
		if _, err := os.Stat(custom); err != nil {
			return "", fmt.Errorf("%s not found at %s: %w", name, custom, err)
		}
		return custom, nil
	}
	p, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s not found in PATH: %w", name, err)
	}
	return p, nil
}

func probe(ctx context.Context, ffprobe, path string) (probeStream, error) {
	cmd := exec.CommandContext(ctx, ffprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-count_packets",
		"-show_entries", "stream=width,height,nb_frames,nb_read_packets",
		"-of", "json",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		return probeStream{}, fmt.Errorf("ffprobe failed: %w", err)
	}

	var out probeOutput
	if err := json.Unmarshal(output, &out); err != nil {
		return probeStream{}, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	if len(out.Streams) == 0 {
		return probeStream{}, fmt.Errorf("no video stream found in '%s'", path)
	}
	s := out.Streams[0]
	if s.Width <= 0 || s.Height <= 0 {
		return probeStream{}, fmt.Errorf("invalid video dimensions %dx%d", s.Width, s.Height)
	}
	return s, nil
}

func parseCount(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

func (h *FFmpegHandle) FrameCount() int {
	return h.total
}

func (h *FFmpegHandle) Seek(index int) error {
	if h.closed {
		return ErrClosed
	}
	h.pos = max(index, 0)
	return nil
}

// Read returns the frame at the current position as packed bgr24 and
// advances by one.
func (h *FFmpegHandle) Read(ctx context.Context) (models.Frame, error) {
	if h.closed {
		return models.Frame{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return models.Frame{}, err
	}
	if h.pos >= h.total {
		return models.Frame{}, ErrEndOfStream
	}

	// repeated indexes of short videos re-read the previous frame
	if h.dec != nil && h.pos == h.dec.next-1 && h.last.Pix != nil {
		h.pos++
		return h.last, nil
	}

	if h.dec == nil || h.pos < h.dec.next {
		if err := h.restart(); err != nil {
			return models.Frame{}, err
		}
	}

	size := h.width * h.height * 3
	for h.dec.next <= h.pos {
		if err := ctx.Err(); err != nil {
			return models.Frame{}, err
		}
		pix := make([]byte, size)
		if _, err := io.ReadFull(h.dec.stdout, pix); err != nil {
			decodable, stderr := h.dec.next, h.dec.stderr
			h.stop()
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				// the container overstated its frame count
				h.total = min(h.total, decodable)
				return models.Frame{}, fmt.Errorf("frame %d: %w", h.pos, ErrEndOfStream)
			}
			return models.Frame{}, fmt.Errorf("ffmpeg decode of frame %d failed: %w\nstderr: %s", h.pos, err, stderr.String())
		}
		h.decoded++
		h.dec.next++
		h.last = models.Frame{Width: h.width, Height: h.height, Pix: pix}
	}

	h.pos++
	return h.last, nil
}

func (h *FFmpegHandle) restart() error {
	h.stop()

	var stderr bytes.Buffer
	cmd := exec.Command(h.ffmpeg,
		"-v", "error",
		"-noautorotate",
		"-i", h.path,
		"-map", "0:v:0",
		"-vsync", "passthrough",
		"-f", "rawvideo",
		"-pix_fmt", "bgr24",
		"-",
	)
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open ffmpeg pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	h.starts++
	h.last = models.Frame{}
	h.dec = &decoder{cmd: cmd, stdout: stdout, stderr: &stderr}
	h.logger.Debug("started decoder", "path", h.path, "starts", h.starts)
	return nil
}

func (h *FFmpegHandle) stop() {
	if h.dec == nil {
		return
	}
	if h.dec.cmd.Process != nil {
		h.dec.cmd.Process.Kill()
	}
	h.dec.stdout.Close()
	h.dec.cmd.Wait()
	h.dec = nil
}

func (h *FFmpegHandle) Close() error {
	h.stop()
	h.closed = true
	return nil
}

var _ Handle = (*FFmpegHandle)(nil)
