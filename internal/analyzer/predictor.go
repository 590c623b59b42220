package analyzer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"

	"github.com/bdougie/framecaption/internal/embeddings"
	"github.com/bdougie/framecaption/internal/models"
	"github.com/bdougie/framecaption/internal/vqa"
)

var (
	// ErrArity means the predictor was called with other than one frame.
	ErrArity = errors.New("number of frames should be 1")
	// ErrModelInvocation wraps any failure of the caption or embedding model.
	ErrModelInvocation = errors.New("model invocation failed")
)

// Predictor captions a frame and embeds the caption. It holds the model
// handles for the lifetime of the process and is safe for concurrent use
// when its models are.
type Predictor struct {
	model    vqa.Model
	embedder *embeddings.Service
	logger   *slog.Logger
}

// NewPredictor creates a Predictor over already loaded models.
func NewPredictor(model vqa.Model, embedder *embeddings.Service, logger *slog.Logger) *Predictor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Predictor{
		model:    model,
		embedder: embedder,
		logger:   logger.With("component", "predictor"),
	}
}

// Predict returns the caption embedding and encoder output for a single frame.
func (p *Predictor) Predict(ctx context.Context, frameIndex int, frames []models.Frame) (models.PredictionResult, error) {
	if len(frames) != 1 {
		return models.PredictionResult{}, fmt.Errorf("%w: got %d", ErrArity, len(frames))
	}

	// frames arrive BGR, the caption model expects RGB
	img, err := ToRGBA(frames[0])
	if err != nil {
		return models.PredictionResult{}, err
	}

	gen, err := p.model.Generate(ctx, img, vqa.Prompt)
	if err != nil {
		return models.PredictionResult{}, fmt.Errorf("%w: caption generation: %w", ErrModelInvocation, err)
	}
	if gen.EncoderOutput.Len() == 0 {
		return models.PredictionResult{}, fmt.Errorf("%w: caption model returned no encoder output", ErrModelInvocation)
	}
	if err := gen.EncoderOutput.Validate(); err != nil {
		return models.PredictionResult{}, fmt.Errorf("%w: encoder output: %w", ErrModelInvocation, err)
	}

	caption := vqa.Decode(gen.Tokens)

	embedding, err := p.embedder.Embed(ctx, caption)
	if err != nil {
		return models.PredictionResult{}, fmt.Errorf("%w: caption embedding: %w", ErrModelInvocation, err)
	}

	p.logger.Debug("predicted frame", "frame_index", frameIndex, "caption", caption)

	return models.PredictionResult{
		FrameIndex:       frameIndex,
		Caption:          caption,
		CaptionEmbedding: flatten(embedding),
		EncoderOutput:    gen.EncoderOutput,
	}, nil
}

func flatten(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}

// ToRGBA converts a packed BGR frame into an RGBA image.
func ToRGBA(f models.Frame) (*image.RGBA, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for i, j := 0, 0; i < len(f.Pix); i, j = i+3, j+4 {
		img.Pix[j] = f.Pix[i+2]
		img.Pix[j+1] = f.Pix[i+1]
		img.Pix[j+2] = f.Pix[i]
		img.Pix[j+3] = 0xff
	}
	return img, nil
}
