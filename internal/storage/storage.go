package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bdougie/framecaption/internal/models"
)

const (
	// EmbeddingsDir holds one caption embedding sequence per clip.
	EmbeddingsDir = "caption_sbert_embeddings"
	// EncoderOutputsDir holds one encoder output sequence per clip.
	EncoderOutputsDir = "encoder_outputs"
)

// ErrPersistence wraps failures while writing artifacts.
var ErrPersistence = errors.New("persistence failed")

// Storage receives the prediction results of one clip.
type Storage interface {
	// AddResult adds a single prediction result
	AddResult(ctx context.Context, result models.PredictionResult) error

	// Flush ensures all pending results are saved
	Flush(ctx context.Context) error
}

// Factory opens the Storage for a clip.
type Factory func(ctx context.Context, clipID string) (Storage, error)

// Save writes both artifacts of a clip under outputRoot, replacing any
// previous files for the same clip. Writes are not atomic.
func Save(captionEmbeddings [][]float32, encoderOutputs []models.Tensor, outputRoot, clipID string) error {
	if clipID == "" || clipID != filepath.Base(clipID) {
		return fmt.Errorf("%w: invalid clip id %q", ErrPersistence, clipID)
	}
	if len(captionEmbeddings) != len(encoderOutputs) {
		return fmt.Errorf("%w: %d caption embeddings but %d encoder outputs",
			ErrPersistence, len(captionEmbeddings), len(encoderOutputs))
	}

	embDir := filepath.Join(outputRoot, EmbeddingsDir)
	encDir := filepath.Join(outputRoot, EncoderOutputsDir)
	for _, dir := range []string{embDir, encDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("%w: failed to create directory '%s': %w", ErrPersistence, dir, err)
		}
	}

	vectors := make([]models.Tensor, len(captionEmbeddings))
	for i, e := range captionEmbeddings {
		vectors[i] = models.Vector(e)
	}

	if err := writeFile(filepath.Join(embDir, clipID), vectors); err != nil {
		return err
	}
	return writeFile(filepath.Join(encDir, clipID), encoderOutputs)
}

func writeFile(path string, tensors []models.Tensor) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: failed to create '%s': %w", ErrPersistence, path, err)
	}
	if err := WriteTensors(file, tensors); err != nil {
		file.Close()
		return fmt.Errorf("%w: failed to write '%s': %w", ErrPersistence, path, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("%w: failed to close '%s': %w", ErrPersistence, path, err)
	}
	return nil
}

// LoadEmbeddings reads the caption embedding sequence of a clip.
func LoadEmbeddings(outputRoot, clipID string) ([][]float32, error) {
	tensors, err := readFile(filepath.Join(outputRoot, EmbeddingsDir, clipID))
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(tensors))
	for i, t := range tensors {
		out[i] = t.Data
	}
	return out, nil
}

// LoadEncoderOutputs reads the encoder output sequence of a clip.
func LoadEncoderOutputs(outputRoot, clipID string) ([]models.Tensor, error) {
	return readFile(filepath.Join(outputRoot, EncoderOutputsDir, clipID))
}

func readFile(path string) ([]models.Tensor, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return ReadTensors(file)
}

// storageImpl accumulates the results of one clip and saves them on Flush
type storageImpl struct {
	mu             sync.Mutex
	embeddings     [][]float32
	encoderOutputs []models.Tensor
	outputRoot     string
	clipID         string
}

// NewStorage creates a file storage for one clip
func NewStorage(outputRoot, clipID string) *storageImpl {
	return &storageImpl{outputRoot: outputRoot, clipID: clipID}
}

// FileFactory opens file storages under outputRoot.
func FileFactory(outputRoot string) Factory {
	return func(ctx context.Context, clipID string) (Storage, error) {
		return NewStorage(outputRoot, clipID), nil
	}
}

// AddResult appends a result in sampling order
func (s *storageImpl) AddResult(ctx context.Context, result models.PredictionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.embeddings = append(s.embeddings, result.CaptionEmbedding)
	s.encoderOutputs = append(s.encoderOutputs, result.EncoderOutput)
	return nil
}

// Flush writes the accumulated sequences
func (s *storageImpl) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Save(s.embeddings, s.encoderOutputs, s.outputRoot, s.clipID)
}

// Len returns the number of accumulated results.
func (s *storageImpl) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.embeddings)
}
