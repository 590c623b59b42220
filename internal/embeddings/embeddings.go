package embeddings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrClosed is returned for requests made after Close.
var ErrClosed = errors.New("embedding service closed")

// Result represents the result of embedding generation
type Result struct {
	Content   string
	Embedding []float32
	Error     error
}

// Work represents a unit of embedding work
type Work struct {
	Ctx     context.Context
	Content string
	Result  chan<- Result
}

// Service manages embedding generation and caching
type Service struct {
	encoder    Encoder
	numWorkers int
	workQueue  chan Work
	cache      sync.Map // text -> []float32
	logger     *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewService creates a new embedding service with the specified number of workers
func NewService(encoder Encoder, numWorkers int, logger *slog.Logger) *Service {
	if numWorkers <= 0 {
		numWorkers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}

	service := &Service{
		encoder:    encoder,
		numWorkers: numWorkers,
		workQueue:  make(chan Work, 100),
		logger:     logger.With("component", "embeddings"),
	}
	service.startWorkers()
	return service
}

// Dimension is the vector length produced by the underlying encoder.
func (s *Service) Dimension() int {
	return s.encoder.Dimension()
}

// startWorkers starts a pool of goroutines for generating embeddings
func (s *Service) startWorkers() {
	for i := 0; i < s.numWorkers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for work := range s.workQueue {
				if cached, ok := s.cache.Load(work.Content); ok {
					work.Result <- Result{Content: work.Content, Embedding: cached.([]float32)}
					continue
				}

				embedding, err := s.generateEmbedding(work.Ctx, work.Content)
				if err == nil {
					s.cache.Store(work.Content, embedding)
				}
				work.Result <- Result{
					Content:   work.Content,
					Embedding: embedding,
					Error:     err,
				}
			}
		}()
	}
}

// GetEmbedding queues an embedding request. It blocks while the queue is full
// and fails if ctx ends first.
func (s *Service) GetEmbedding(ctx context.Context, content string) <-chan Result {
	resultChan := make(chan Result, 1)

	if cached, ok := s.cache.Load(content); ok {
		resultChan <- Result{Content: content, Embedding: cached.([]float32)}
		return resultChan
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		resultChan <- Result{Content: content, Error: ErrClosed}
		return resultChan
	}

	select {
	case s.workQueue <- Work{Ctx: ctx, Content: content, Result: resultChan}:
	case <-ctx.Done():
		resultChan <- Result{Content: content, Error: ctx.Err()}
	}
	return resultChan
}

// Embed returns the embedding for content, waiting for a worker.
func (s *Service) Embed(ctx context.Context, content string) ([]float32, error) {
	select {
	case res := <-s.GetEmbedding(ctx, content):
		return res.Embedding, res.Error
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// generateEmbedding creates a vector embedding for the content
func (s *Service) generateEmbedding(ctx context.Context, content string) ([]float32, error) {
	vectors, err := s.encoder.Encode(ctx, []string{content})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("encoder returned %d vectors for one text", len(vectors))
	}
	if len(vectors[0]) != s.encoder.Dimension() {
		return nil, fmt.Errorf("encoder returned %d values, declared dimension is %d", len(vectors[0]), s.encoder.Dimension())
	}
	s.logger.Debug("generated embedding", "chars", len(content))
	return vectors[0], nil
}

// Close shuts down the embedding service and waits for all workers to finish
func (s *Service) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.workQueue)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
