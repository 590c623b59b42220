package embeddings

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiEncoder embeds texts with the Gemini embedding API.
type GeminiEncoder struct {
	client *genai.Client
	model  string
	dim    int
}

// NewGeminiEncoder creates a Gemini-backed encoder producing vectors of dim values.
func NewGeminiEncoder(ctx context.Context, apiKey, model string, dim int) (*GeminiEncoder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini encoder requires an API key")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiEncoder{client: client, model: model, dim: dim}, nil
}

func (e *GeminiEncoder) Dimension() int {
	return e.dim
}

func (e *GeminiEncoder) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	dim := int32(e.dim)
	resp, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		OutputDimensionality: &dim,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini embed: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("gemini returned %d embeddings for %d texts", len(resp.Embeddings), len(texts))
	}

	out := make([][]float32, len(texts))
	for i, emb := range resp.Embeddings {
		out[i] = emb.Values
	}
	return out, nil
}

var _ Encoder = (*GeminiEncoder)(nil)
