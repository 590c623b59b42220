package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultDimension matches the sentence model the pipeline targets
// (all-distilroberta-v1).
const DefaultDimension = 768

// Encoder maps texts to fixed-length vectors.
type Encoder interface {
	// Encode returns one vector per input text, in input order.
	Encode(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension is the length of every vector Encode returns.
	Dimension() int
}

// HashingEncoder is a deterministic local encoder using signed feature
// hashing over word unigrams and bigrams. Vectors are L2-normalized.
type HashingEncoder struct {
	dim int
}

// NewHashingEncoder creates a HashingEncoder of the given dimension.
func NewHashingEncoder(dim int) *HashingEncoder {
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &HashingEncoder{dim: dim}
}

func (e *HashingEncoder) Dimension() int {
	return e.dim
}

func (e *HashingEncoder) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.encode(text)
	}
	return out, nil
}

func (e *HashingEncoder) encode(text string) []float32 {
	vec := make([]float32, e.dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	add := func(feature string) {
		h := fnv.New64a()
		h.Write([]byte(feature))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dim))
		if sum>>63 == 1 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}
	for i, w := range words {
		add(w)
		if i > 0 {
			add(words[i-1] + " " + w)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}

var _ Encoder = (*HashingEncoder)(nil)
