// Package vqa defines the visual-question-answering caption model contract
// and its backends.
package vqa

import (
	"context"
	"image"
	"regexp"
	"strings"

	"github.com/bdougie/framecaption/internal/models"
)

// Prompt is the fixed question asked about every sampled frame.
const Prompt = "Question: What is the person in this picture doing? Answer:"

// Generation is the raw output of one caption generation.
type Generation struct {
	// Tokens are the generated pieces in order. They may contain special
	// tokens and SentencePiece word markers.
	Tokens []string

	// EncoderOutput is the representation the model computed for the image.
	EncoderOutput models.Tensor
}

// Model generates an answer to a prompt about an RGB image.
// Implementations must be safe for concurrent use.
type Model interface {
	Generate(ctx context.Context, img image.Image, prompt string) (Generation, error)
}

const wordMarker = "▁"

var (
	specialTokens = map[string]bool{
		"<pad>": true,
		"<s>":   true,
		"</s>":  true,
		"<unk>": true,
	}
	controlToken = regexp.MustCompile(`<\|[^<>|]*\|>`)
)

// Decode turns generated pieces into caption text with special tokens
// removed and surrounding whitespace trimmed.
func Decode(tokens []string) string {
	var b strings.Builder
	for _, tok := range tokens {
		if specialTokens[tok] {
			continue
		}
		b.WriteString(tok)
	}

	text := controlToken.ReplaceAllString(b.String(), "")
	for tok := range specialTokens {
		text = strings.ReplaceAll(text, tok, "")
	}
	text = strings.ReplaceAll(text, wordMarker, " ")
	return strings.TrimSpace(text)
}
