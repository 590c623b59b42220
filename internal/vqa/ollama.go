package vqa

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"net/http"
	"time"

	"github.com/agent-api/core"
	"github.com/agent-api/core/agent"
	"github.com/agent-api/core/agent/bootstrap"
	"github.com/go-logr/logr"
)

const systemPrompt = "You are a visual question answering assistant. Answer the question about the image in one short sentence."

// OllamaConfig configures the Ollama caption backend.
type OllamaConfig struct {
	BaseURL      string
	Port         int
	Model        string
	MaxImageSide int
}

// OllamaModel captions frames with a vision model served by Ollama.
// Ollama does not expose encoder states, so the encoder output is the
// patch feature grid of the image as submitted to the model.
type OllamaModel struct {
	provider     *chatProvider
	logger       *slog.Logger
	agentLogger  logr.Logger
	maxImageSide int
}

// NewOllamaModel connects to Ollama and selects the configured model.
func NewOllamaModel(ctx context.Context, cfg OllamaConfig, logger *slog.Logger) (*OllamaModel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := ping(ctx, cfg); err != nil {
		return nil, fmt.Errorf("ollama is not reachable at %s:%d: %w", cfg.BaseURL, cfg.Port, err)
	}

	agentLogger := logr.FromSlogHandler(logger.Handler())
	provider := newChatProvider(cfg.BaseURL, cfg.Port, systemPrompt, &agentLogger)
	if err := provider.UseModel(ctx, &core.Model{ID: cfg.Model}); err != nil {
		return nil, err
	}

	return &OllamaModel{
		provider:     provider,
		logger:       logger.With("component", "vqa", "model", cfg.Model),
		agentLogger:  agentLogger,
		maxImageSide: cfg.MaxImageSide,
	}, nil
}

func ping(ctx context.Context, cfg OllamaConfig) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL(cfg.BaseURL, cfg.Port)+"/tags", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}

// newAgent builds a single-turn agent. Each frame gets a fresh agent so no
// conversation history leaks between frames.
func (m *OllamaModel) newAgent() (*agent.Agent, error) {
	return agent.NewAgent(
		bootstrap.WithProvider(m.provider),
		bootstrap.WithSystemPrompt(systemPrompt),
		bootstrap.WithLogger(&m.agentLogger),
		bootstrap.WithMaxSteps(2),
	)
}

// Generate asks the prompt about img.
func (m *OllamaModel) Generate(ctx context.Context, img image.Image, prompt string) (Generation, error) {
	img = Fit(img, m.maxImageSide)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		return Generation{}, fmt.Errorf("failed to encode frame: %w", err)
	}

	a, err := m.newAgent()
	if err != nil {
		return Generation{}, fmt.Errorf("failed to create agent: %w", err)
	}

	response, err := a.Run(
		ctx,
		agent.WithInput(prompt),
		agent.WithImageBase64(base64.StdEncoding.EncodeToString(buf.Bytes()), "image/jpeg"),
	)
	if err != nil {
		return Generation{}, err
	}
	if response == nil || len(response.Messages) == 0 {
		return Generation{}, fmt.Errorf("no response messages received from model")
	}

	// the last message is the model's answer, not the prompt
	content := response.Messages[len(response.Messages)-1].Content
	m.logger.Debug("raw response", "content", content)

	return Generation{
		Tokens:        []string{content},
		EncoderOutput: PatchFeatures(img),
	}, nil
}

var _ Model = (*OllamaModel)(nil)
