package vqa

import (
	"context"
	"fmt"

	"github.com/agent-api/core"
	"github.com/agent-api/ollama/client"
	"github.com/go-logr/logr"
)

// chatProvider is a core.Provider over the Ollama chat endpoint at a
// configurable address. The system prompt is sent ahead of every request.
type chatProvider struct {
	client       *client.OllamaClient
	model        *core.Model
	systemPrompt string
	logger       *logr.Logger
}

func newChatProvider(baseURL string, port int, systemPrompt string, logger *logr.Logger) *chatProvider {
	return &chatProvider{
		client:       client.NewClient(client.WithBaseURL(apiURL(baseURL, port))),
		systemPrompt: systemPrompt,
		logger:       logger,
	}
}

func apiURL(baseURL string, port int) string {
	return fmt.Sprintf("%s:%d/api", baseURL, port)
}

func (p *chatProvider) GetCapabilities(ctx context.Context) (*core.Capabilities, error) {
	return nil, nil
}

func (p *chatProvider) UseModel(ctx context.Context, model *core.Model) error {
	if model == nil || model.ID == "" {
		return fmt.Errorf("model id must not be empty")
	}
	p.logger.V(1).Info("using model", "model", model.ID)
	p.model = model
	return nil
}

func (p *chatProvider) Generate(ctx context.Context, opts *core.GenerateOptions) (*core.Message, error) {
	if p.model == nil {
		return nil, fmt.Errorf("no model selected")
	}

	messages := make([]*client.Message, 0, len(opts.Messages)+1)
	if p.systemPrompt != "" {
		messages = append(messages, &client.Message{Role: client.RoleSystem, Content: p.systemPrompt})
	}
	for _, m := range opts.Messages {
		messages = append(messages, toClientMessage(m))
	}

	resp, err := p.client.Chat(ctx, &client.ChatRequest{
		Model:    p.model.ID,
		Messages: messages,
	})
	if err != nil {
		return nil, fmt.Errorf("ollama chat: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("ollama chat returned no response")
	}

	return &core.Message{
		Role:    core.AssistantMessageRole,
		Content: resp.Message.Content,
	}, nil
}

func (p *chatProvider) GenerateStream(ctx context.Context, opts *core.GenerateOptions) (<-chan *core.Message, <-chan string, <-chan error) {
	msgs := make(chan *core.Message)
	deltas := make(chan string)
	errs := make(chan error, 1)
	errs <- fmt.Errorf("streaming is not supported")
	close(msgs)
	close(deltas)
	close(errs)
	return msgs, deltas, errs
}

func toClientMessage(m *core.Message) *client.Message {
	images := make([]string, 0, len(m.Images))
	for _, img := range m.Images {
		images = append(images, img.Base64Encoding)
	}

	role := client.RoleUser
	switch m.Role {
	case core.AssistantMessageRole:
		role = client.RoleAssistant
	case core.SystemMessageRole:
		role = client.RoleSystem
	case core.ToolMessageRole:
		role = client.RoleTool
	}
	return &client.Message{Role: role, Content: m.Content, Images: images}
}

var _ core.Provider = (*chatProvider)(nil)
