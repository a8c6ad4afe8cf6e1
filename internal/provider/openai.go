package provider

import (
	"context"
	"errors"
	"fmt"
	"os"

	openai "github.com/sashabaranov/go-openai"

	"polychat/internal/chat"
)

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint. All
// currently supported providers (OpenAI itself, Ollama, proxies) speak this
// protocol; other wire formats would get their own Client implementation.
type OpenAIClient struct {
	provider chat.Provider
	api      *openai.Client
}

// NewOpenAI builds a client for the provider record, reading the API key from
// the provider's configured environment variable. An empty KeyEnvVar means
// the endpoint is unauthenticated (local runtimes).
func NewOpenAI(p chat.Provider) *OpenAIClient {
	cfg := openai.DefaultConfig(os.Getenv(p.KeyEnvVar))
	if p.BaseURL != "" {
		cfg.BaseURL = p.BaseURL
	}
	return &OpenAIClient{provider: p, api: openai.NewClientWithConfig(cfg)}
}

func roleToOpenAI(r chat.Role) string {
	switch r {
	case chat.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	case chat.RoleToolResult:
		return openai.ChatMessageRoleTool
	default:
		return openai.ChatMessageRoleUser
	}
}

// buildMessages converts a transcript view into the wire shape. Error-only
// assistant turns become empty assistant messages, same as the transcript
// shows them as context-free failures.
func buildMessages(systemPrompt string, conversation []chat.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(conversation)+1)
	if systemPrompt != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	for _, m := range conversation {
		msg := openai.ChatCompletionMessage{
			Role:    roleToOpenAI(m.Role),
			Content: "",
		}
		if m.Content != nil {
			msg.Content = *m.Content
		}
		if m.Name != nil {
			msg.Name = *m.Name
		}
		if m.ToolCallID != nil {
			msg.ToolCallID = *m.ToolCallID
		}
		out = append(out, msg)
	}
	return out
}

// Generate implements Client.
func (c *OpenAIClient) Generate(ctx context.Context, model string, systemPrompt string, conversation []chat.Message) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: buildMessages(systemPrompt, conversation),
	})
	if err != nil {
		return "", fmt.Errorf("%s completion failed: %w", c.provider.Name, err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no content in response")
	}
	return resp.Choices[0].Message.Content, nil
}

// ListModels implements Client.
func (c *OpenAIClient) ListModels(ctx context.Context) (map[string]chat.Model, error) {
	list, err := c.api.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s model list failed: %w", c.provider.Name, err)
	}
	out := make(map[string]chat.Model, len(list.Models))
	for _, m := range list.Models {
		if m.ID == "" {
			continue
		}
		out[m.ID] = chat.Model{
			ProviderID: c.provider.ID,
			Name:       m.ID,
		}
	}
	return out, nil
}
