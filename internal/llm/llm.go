package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/comigor/jarvis-chat/internal/config"
	"github.com/comigor/jarvis-chat/internal/history"
	"github.com/comigor/jarvis-chat/internal/logger"
	"github.com/sashabaranov/go-openai"
)

// ErrNoClient is returned by a Gateway built without a client.
var ErrNoClient = errors.New("llm: no client configured")

// NewClient creates a new OpenAI client. Gemini and most hosted models expose an
// OpenAI-compatible endpoint, selected through cfg.BaseURL.
func NewClient(cfg config.LLMConfig) *openai.Client {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return openai.NewClientWithConfig(config)
}

// Gateway is the stateless bridge to the model: every call carries the whole history.
type Gateway struct {
	client  Client
	model   string
	timeout time.Duration
}

var _ Generator = (*Gateway)(nil)

// NewGateway creates a Gateway for cfg.Model. A zero cfg.Timeout disables the deadline.
func NewGateway(client Client, cfg config.LLMConfig) *Gateway {
	return &Gateway{client: client, model: cfg.Model, timeout: cfg.Timeout}
}

// Generate sends h as chat messages and returns the first choice's content. A response
// without choices yields an empty reply, not an error.
func (g *Gateway) Generate(ctx context.Context, h history.History) (string, error) {
	if g.client == nil {
		return "", ErrNoClient
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    g.model,
		Messages: ToChatMessages(h),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		logger.L.Warn("LLM returned no choices", "model", g.model, "id", resp.ID)
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// ToChatMessages maps history roles onto chat completion roles.
func ToChatMessages(h history.History) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(h))
	for _, m := range h {
		out = append(out, openai.ChatCompletionMessage{
			Role:    chatRole(m.Role),
			Content: m.Text(),
		})
	}
	return out
}

func chatRole(r history.Role) string {
	switch r {
	case history.RoleSystem:
		return openai.ChatMessageRoleSystem
	case history.RoleModel:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}
